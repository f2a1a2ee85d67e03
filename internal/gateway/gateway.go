// Package gateway is the WebSocket JSON-RPC surface of the control plane.
// Clients submit goals, watch their delegation trees, and stream bus events;
// everything else the product API needs is a read-only query here.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/basket/go-helm/internal/budget"
	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/engine"
	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/safety"
	"github.com/basket/go-helm/internal/shared"
	"github.com/basket/go-helm/internal/trace"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// JSON-RPC 2.0 error codes plus the app taxonomy.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	ErrCodeInvalid  = 1000
	ErrCodeScreened = 1003 // goal text rejected by input screening
	ErrCodeNotFound = 1004
)

type Config struct {
	Manager   *engine.Manager
	Traces    *trace.Service
	Governor  *budget.Governor
	Store     *persistence.Store
	Bus       *bus.Bus
	Sanitizer *safety.Sanitizer

	// AuthToken guards every connection. Empty disables auth; local use only.
	AuthToken string

	// AllowOrigins lists Origin patterns accepted for cross-origin browser
	// connections. Same-origin requests always pass.
	AllowOrigins []string

	// ConfigFingerprint identifies the active config in system.status.
	ConfigFingerprint string

	Version string
	Logger  *slog.Logger
}

// Server serves the WS endpoint and a health probe.
type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	// Event streaming state for events.subscribe.
	subMu     sync.Mutex
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.DB().PingContext(r.Context()); err != nil {
			dbOK = false
		}
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":          dbOK,
		"version":     s.cfg.Version,
		"active_runs": s.activeRuns(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin needs an explicit pattern.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Warn("ws: write response failed", "method", req.Method, "error", err)
		}
	}
}

// authorize checks the bearer token. An empty configured token disables
// auth entirely for local use.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return errResponse(id, ErrCodeInvalidRequest, "invalid JSON-RPC request")
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "system.status":
		result = s.systemStatus(ctx)
	case "goal.submit":
		result, rpcErr = s.goalSubmit(ctx, req.Params)
	case "goal.cancel":
		result, rpcErr = s.goalCancel(req.Params)
	case "goal.status":
		result, rpcErr = s.goalStatus(ctx, req.Params)
	case "goal.list":
		result, rpcErr = s.goalList(ctx, req.Params)
	case "trace.tree":
		result, rpcErr = s.traceTree(ctx, req.Params)
	case "trace.recent":
		result, rpcErr = s.traceRecent(ctx, req.Params)
	case "trace.summary":
		result, rpcErr = s.traceSummary(ctx, req.Params)
	case "budget.status":
		result, rpcErr = s.budgetStatus(ctx, req.Params)
	case "budget.usage":
		result, rpcErr = s.budgetUsage(ctx, req.Params)
	case "events.subscribe":
		result, rpcErr = s.eventsSubscribe(c, req.Params)
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) systemStatus(ctx context.Context) map[string]any {
	dbOK := true
	if s.cfg.Store != nil {
		dbOK = s.cfg.Store.DB().PingContext(ctx) == nil
	}
	return map[string]any{
		"version":            s.cfg.Version,
		"active_runs":        s.activeRuns(),
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
}

func (s *Server) goalSubmit(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		GoalText      string `json:"goal_text"`
		Identity      string `json:"identity"`
		MaxIterations int    `json:"max_iterations"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || strings.TrimSpace(p.GoalText) == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "goal_text is required"}
	}

	screening := "allow"
	if s.cfg.Sanitizer != nil {
		check := s.cfg.Sanitizer.Check(p.GoalText)
		if err := check.MustAllow(); err != nil {
			return nil, &rpcError{Code: ErrCodeScreened, Message: err.Error()}
		}
		if check.Action == safety.ActionWarn {
			screening = "warn"
			s.logger.Warn("goal text flagged by input screening",
				"pattern", check.Pattern, "identity", p.Identity)
		}
	}

	runID, err := s.cfg.Manager.Submit(ctx, engine.SubmitRequest{
		GoalText:      p.GoalText,
		Identity:      p.Identity,
		MaxIterations: p.MaxIterations,
	})
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}

	goalID := ""
	if run, err := s.cfg.Manager.Status(ctx, runID); err == nil {
		goalID = run.GoalID
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicGoalSubmitted, bus.LoopEvent{GoalID: goalID, RunID: runID})
	}
	return map[string]any{
		"run_id":    runID,
		"goal_id":   goalID,
		"screening": screening,
	}, nil
}

func (s *Server) goalCancel(raw json.RawMessage) (any, *rpcError) {
	var p struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.RunID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "run_id is required"}
	}
	return map[string]any{"canceled": s.cfg.Manager.Cancel(p.RunID)}, nil
}

func (s *Server) goalStatus(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.RunID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "run_id is required"}
	}
	run, err := s.cfg.Manager.Status(ctx, p.RunID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeNotFound, Message: "run not found: " + p.RunID}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	events, _ := s.cfg.Store.RunEvents(ctx, p.RunID)
	return map[string]any{"run": run, "phase_logs": events}, nil
}

func (s *Server) goalList(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(raw, &p)
	runs, err := s.cfg.Manager.List(ctx, p.Limit)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"runs": runs}, nil
}

func (s *Server) traceTree(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		GoalID string `json:"goal_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.GoalID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "goal_id is required"}
	}
	rows, err := s.cfg.Traces.Tree(ctx, p.GoalID)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"traces": rows}, nil
}

func (s *Server) traceRecent(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		UserID string `json:"user_id"`
		Limit  int    `json:"limit"`
	}
	_ = json.Unmarshal(raw, &p)
	if p.UserID == "" {
		p.UserID = shared.DefaultIdentity
	}
	rows, err := s.cfg.Traces.UserTraces(ctx, p.UserID, p.Limit)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"traces": rows}, nil
}

func (s *Server) traceSummary(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		GoalID string `json:"goal_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.GoalID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "goal_id is required"}
	}
	rows, err := s.cfg.Traces.Tree(ctx, p.GoalID)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return trace.Summarize(rows), nil
}

func (s *Server) budgetStatus(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		Identity string `json:"identity"`
	}
	_ = json.Unmarshal(raw, &p)
	st, err := s.cfg.Governor.CheckBudget(ctx, p.Identity)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return st, nil
}

func (s *Server) budgetUsage(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		Identity string `json:"identity"`
		Days     int    `json:"days"`
	}
	_ = json.Unmarshal(raw, &p)
	sum, err := s.cfg.Governor.GetUsageSummary(ctx, p.Identity, p.Days)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return sum, nil
}

func (s *Server) activeRuns() int {
	if s.cfg.Manager == nil {
		return 0
	}
	return s.cfg.Manager.Active()
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var id any
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, false
	}
	return id, true
}

func errResponse(id any, code int, msg string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}
