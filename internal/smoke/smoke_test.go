// Package smoke wires the whole control plane together in-process, with only
// the LLM faked, and drives it through the same surfaces a deployment uses:
// the WebSocket gateway, the event bus, and the audit trail.
package smoke

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-helm/internal/agent"
	"github.com/basket/go-helm/internal/audit"
	"github.com/basket/go-helm/internal/budget"
	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/capability"
	"github.com/basket/go-helm/internal/coordinator"
	"github.com/basket/go-helm/internal/engine"
	"github.com/basket/go-helm/internal/gateway"
	"github.com/basket/go-helm/internal/memory"
	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/safety"
	"github.com/basket/go-helm/internal/tools"
	"github.com/basket/go-helm/internal/trace"
)

const synthesisMarker = "Synthesize the observations"

// scriptedReasoner answers synthesis prompts with a fixed synthesis and
// decide prompts from a script, repeating the last entry when exhausted.
type scriptedReasoner struct {
	synthesis string
	decisions []string
	idx       int
}

func (s *scriptedReasoner) Generate(_ context.Context, prompt, _ string) (string, error) {
	if strings.Contains(prompt, synthesisMarker) {
		return s.synthesis, nil
	}
	if len(s.decisions) == 0 {
		return `{"action": "blocked", "reasoning": "script empty"}`, nil
	}
	d := s.decisions[s.idx]
	if s.idx < len(s.decisions)-1 {
		s.idx++
	}
	return d, nil
}

const stockSynthesis = `{"patterns": [], "opportunities": [], "threats": [], "recommended_focus": "proceed"}`

// harness is the full control plane minus the network listeners.
type harness struct {
	store    *persistence.Store
	bus      *bus.Bus
	auditor  *audit.Recorder
	traces   *trace.Service
	governor *budget.Governor
	manager  *engine.Manager
	registry *tools.Registry
	gateway  *gateway.Server
}

type harnessOpts struct {
	reasoner      engine.Reasoner
	budgetLimit   float64
	handlers      map[agent.Type]agent.Handler
	maxIterations int
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(dir, "gohelm.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	auditor, err := audit.NewRecorder(dir, store.DB())
	if err != nil {
		t.Fatalf("audit recorder: %v", err)
	}
	t.Cleanup(func() { _ = auditor.Close() })

	traces := trace.NewService(store, logger)
	limit := opts.budgetLimit
	if limit == 0 {
		limit = 100
	}
	governor := budget.NewGovernor(store, limit, nil, logger)
	coord := coordinator.New(coordinator.DefaultConfig(), governor, traces, auditor, eventBus, nil, logger)

	registry := tools.NewRegistry(tools.Deps{
		Traces: traces,
		Audit:  auditor,
		Leaks:  safety.NewLeakDetector(),
		Logger: logger,
	})

	dispatcher := agent.NewDispatcher(logger)
	for at, h := range opts.handlers {
		if err := dispatcher.RegisterHandler(at, h); err != nil {
			t.Fatalf("register handler: %v", err)
		}
	}

	maxIter := opts.maxIterations
	if maxIter == 0 {
		maxIter = 10
	}
	runner := engine.NewRunner(engine.Config{MaxIterations: maxIter}, engine.Deps{
		Reasoner:   opts.reasoner,
		Tiers:      []memory.Tier{memory.NewStoreTier(store)},
		Dispatcher: dispatcher,
		Coord:      coord,
		Traces:     traces,
		Governor:   governor,
		Store:      store,
		Bus:        eventBus,
		Logger:     logger,
	})
	manager := engine.NewManager(runner, store, logger)
	t.Cleanup(func() { manager.Drain(2 * time.Second) })

	gw := gateway.New(gateway.Config{
		Manager:           manager,
		Traces:            traces,
		Governor:          governor,
		Store:             store,
		Bus:               eventBus,
		Sanitizer:         safety.NewSanitizer(),
		ConfigFingerprint: "test-fingerprint",
		Version:           "smoke-test",
		Logger:            logger,
	})

	return &harness{
		store:    store,
		bus:      eventBus,
		auditor:  auditor,
		traces:   traces,
		governor: governor,
		manager:  manager,
		registry: registry,
		gateway:  gw,
	}
}

func (h *harness) waitForRun(t *testing.T, runID string, want persistence.RunStatus) *persistence.GoalRun {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.store.GetRun(context.Background(), runID)
		if err == nil && run.Status == want {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	run, _ := h.store.GetRun(context.Background(), runID)
	t.Fatalf("run %s never reached %s (last: %+v)", runID, want, run)
	return nil
}

// wsClient drives the gateway over a real WebSocket connection.
type wsClient struct {
	conn   *websocket.Conn
	nextID int
}

func dialGateway(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return &wsClient{conn: conn}
}

func (c *wsClient) call(t *testing.T, method string, params any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.nextID++
	req := map[string]any{"jsonrpc": "2.0", "id": c.nextID, "method": method}
	if params != nil {
		req["params"] = params
	}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		t.Fatalf("%s: write: %v", method, err)
	}

	var resp struct {
		ID     json.Number     `json:"id"`
		Result map[string]any  `json:"result"`
		Error  *map[string]any `json:"error"`
		Method string          `json:"method"`
	}
	// Skip server-push notifications until the matching response arrives.
	for {
		if err := wsjson.Read(ctx, c.conn, &resp); err != nil {
			t.Fatalf("%s: read: %v", method, err)
		}
		if resp.ID.String() == fmt.Sprint(c.nextID) {
			break
		}
	}
	if resp.Error != nil {
		t.Fatalf("%s returned error: %v", method, *resp.Error)
	}
	return resp.Result
}

func TestGoalSubmittedOverWebSocketRunsToCompletion(t *testing.T) {
	reasoner := &scriptedReasoner{
		synthesis: stockSynthesis,
		decisions: []string{
			`{"action": "delegate", "agent": "scout", "parameters": {"description": "survey the landscape"}, "reasoning": "need data"}`,
			`{"action": "complete", "reasoning": "deliverable ready"}`,
		},
	}
	h := newHarness(t, harnessOpts{
		reasoner: reasoner,
		handlers: map[agent.Type]agent.Handler{
			agent.TypeScout: func(ctx context.Context, task agent.Task, token *capability.Token) agent.Result {
				return agent.Result{Success: true, Data: "three findings", TokensUsed: 120}
			},
		},
	})
	srv := httptest.NewServer(h.gateway.Handler())
	defer srv.Close()
	client := dialGateway(t, srv)

	status := client.call(t, "system.status", nil)
	if status["config_fingerprint"] != "test-fingerprint" {
		t.Fatalf("system.status fingerprint = %v", status["config_fingerprint"])
	}

	submitted := client.call(t, "goal.submit", map[string]any{"goal_text": "map the competitive landscape"})
	runID, _ := submitted["run_id"].(string)
	goalID, _ := submitted["goal_id"].(string)
	if runID == "" || goalID == "" {
		t.Fatalf("goal.submit returned %v", submitted)
	}

	run := h.waitForRun(t, runID, persistence.RunStatusCompleted)
	if run.Outcome == "" {
		t.Fatal("completed run should carry an outcome")
	}

	// The delegation left a trace the product API can summarize.
	deadline := time.Now().Add(5 * time.Second)
	for {
		summary := client.call(t, "trace.summary", map[string]any{"goal_id": goalID})
		if count, _ := summary["agent_count"].(float64); count >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("trace.summary never reported the scout delegation")
		}
		time.Sleep(20 * time.Millisecond)
	}

	got := client.call(t, "goal.status", map[string]any{"run_id": runID})
	runObj, _ := got["run"].(map[string]any)
	if runObj == nil || runObj["status"] != string(persistence.RunStatusCompleted) {
		t.Fatalf("goal.status = %v", got)
	}
}

func TestBudgetExhaustionBlocksRunAndRaisesEscalation(t *testing.T) {
	reasoner := &scriptedReasoner{
		synthesis: stockSynthesis,
		decisions: []string{
			`{"action": "delegate", "agent": "scout", "parameters": {"description": "expensive sweep"}, "reasoning": "need data"}`,
		},
	}
	h := newHarness(t, harnessOpts{
		reasoner:    reasoner,
		budgetLimit: 0.01,
		handlers: map[agent.Type]agent.Handler{
			agent.TypeScout: func(ctx context.Context, task agent.Task, token *capability.Token) agent.Result {
				// The envelope's cost blows past the monthly limit on the
				// first delegation.
				return agent.Result{
					Success:    true,
					Data:       `{"cost_usd": 5.0, "confidence": 0.9}` + "\nraw findings",
					TokensUsed: 500,
				}
			},
		},
	})

	sub := h.bus.Subscribe("escalation.")
	defer h.bus.Unsubscribe(sub)

	runID, err := h.manager.Submit(context.Background(), engine.SubmitRequest{GoalText: "burn through the budget"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	run := h.waitForRun(t, runID, persistence.RunStatusBlocked)
	if !strings.Contains(run.Outcome, "escalated") {
		t.Fatalf("outcome = %q, want escalation", run.Outcome)
	}
	if !strings.Contains(run.Outcome, "budget") {
		t.Fatalf("outcome = %q, want a budget reason", run.Outcome)
	}

	select {
	case ev := <-sub.Ch():
		esc, ok := ev.Payload.(bus.EscalationEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if esc.GoalID == "" {
			t.Fatal("escalation event missing goal_id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no escalation event published")
	}
}

// echoToolServer reflects its input back, so tests control tool output.
type echoToolServer struct{}

func (echoToolServer) Name() string { return "echo" }

func (echoToolServer) Execute(_ context.Context, tool string, args map[string]any) (string, error) {
	return fmt.Sprintf("%s ran with %v", tool, args), nil
}

func TestToolDenialIsAuditedAndFailsTheDelegation(t *testing.T) {
	reasoner := &scriptedReasoner{
		synthesis: stockSynthesis,
		decisions: []string{
			`{"action": "delegate", "agent": "scout", "parameters": {"description": "update the crm"}, "reasoning": "misdirected"}`,
			`{"action": "complete", "reasoning": "gave up on the write"}`,
		},
	}

	var h *harness
	h = newHarness(t, harnessOpts{
		reasoner: reasoner,
		handlers: map[agent.Type]agent.Handler{
			// A scout worker that tries a CRM write it was never allowed.
			agent.TypeScout: func(ctx context.Context, task agent.Task, token *capability.Token) agent.Result {
				_, err := h.registry.Call(ctx, tools.Call{
					Tool:      "crm_update",
					Args:      map[string]any{"record": "acct-1"},
					Token:     token,
					GoalID:    token.GoalID,
					Delegatee: "scout",
				})
				if err != nil {
					return agent.Result{Success: false, Error: err.Error(), TokensUsed: 10}
				}
				return agent.Result{Success: true, Data: "wrote the record", TokensUsed: 10}
			},
		},
	})
	if err := h.registry.RegisterServer(echoToolServer{}, "write_crm", "crm_update"); err != nil {
		t.Fatalf("register server: %v", err)
	}

	runID, err := h.manager.Submit(context.Background(), engine.SubmitRequest{GoalText: "refresh the account record"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for h.auditor.DenyCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("capability denial never reached the audit trail")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The loop survives the denial; the coordinator decides, the run ends.
	deadline = time.Now().Add(10 * time.Second)
	for {
		run, err := h.store.GetRun(context.Background(), runID)
		if err == nil {
			switch run.Status {
			case persistence.RunStatusCompleted, persistence.RunStatusBlocked, persistence.RunStatusFailed:
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s never settled", runID)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
