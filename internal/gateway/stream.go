package gateway

import (
	"context"
	"encoding/json"

	"github.com/basket/go-helm/internal/bus"
)

// eventsSubscribe starts pushing bus events matching the topic prefix to the
// client as JSON-RPC notifications (method "event"). One subscription per
// connection; a second call replaces the prefix.
func (s *Server) eventsSubscribe(c *client, raw json.RawMessage) (any, *rpcError) {
	if s.cfg.Bus == nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "event bus unavailable"}
	}
	var p struct {
		Prefix string `json:"prefix"`
	}
	_ = json.Unmarshal(raw, &p)

	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.busSub != nil {
		c.busCancel()
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.busSub = s.cfg.Bus.Subscribe(p.Prefix)
	var busCtx context.Context
	busCtx, c.busCancel = context.WithCancel(context.Background())
	go s.forwardBusEvents(busCtx, c, c.busSub)

	return map[string]any{"subscribed": true, "prefix": p.Prefix}, nil
}

// forwardBusEvents pushes bus events to the WS client until the subscription
// is canceled. Writes race normal responses on the same connection; the
// client write lock serializes them.
func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			err := c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "event",
				Params: map[string]any{
					"topic":   ev.Topic,
					"payload": ev.Payload,
				},
			})
			if err != nil {
				return
			}
		}
	}
}
