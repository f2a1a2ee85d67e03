// Command gateway_check exercises a running gohelm gateway over its
// WebSocket endpoint: auth enforcement, system.status, and a goal
// submit/status round trip. Exit code 0 means every check passed.
//
// Usage:
//
//	go run ./tools/verify/gateway_check -url ws://127.0.0.1:18789/ws -token $GOHELM_AUTH_TOKEN
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     json.Number            `json:"id"`
	Result map[string]interface{} `json:"result"`
	Error  map[string]interface{} `json:"error"`
	Method string                 `json:"method"`
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18789/ws", "websocket endpoint")
	token := flag.String("token", "", "bearer token; empty skips the auth check")
	goal := flag.String("goal", "", "optional goal text to submit end to end")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var header http.Header
	if strings.TrimSpace(*token) != "" {
		// With auth configured, a missing token must be rejected first.
		_, resp, err := websocket.Dial(ctx, *url, nil)
		if err == nil {
			fail("expected missing-auth dial to fail but it succeeded")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			fail("expected 401 for missing auth, got response=%v err=%v", resp, err)
		}
		fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", resp.StatusCode)
		header = http.Header{"Authorization": []string{"Bearer " + strings.TrimSpace(*token)}}
	}

	conn, _, err := websocket.Dial(ctx, *url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		fail("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	nextID := 0
	call := func(method string, params interface{}) map[string]interface{} {
		nextID++
		if err := wsjson.Write(ctx, conn, rpcRequest{JSONRPC: "2.0", ID: nextID, Method: method, Params: params}); err != nil {
			fail("%s: write: %v", method, err)
		}
		for {
			var resp rpcResponse
			if err := wsjson.Read(ctx, conn, &resp); err != nil {
				fail("%s: read: %v", method, err)
			}
			if resp.ID.String() != fmt.Sprint(nextID) {
				continue // server push, not our response
			}
			if resp.Error != nil {
				fail("%s: rpc error: %v", method, resp.Error)
			}
			return resp.Result
		}
	}

	status := call("system.status", map[string]interface{}{})
	if status["version"] == nil || status["db_ok"] != true {
		fail("system.status unhealthy: %v", status)
	}
	fmt.Printf("SYSTEM_STATUS version=%v active_runs=%v db_ok=%v\n",
		status["version"], status["active_runs"], status["db_ok"])

	budget := call("budget.status", map[string]interface{}{})
	fmt.Printf("BUDGET_STATUS spend=%v limit=%v\n",
		budget["monthly_spend_usd"], budget["monthly_limit_usd"])

	if strings.TrimSpace(*goal) != "" {
		submitted := call("goal.submit", map[string]interface{}{"goal_text": *goal})
		runID, _ := submitted["run_id"].(string)
		if runID == "" {
			fail("goal.submit returned no run_id: %v", submitted)
		}
		fmt.Printf("GOAL_SUBMIT run_id=%s goal_id=%v screening=%v\n",
			runID, submitted["goal_id"], submitted["screening"])

		got := call("goal.status", map[string]interface{}{"run_id": runID})
		run, _ := got["run"].(map[string]interface{})
		if run == nil || run["run_id"] != runID {
			fail("goal.status mismatch: %v", got)
		}
		fmt.Printf("GOAL_STATUS run_id=%s status=%v iteration=%v\n",
			runID, run["status"], run["iteration"])
	}

	fmt.Println("OK")
}
