package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// pipeServer speaks the wire protocol over an in-memory pipe, handing
// each decoded request to a handler that may answer in any order.
type pipeServer struct {
	conn    net.Conn
	mu      sync.Mutex
	writeFn func(req request)
}

func newTestClient(t *testing.T, handler func(srv *pipeServer, req request)) (*Client, *pipeServer) {
	t.Helper()

	clientEnd, serverEnd := net.Pipe()
	srv := &pipeServer{conn: serverEnd}

	go func() {
		scanner := bufio.NewScanner(serverEnd)
		scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
		for scanner.Scan() {
			var req request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			handler(srv, req)
		}
	}()

	c := NewClient("test", 500*time.Millisecond)
	c.tr = clientEnd
	go c.readLoop(clientEnd)

	t.Cleanup(func() {
		c.Close()
		serverEnd.Close()
	})
	return c, srv
}

func (s *pipeServer) reply(id uint64, result interface{}) {
	frame, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Write(append(frame, '\n'))
}

func (s *pipeServer) replyError(id uint64, code int, msg string) {
	frame, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]interface{}{"code": code, "message": msg},
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Write(append(frame, '\n'))
}

func TestCallCorrelation(t *testing.T) {
	c, _ := newTestClient(t, func(srv *pipeServer, req request) {
		srv.reply(req.ID, map[string]string{"echo": req.Method})
	})

	result, err := c.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	var payload map[string]string
	if err := json.Unmarshal(result, &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if payload["echo"] != "ping" {
		t.Errorf("expected echo=ping, got %q", payload["echo"])
	}
}

func TestOutOfOrderResponses(t *testing.T) {
	var mu sync.Mutex
	held := []request{}

	c, srv := newTestClient(t, func(srv *pipeServer, req request) {
		mu.Lock()
		held = append(held, req)
		n := len(held)
		mu.Unlock()

		// Answer in reverse once both requests are in.
		if n == 2 {
			mu.Lock()
			first, second := held[0], held[1]
			mu.Unlock()
			srv.reply(second.ID, map[string]uint64{"id": second.ID})
			srv.reply(first.ID, map[string]uint64{"id": first.ID})
		}
	})
	_ = srv

	var wg sync.WaitGroup
	results := make([]uint64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := c.Call(context.Background(), "probe", nil)
			if err != nil {
				t.Errorf("call %d failed: %v", i, err)
				return
			}
			var payload map[string]uint64
			json.Unmarshal(raw, &payload)
			results[i] = payload["id"]
		}(i)
	}
	wg.Wait()

	if results[0] == 0 || results[1] == 0 || results[0] == results[1] {
		t.Errorf("responses were not correlated correctly: %v", results)
	}
}

func TestCallTimeout(t *testing.T) {
	c, _ := newTestClient(t, func(srv *pipeServer, req request) {
		// Never answer.
	})

	_, err := c.Call(context.Background(), "slow", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRemoteError(t *testing.T) {
	c, _ := newTestClient(t, func(srv *pipeServer, req request) {
		srv.replyError(req.ID, 42, "no such tool")
	})

	_, err := c.Call(context.Background(), "tools/call", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != 42 || remote.Message != "no such tool" {
		t.Errorf("unexpected remote error: %+v", remote)
	}
}

func TestDroppedConnectionFailsInFlight(t *testing.T) {
	c, srv := newTestClient(t, func(srv *pipeServer, req request) {
		srv.conn.Close()
	})
	_ = srv

	_, err := c.Call(context.Background(), "probe", nil)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}

	// Subsequent calls fail fast instead of hanging.
	start := time.Now()
	_, err = c.Call(context.Background(), "probe", nil)
	if err == nil {
		t.Fatal("expected error on dead session")
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Errorf("dead-session call should fail immediately")
	}
}

func TestCallToolUnwrapsPayload(t *testing.T) {
	c, _ := newTestClient(t, func(srv *pipeServer, req request) {
		srv.reply(req.ID, map[string]interface{}{
			"content": []map[string]string{
				{"type": "text", "text": `{"analytics":[{"country":"US","request_count":10}]}`},
			},
		})
	})

	raw, err := c.CallTool(context.Background(), "get_traffic_analytics", nil)
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}

	var payload struct {
		Analytics []map[string]interface{} `json:"analytics"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("payload not unwrapped: %v", err)
	}
	if len(payload.Analytics) != 1 {
		t.Errorf("expected one analytics row, got %d", len(payload.Analytics))
	}
}

func TestCloseIdempotent(t *testing.T) {
	c, _ := newTestClient(t, func(srv *pipeServer, req request) {})

	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := c.Call(context.Background(), "probe", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestCallCanceledContextIsNotTimeout(t *testing.T) {
	c := NewClient("test", 500*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Call(ctx, "probe", nil)
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("cancellation misreported as timeout: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDialBlankEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "   ", "\t"} {
		if _, err := Dial(endpoint, time.Second); !errors.Is(err, ErrConnection) {
			t.Errorf("Dial(%q): got %v, want ErrConnection", endpoint, err)
		}
	}
}
