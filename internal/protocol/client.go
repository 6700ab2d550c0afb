// Package protocol implements the JSON-RPC client for the remote
// log-analytics service. Requests carry monotonically increasing ids;
// responses are matched by id, so out-of-order replies are fine.
package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mamorett/sybilla/internal/util"
)

const protocolVersion = "2024-11-05"

// maxFrameSize bounds one response line. Analytics payloads can carry
// thousands of rows.
const maxFrameSize = 16 * 1024 * 1024

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RemoteError    `json:"error"`
}

// toolResult is the envelope tool calls come back in: the payload is a
// JSON document embedded in the first text content item.
type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// Client is a request/response correlated analytics service client.
// Safe for concurrent use; a dropped session fails every in-flight call
// instead of leaving callers hanging.
type Client struct {
	endpoint    string
	callTimeout time.Duration
	limiter     *rate.Limiter

	writeMu sync.Mutex // serializes frames on the transport
	mu      sync.Mutex // guards the fields below
	tr      Transport
	seq     uint64
	pending map[uint64]chan *response
	closed  bool
	dead    error // set once the read loop exits
}

// NewClient creates a client for the given endpoint. Calls are paced to
// avoid hammering the service between dimension queries.
func NewClient(endpoint string, callTimeout time.Duration) *Client {
	return &Client{
		endpoint:    endpoint,
		callTimeout: callTimeout,
		limiter:     rate.NewLimiter(rate.Limit(5), 2),
		pending:     make(map[uint64]chan *response),
	}
}

// Connect establishes the session and performs the initialize
// handshake. It fails with ErrConnection if the endpoint is unreachable
// or the handshake does not complete within the call timeout.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.tr != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	tr, err := Dial(c.endpoint, c.callTimeout)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tr = tr
	c.dead = nil
	c.mu.Unlock()

	go c.readLoop(tr)

	_, err = c.Call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		"clientInfo":      map[string]string{"name": "sybilla", "version": "1.0.0"},
	})
	if err != nil {
		c.Close()
		return fmt.Errorf("%w: handshake: %v", ErrConnection, err)
	}

	util.Debug("Analytics session established: %s", c.endpoint)
	return nil
}

// Call sends one request and waits for the correlated response or the
// deadline, whichever comes first. The returned payload is the raw
// result field.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, method)
		}
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.dead != nil {
		err := c.dead
		c.mu.Unlock()
		return nil, err
	}
	tr := c.tr
	if tr == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: not connected", ErrConnection)
	}
	c.seq++
	id := c.seq
	ch := make(chan *response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	frame = append(frame, '\n')

	c.writeMu.Lock()
	_, err = tr.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrConnection, method, err)
	}

	select {
	case resp := <-ch:
		if resp == nil {
			c.mu.Lock()
			err := c.dead
			c.mu.Unlock()
			if err == nil {
				err = ErrConnection
			}
			return nil, err
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.callTimeout)
		}
		return nil, ctx.Err()
	}
}

// CallTool invokes a named analytics tool and unwraps the embedded JSON
// payload from the text content envelope.
func (c *Client) CallTool(ctx context.Context, name string, args interface{}) (json.RawMessage, error) {
	result, err := c.Call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var tr toolResult
	if err := json.Unmarshal(result, &tr); err != nil {
		// Some servers return the payload directly.
		return result, nil
	}
	if tr.IsError {
		msg := "tool reported failure"
		if len(tr.Content) > 0 {
			msg = tr.Content[0].Text
		}
		return nil, &RemoteError{Code: -1, Message: msg}
	}
	for _, item := range tr.Content {
		if item.Type == "text" {
			if json.Valid([]byte(item.Text)) {
				return json.RawMessage(item.Text), nil
			}
			return nil, &RemoteError{Code: -2, Message: "tool returned non-JSON payload"}
		}
	}
	return result, nil
}

// readLoop dispatches responses to waiting callers until the transport
// dies, then fails everything still pending.
func (c *Client) readLoop(tr Transport) {
	scanner := bufio.NewScanner(tr)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			util.Warn("Discarding unparseable frame: %v", err)
			continue
		}
		if resp.ID == 0 {
			// Server notification; nothing correlates with it.
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- &resp
		}
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("%w: session closed by remote", ErrConnection)
	} else {
		err = fmt.Errorf("%w: %v", ErrConnection, err)
	}
	c.failAll(err)
}

// failAll marks the session dead and unblocks every in-flight call.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	if !c.closed {
		c.dead = err
	}
	pending := c.pending
	c.pending = make(map[uint64]chan *response)
	c.tr = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}
}

// Close releases the session. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tr := c.tr
	c.tr = nil
	c.dead = ErrClosed
	c.mu.Unlock()

	if tr != nil {
		return tr.Close()
	}
	return nil
}
