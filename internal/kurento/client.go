// Package kurento implements the media-relay boundary against a Kurento
// media server, speaking its JSON-RPC protocol over a websocket.
package kurento

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pranitnpatil/webx/internal/relay"
)

const (
	methodCreate    = "create"
	methodInvoke    = "invoke"
	methodRelease   = "release"
	methodSubscribe = "subscribe"
	methodOnEvent   = "onEvent"

	eventOnIceCandidate = "OnIceCandidate"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("kurento rpc error %d: %s", e.Code, e.Message)
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResult struct {
	raw json.RawMessage
	err error
}

// Client is a lazily-dialed connection to a Kurento media server.
//
// Constructing a Client performs no I/O; the websocket is dialed on the first
// relay operation, so an offline media server surfaces as a per-operation
// failure naming the configured address.
type Client struct {
	url         string
	callTimeout time.Duration
	log         *slog.Logger

	writeMu sync.Mutex // serializes websocket writes

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	nextID    uint64
	sessionID string
	pending   map[uint64]chan rpcResult
	// candidate event handlers keyed by relay object id.
	handlers map[string]func(iceCandidate)
}

func NewClient(url string, callTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:         url,
		callTimeout: callTimeout,
		log:         logger,
		pending:     make(map[uint64]chan rpcResult),
		handlers:    make(map[string]func(iceCandidate)),
	}
}

func (c *Client) unavailable(err error) error {
	return fmt.Errorf("%w: media server at %s: %v", relay.ErrUnavailable, c.url, err)
}

// ensureConn dials the media server if no live connection exists.
func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, relay.ErrClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.callTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, c.unavailable(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, relay.ErrClosed
	}
	if c.conn != nil {
		// Lost the dial race; use the winner's connection.
		existing := c.conn
		c.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("connected to media server", "url", c.url)
	go c.readLoop(conn)
	return conn, nil
}

// call performs one JSON-RPC round trip, bounded by ctx and the configured
// call timeout.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: rawParams}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.callTimeout))
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		c.teardown(conn, err)
		return nil, c.unavailable(err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.raw, nil
	case <-timer.C:
		c.dropPending(id)
		return nil, c.unavailable(fmt.Errorf("%s timed out after %s", method, c.callTimeout))
	case <-ctx.Done():
		c.dropPending(id)
		return nil, c.unavailable(ctx.Err())
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.teardown(conn, err)
			return
		}

		var envelope rpcEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.log.Warn("malformed media server message", "err", err)
			continue
		}

		switch {
		case envelope.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*envelope.ID]
			delete(c.pending, *envelope.ID)
			c.mu.Unlock()
			if !ok {
				continue
			}
			if envelope.Error != nil {
				ch <- rpcResult{err: envelope.Error}
			} else {
				ch <- rpcResult{raw: envelope.Result}
			}
		case envelope.Method == methodOnEvent:
			c.dispatchEvent(envelope.Params)
		}
	}
}

// teardown fails every pending call and discards the connection so the next
// operation re-dials.
func (c *Client) teardown(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[uint64]chan rpcResult)
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		ch <- rpcResult{err: c.unavailable(cause)}
	}
	if !c.isClosed() {
		c.log.Warn("media server connection lost", "url", c.url, "err", cause)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type onEventParams struct {
	Value struct {
		Object string `json:"object"`
		Type   string `json:"type"`
		Data   struct {
			Candidate iceCandidate `json:"candidate"`
		} `json:"data"`
	} `json:"value"`
}

func (c *Client) dispatchEvent(params json.RawMessage) {
	var ev onEventParams
	if err := json.Unmarshal(params, &ev); err != nil {
		c.log.Warn("malformed media server event", "err", err)
		return
	}
	if ev.Value.Type != eventOnIceCandidate {
		return
	}
	c.mu.Lock()
	fn := c.handlers[ev.Value.Object]
	c.mu.Unlock()
	if fn != nil {
		fn(ev.Value.Data.Candidate)
	}
}

func (c *Client) setHandler(objectID string, fn func(iceCandidate)) {
	c.mu.Lock()
	if fn == nil {
		delete(c.handlers, objectID)
	} else {
		c.handlers[objectID] = fn
	}
	c.mu.Unlock()
}

// CreatePipeline allocates a MediaPipeline scoping one room's endpoints.
func (c *Client) CreatePipeline(ctx context.Context) (relay.Pipeline, error) {
	id, err := c.create(ctx, "MediaPipeline", map[string]any{})
	if err != nil {
		return nil, err
	}
	return &Pipeline{client: c, id: id}, nil
}

type createParams struct {
	Type              string         `json:"type"`
	ConstructorParams map[string]any `json:"constructorParams"`
	SessionID         string         `json:"sessionId,omitempty"`
}

type createResult struct {
	Value     string `json:"value"`
	SessionID string `json:"sessionId"`
}

func (c *Client) create(ctx context.Context, objectType string, constructorParams map[string]any) (string, error) {
	raw, err := c.call(ctx, methodCreate, createParams{
		Type:              objectType,
		ConstructorParams: constructorParams,
		SessionID:         c.session(),
	})
	if err != nil {
		return "", wrapUnavailable(c, err)
	}
	var res createResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", c.unavailable(err)
	}
	c.setSession(res.SessionID)
	return res.Value, nil
}

type invokeParams struct {
	Object          string         `json:"object"`
	Operation       string         `json:"operation"`
	OperationParams map[string]any `json:"operationParams,omitempty"`
	SessionID       string         `json:"sessionId,omitempty"`
}

type valueResult struct {
	Value json.RawMessage `json:"value"`
}

func (c *Client) invoke(ctx context.Context, object, operation string, operationParams map[string]any) (json.RawMessage, error) {
	raw, err := c.call(ctx, methodInvoke, invokeParams{
		Object:          object,
		Operation:       operation,
		OperationParams: operationParams,
		SessionID:       c.session(),
	})
	if err != nil {
		return nil, err
	}
	var res valueResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, c.unavailable(err)
	}
	return res.Value, nil
}

func (c *Client) release(ctx context.Context, object string) error {
	_, err := c.call(ctx, methodRelease, map[string]any{
		"object":    object,
		"sessionId": c.session(),
	})
	return wrapUnavailable(c, err)
}

func (c *Client) subscribe(ctx context.Context, object, eventType string) error {
	_, err := c.call(ctx, methodSubscribe, map[string]any{
		"object":    object,
		"type":      eventType,
		"sessionId": c.session(),
	})
	return wrapUnavailable(c, err)
}

func (c *Client) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSession(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[uint64]chan rpcResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcResult{err: relay.ErrClosed}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// wrapUnavailable tags rpc-level failures with the relay address unless they
// are already tagged.
func wrapUnavailable(c *Client, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return c.unavailable(err)
	}
	return err
}
