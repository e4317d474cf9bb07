// Package relaytest provides an in-memory relay.Client for tests.
//
// Failures are scripted through hook funcs; hooks may also block to hold an
// operation in flight, which is how single-flight behavior is exercised.
package relaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/pranitnpatil/webx/internal/relay"
)

type Client struct {
	mu        sync.Mutex
	closed    bool
	nextID    int
	pipelines []*Pipeline

	// CreatePipelineHook, when non-nil, runs inside CreatePipeline before a
	// pipeline is allocated. Returning an error fails the call.
	CreatePipelineHook func(ctx context.Context) error
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) CreatePipeline(ctx context.Context) (relay.Pipeline, error) {
	c.mu.Lock()
	hook := c.CreatePipelineHook
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, relay.ErrClosed
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	p := &Pipeline{client: c, id: fmt.Sprintf("pipeline-%d", c.nextID)}
	c.pipelines = append(c.pipelines, p)
	return p, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Pipelines returns every pipeline ever created, released or not.
func (c *Client) Pipelines() []*Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Pipeline(nil), c.pipelines...)
}

func (c *Client) newEndpointID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return fmt.Sprintf("endpoint-%d", c.nextID)
}

type Pipeline struct {
	client *Client
	id     string

	mu        sync.Mutex
	endpoints []*Endpoint
	releases  int

	// CreateEndpointHook, when non-nil, runs inside CreateEndpoint before the
	// endpoint is allocated. It may block to hold the creation in flight.
	CreateEndpointHook func(ctx context.Context) error
	ReleaseHook        func(ctx context.Context) error
}

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) CreateEndpoint(ctx context.Context) (relay.Endpoint, error) {
	p.mu.Lock()
	hook := p.CreateEndpointHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	ep := &Endpoint{id: p.client.newEndpointID()}
	p.mu.Lock()
	p.endpoints = append(p.endpoints, ep)
	p.mu.Unlock()
	return ep, nil
}

func (p *Pipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	hook := p.ReleaseHook
	p.releases++
	p.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return nil
}

func (p *Pipeline) Releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases
}

func (p *Pipeline) Endpoints() []*Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Endpoint(nil), p.endpoints...)
}

type Endpoint struct {
	id string

	mu          sync.Mutex
	releases    int
	bandwidth   [2]int
	gathered    bool
	candidates  []webrtc.ICECandidateInit
	connectedTo []string
	onCandidate func(webrtc.ICECandidateInit)

	// Hooks for scripted failures.
	ProcessOfferHook func(ctx context.Context, offer string) (string, error)
	AddCandidateHook func(ctx context.Context, cand webrtc.ICECandidateInit) error
	ConnectHook      func(ctx context.Context, sinkID string) error
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) SetSendBandwidth(ctx context.Context, minKbps, maxKbps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bandwidth = [2]int{minKbps, maxKbps}
	return nil
}

func (e *Endpoint) Bandwidth() (minKbps, maxKbps int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bandwidth[0], e.bandwidth[1]
}

func (e *Endpoint) ProcessOffer(ctx context.Context, sdpOffer string) (string, error) {
	e.mu.Lock()
	hook := e.ProcessOfferHook
	e.mu.Unlock()
	if hook != nil {
		return hook(ctx, sdpOffer)
	}
	return "answer-to:" + sdpOffer, nil
}

func (e *Endpoint) GatherCandidates(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gathered = true
	return nil
}

func (e *Endpoint) Gathered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gathered
}

func (e *Endpoint) AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error {
	e.mu.Lock()
	hook := e.AddCandidateHook
	e.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, cand); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, cand)
	return nil
}

// Candidates returns the candidates forwarded to this endpoint, in order.
func (e *Endpoint) Candidates() []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), e.candidates...)
}

func (e *Endpoint) ConnectTo(ctx context.Context, sink relay.Endpoint) error {
	e.mu.Lock()
	hook := e.ConnectHook
	e.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, sink.ID()); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectedTo = append(e.connectedTo, sink.ID())
	return nil
}

// ConnectCalls returns the sink endpoint ids of every ConnectTo call.
func (e *Endpoint) ConnectCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.connectedTo...)
}

func (e *Endpoint) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = fn
}

// EmitCandidate delivers a discovery event to the registered handler, as the
// relay would.
func (e *Endpoint) EmitCandidate(cand webrtc.ICECandidateInit) {
	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

func (e *Endpoint) HasCandidateHandler() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onCandidate != nil
}

func (e *Endpoint) Release(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releases++
	return nil
}

func (e *Endpoint) Releases() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releases
}
