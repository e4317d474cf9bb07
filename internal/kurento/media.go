package kurento

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/pranitnpatil/webx/internal/relay"
)

// iceCandidate is Kurento's wire representation of a path candidate.
type iceCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

func candidateToWire(c webrtc.ICECandidateInit) iceCandidate {
	out := iceCandidate{Candidate: c.Candidate}
	if c.SDPMid != nil {
		out.SDPMid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		out.SDPMLineIndex = *c.SDPMLineIndex
	}
	return out
}

func candidateFromWire(c iceCandidate) webrtc.ICECandidateInit {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

// Pipeline is a Kurento MediaPipeline.
type Pipeline struct {
	client *Client
	id     string

	mu       sync.Mutex
	released bool
}

func (p *Pipeline) ID() string { return p.id }

// CreateEndpoint creates a WebRtcEndpoint scoped to this pipeline and
// subscribes to its candidate discovery events.
func (p *Pipeline) CreateEndpoint(ctx context.Context) (relay.Endpoint, error) {
	id, err := p.client.create(ctx, "WebRtcEndpoint", map[string]any{
		"mediaPipeline": p.id,
	})
	if err != nil {
		return nil, err
	}
	if err := p.client.subscribe(ctx, id, eventOnIceCandidate); err != nil {
		// The endpoint is unusable without discovery events; reclaim it.
		_ = p.client.release(ctx, id)
		return nil, err
	}
	return &Endpoint{client: p.client, id: id}, nil
}

func (p *Pipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	p.mu.Unlock()
	return p.client.release(ctx, p.id)
}

// Endpoint is a Kurento WebRtcEndpoint.
type Endpoint struct {
	client *Client
	id     string

	mu       sync.Mutex
	released bool
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) SetSendBandwidth(ctx context.Context, minKbps, maxKbps int) error {
	if _, err := e.client.invoke(ctx, e.id, "setMinVideoSendBandwidth", map[string]any{
		"minVideoSendBandwidth": minKbps,
	}); err != nil {
		return wrapUnavailable(e.client, err)
	}
	if _, err := e.client.invoke(ctx, e.id, "setMaxVideoSendBandwidth", map[string]any{
		"maxVideoSendBandwidth": maxKbps,
	}); err != nil {
		return wrapUnavailable(e.client, err)
	}
	return nil
}

func (e *Endpoint) ProcessOffer(ctx context.Context, sdpOffer string) (string, error) {
	raw, err := e.client.invoke(ctx, e.id, "processOffer", map[string]any{
		"offer": sdpOffer,
	})
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%w: %v", relay.ErrNegotiationFailed, err)
		}
		return "", err
	}
	var answer string
	if err := json.Unmarshal(raw, &answer); err != nil {
		return "", fmt.Errorf("%w: malformed sdp answer: %v", relay.ErrNegotiationFailed, err)
	}
	return answer, nil
}

func (e *Endpoint) GatherCandidates(ctx context.Context) error {
	_, err := e.client.invoke(ctx, e.id, "gatherCandidates", nil)
	return wrapUnavailable(e.client, err)
}

func (e *Endpoint) AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error {
	_, err := e.client.invoke(ctx, e.id, "addIceCandidate", map[string]any{
		"candidate": candidateToWire(cand),
	})
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("%w: %v", relay.ErrNegotiationFailed, err)
		}
	}
	return err
}

func (e *Endpoint) ConnectTo(ctx context.Context, sink relay.Endpoint) error {
	_, err := e.client.invoke(ctx, e.id, "connect", map[string]any{
		"sink": sink.ID(),
	})
	return wrapUnavailable(e.client, err)
}

func (e *Endpoint) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	if fn == nil {
		e.client.setHandler(e.id, nil)
		return
	}
	e.client.setHandler(e.id, func(c iceCandidate) {
		fn(candidateFromWire(c))
	})
}

func (e *Endpoint) Release(ctx context.Context) error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	e.mu.Unlock()

	e.client.setHandler(e.id, nil)
	return e.client.release(ctx, e.id)
}
