// Package media owns the relay endpoints held on behalf of participants.
//
// Endpoints are expensive relay-side resources, so they are created lazily
// and exactly once per key: one outgoing endpoint per participant, one
// incoming endpoint per (participant, peer) pair. Creation is single-flighted
// because negotiation messages for the same peer can arrive in rapid
// succession before the first creation call returns.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/singleflight"

	"github.com/pranitnpatil/webx/internal/metrics"
	"github.com/pranitnpatil/webx/internal/protocol"
	"github.com/pranitnpatil/webx/internal/relay"
	"github.com/pranitnpatil/webx/internal/session"
)

// ErrNoOutgoingEndpoint is returned when negotiation targets a peer whose
// outgoing endpoint does not exist yet (the peer has not completed its join).
var ErrNoOutgoingEndpoint = errors.New("peer has no outgoing endpoint")

type Config struct {
	MinVideoSendBandwidth int
	MaxVideoSendBandwidth int
}

type participantState struct {
	outgoing relay.Endpoint
	incoming map[string]relay.Endpoint
	queues   map[string]*candidateQueue
}

// Manager tracks per-participant media state and mediates every endpoint call
// to the relay.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	states map[string]*participantState

	flights singleflight.Group
}

func NewManager(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		states:  make(map[string]*participantState),
	}
}

func (m *Manager) state(id string) *participantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		st = &participantState{
			incoming: make(map[string]relay.Endpoint),
			queues:   make(map[string]*candidateQueue),
		}
		m.states[id] = st
	}
	return st
}

func (m *Manager) queue(st *participantState, peerID string) *candidateQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := st.queues[peerID]
	if !ok {
		q = &candidateQueue{}
		st.queues[peerID] = q
	}
	return q
}

// Outgoing returns the participant's outgoing endpoint if it exists.
func (m *Manager) Outgoing(participantID string) (relay.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[participantID]
	if !ok || st.outgoing == nil {
		return nil, false
	}
	return st.outgoing, true
}

// Incoming returns the endpoint participantID uses to receive peerID's media.
func (m *Manager) Incoming(participantID, peerID string) (relay.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[participantID]
	if !ok {
		return nil, false
	}
	ep, ok := st.incoming[peerID]
	return ep, ok
}

// EnsureOutgoing returns p's outgoing endpoint, creating it on pipeline if
// needed. Concurrent calls for the same participant collapse into one
// creation. The caller owns failure cleanup of the room pipeline.
func (m *Manager) EnsureOutgoing(ctx context.Context, p *session.Participant, pipeline relay.Pipeline) (relay.Endpoint, error) {
	if ep, ok := m.Outgoing(p.ID); ok {
		return ep, nil
	}

	v, err, _ := m.flights.Do("out:"+p.ID, func() (any, error) {
		if ep, ok := m.Outgoing(p.ID); ok {
			return ep, nil
		}
		return m.createEndpoint(ctx, p, p.ID, pipeline, func(st *participantState, ep relay.Endpoint) {
			st.outgoing = ep
		})
	})
	if err != nil {
		return nil, err
	}
	return v.(relay.Endpoint), nil
}

// EnsureIncoming returns the endpoint p uses to receive peer's media,
// creating it and connecting peer's outgoing endpoint to it if needed.
// The connect happens exactly once, inside the creating flight; callers
// that find the endpoint already present get it back untouched.
func (m *Manager) EnsureIncoming(ctx context.Context, p, peer *session.Participant, pipeline relay.Pipeline) (relay.Endpoint, error) {
	peerOut, ok := m.Outgoing(peer.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoOutgoingEndpoint, peer.ID)
	}

	if ep, ok := m.Incoming(p.ID, peer.ID); ok {
		return ep, nil
	}

	v, err, _ := m.flights.Do("in:"+p.ID+":"+peer.ID, func() (any, error) {
		if ep, ok := m.Incoming(p.ID, peer.ID); ok {
			return ep, nil
		}
		ep, err := m.createEndpoint(ctx, p, peer.ID, pipeline, func(st *participantState, ep relay.Endpoint) {
			st.incoming[peer.ID] = ep
		})
		if err != nil {
			return nil, err
		}
		if err := peerOut.ConnectTo(ctx, ep); err != nil {
			return nil, err
		}
		return ep, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(relay.Endpoint), nil
}

// createEndpoint performs the shared creation steps: endpoint creation,
// bandwidth policy, candidate-queue drain for tag, and discovery-event
// forwarding to p tagged with tag.
func (m *Manager) createEndpoint(ctx context.Context, p *session.Participant, tag string, pipeline relay.Pipeline, store func(*participantState, relay.Endpoint)) (relay.Endpoint, error) {
	ep, err := pipeline.CreateEndpoint(ctx)
	if err != nil {
		m.metrics.Inc(metrics.RelayErrors)
		return nil, err
	}
	m.metrics.Inc(metrics.EndpointsCreated)

	if err := ep.SetSendBandwidth(ctx, m.cfg.MinVideoSendBandwidth, m.cfg.MaxVideoSendBandwidth); err != nil {
		m.log.Warn("set send bandwidth failed", "participant", p.ID, "peer", tag, "err", err)
	}

	st := m.state(p.ID)

	// Candidates queued before the endpoint existed go to the relay first,
	// in arrival order. Later candidates from the same participant are
	// serialized behind this call by the connection's dispatch loop.
	forwarded, drainErr := m.queue(st, tag).DrainTo(ctx, ep)
	m.metrics.Add(metrics.CandidatesForwarded, uint64(forwarded))

	ep.OnCandidate(func(cand webrtc.ICECandidateInit) {
		if err := p.Send(protocol.IceCandidate{SessionID: tag, Candidate: cand}); err != nil {
			m.log.Debug("candidate delivery failed", "participant", p.ID, "peer", tag, "err", err)
		}
	})

	m.mu.Lock()
	store(st, ep)
	m.mu.Unlock()

	if drainErr != nil {
		m.metrics.Inc(metrics.RelayErrors)
		return ep, fmt.Errorf("%w: forwarding queued candidates for %s: %v", relay.ErrNegotiationFailed, tag, drainErr)
	}
	return ep, nil
}

// AddCandidate forwards cand to the endpoint p holds for peerID, or queues it
// if that endpoint does not exist yet. peerID equal to p's own id targets the
// outgoing endpoint.
func (m *Manager) AddCandidate(ctx context.Context, p *session.Participant, peerID string, cand webrtc.ICECandidateInit) error {
	var ep relay.Endpoint
	var ok bool
	if peerID == p.ID {
		ep, ok = m.Outgoing(p.ID)
	} else {
		ep, ok = m.Incoming(p.ID, peerID)
	}
	if !ok {
		m.queue(m.state(p.ID), peerID).Enqueue(cand)
		m.metrics.Inc(metrics.CandidatesQueued)
		return nil
	}
	if err := ep.AddCandidate(ctx, cand); err != nil {
		m.metrics.Inc(metrics.RelayErrors)
		return err
	}
	m.metrics.Inc(metrics.CandidatesForwarded)
	return nil
}

// Release frees every endpoint p owns. Idempotent; a failure releasing one
// endpoint never prevents releasing the others.
func (m *Manager) Release(ctx context.Context, participantID string) {
	m.mu.Lock()
	st, ok := m.states[participantID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.states, participantID)
	outgoing := st.outgoing
	incoming := st.incoming
	m.mu.Unlock()

	if outgoing != nil {
		m.releaseEndpoint(ctx, outgoing, participantID, participantID)
	}
	for peerID, ep := range incoming {
		m.releaseEndpoint(ctx, ep, participantID, peerID)
	}
}

// ReleasePeerSide removes the incoming endpoint viewerID holds for peerID,
// along with any candidates still queued for it. Called for every remaining
// room member when peerID leaves.
func (m *Manager) ReleasePeerSide(ctx context.Context, viewerID, peerID string) {
	m.mu.Lock()
	st, ok := m.states[viewerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	ep, ok := st.incoming[peerID]
	delete(st.incoming, peerID)
	delete(st.queues, peerID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.releaseEndpoint(ctx, ep, viewerID, peerID)
}

func (m *Manager) releaseEndpoint(ctx context.Context, ep relay.Endpoint, viewerID, peerID string) {
	if err := ep.Release(ctx); err != nil {
		m.log.Warn("endpoint release failed", "participant", viewerID, "peer", peerID, "err", err)
		return
	}
	m.metrics.Inc(metrics.EndpointsReleased)
}

// QueuedCandidates reports how many candidates are buffered for (participant,
// peer).
func (m *Manager) QueuedCandidates(participantID, peerID string) int {
	m.mu.Lock()
	st, ok := m.states[participantID]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	q, ok := st.queues[peerID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return q.Len()
}
