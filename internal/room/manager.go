package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/pranitnpatil/webx/internal/metrics"
	"github.com/pranitnpatil/webx/internal/relay"
	"github.com/pranitnpatil/webx/internal/session"
)

// Manager creates rooms lazily and releases their pipelines when the last
// participant leaves. Concurrent creation of the same never-yet-created room
// collapses into one pipeline creation; the losers share the winner's room or
// failure.
type Manager struct {
	relay   relay.Client
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	rooms map[string]*Room

	creating singleflight.Group
}

func NewManager(client relay.Client, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		relay:   client,
		log:     logger,
		metrics: m,
		rooms:   make(map[string]*Room),
	}
}

// Get returns the room if it currently exists.
func (m *Manager) Get(name string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[name]
	return r, ok
}

// GetOrCreate returns the existing room or creates it, requesting a pipeline
// from the relay. On failure nothing is registered.
func (m *Manager) GetOrCreate(ctx context.Context, name string) (*Room, error) {
	m.mu.Lock()
	if r, ok := m.rooms[name]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	v, err, _ := m.creating.Do(name, func() (any, error) {
		// A racing creator may have finished between the fast path and here.
		m.mu.Lock()
		if r, ok := m.rooms[name]; ok {
			m.mu.Unlock()
			return r, nil
		}
		m.mu.Unlock()

		pipeline, err := m.relay.CreatePipeline(ctx)
		if err != nil {
			return nil, fmt.Errorf("create pipeline for room %q: %w", name, err)
		}

		r := &Room{
			Name:         name,
			pipeline:     pipeline,
			participants: make(map[string]*session.Participant),
		}
		m.mu.Lock()
		m.rooms[name] = r
		m.mu.Unlock()

		m.metrics.Inc(metrics.RoomsCreated)
		m.log.Info("room created", "room", name)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// ErrReleased reports a join into a room whose pipeline was already
// released, for example by an expired invitation sweep racing the join.
var ErrReleased = errors.New("room already released")

// Join inserts p into r and records the room on the participant. Callers must
// have established p's outgoing endpoint first; see the coordinator's join
// ordering. Joining a released room fails so the participant is never left
// in a room the manager no longer tracks.
func (m *Manager) Join(r *Room, p *session.Participant) error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return fmt.Errorf("join room %q: %w", r.Name, ErrReleased)
	}
	r.participants[p.ID] = p
	p.SetRoom(r.Name)
	r.mu.Unlock()
	m.metrics.Inc(metrics.Joins)
	return nil
}

// Leave removes p from r. If the room is now empty its pipeline is released
// and the room entry removed.
func (m *Manager) Leave(ctx context.Context, r *Room, p *session.Participant) {
	r.mu.Lock()
	delete(r.participants, p.ID)
	if p.Room() == r.Name {
		p.SetRoom("")
	}
	empty := len(r.participants) == 0
	r.mu.Unlock()

	m.metrics.Inc(metrics.Leaves)
	if empty {
		m.release(ctx, r)
	}
}

// ReleaseIfEmpty reclaims r when it has no participants: the failed-first-join
// and expired-invitation paths.
func (m *Manager) ReleaseIfEmpty(ctx context.Context, r *Room) {
	r.mu.Lock()
	empty := len(r.participants) == 0
	r.mu.Unlock()
	if empty {
		m.release(ctx, r)
	}
}

func (m *Manager) release(ctx context.Context, r *Room) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()

	m.mu.Lock()
	if m.rooms[r.Name] == r {
		delete(m.rooms, r.Name)
	}
	m.mu.Unlock()

	if err := r.pipeline.Release(ctx); err != nil {
		// Best effort: the entry is already gone, the relay will garbage
		// collect on client disconnect.
		m.log.Warn("pipeline release failed", "room", r.Name, "err", err)
	}
	m.metrics.Inc(metrics.RoomsReleased)
	m.log.Info("room released", "room", r.Name)
}
