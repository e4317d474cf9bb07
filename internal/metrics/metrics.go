package metrics

import "sync"

// Counter names for signaling events.
const (
	RoomsCreated  = "rooms_created"
	RoomsReleased = "rooms_released"
	Joins         = "joins"
	Leaves        = "leaves"

	EndpointsCreated  = "endpoints_created"
	EndpointsReleased = "endpoints_released"

	CandidatesQueued    = "candidates_queued"
	CandidatesForwarded = "candidates_forwarded"

	RelayErrors   = "relay_errors"
	CallsRejected = "calls_rejected"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists to keep coordinator logic observable and testable without pulling
// a metrics backend into the signaling path; the Prometheus handler exposes
// the same counters for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, n uint64) {
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
