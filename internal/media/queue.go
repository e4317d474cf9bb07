package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/pranitnpatil/webx/internal/relay"
)

// candidateQueue buffers path-discovery candidates that arrive before the
// endpoint they target exists. FIFO; drained exactly once per candidate.
type candidateQueue struct {
	mu    sync.Mutex
	items []webrtc.ICECandidateInit
}

func (q *candidateQueue) Enqueue(cand webrtc.ICECandidateInit) {
	q.mu.Lock()
	q.items = append(q.items, cand)
	q.mu.Unlock()
}

func (q *candidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainTo forwards queued candidates to ep in arrival order. On the first
// forwarding failure the remaining items are discarded: negotiation for that
// peer is failed and must be restarted from scratch.
func (q *candidateQueue) DrainTo(ctx context.Context, ep relay.Endpoint) (int, error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for i, cand := range items {
		if err := ep.AddCandidate(ctx, cand); err != nil {
			return i, err
		}
	}
	return len(items), nil
}
