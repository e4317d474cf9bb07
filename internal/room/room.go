// Package room owns the mapping from room name to live room state.
package room

import (
	"sync"

	"github.com/pranitnpatil/webx/internal/relay"
	"github.com/pranitnpatil/webx/internal/session"
)

// Room is one named conference: a relay pipeline plus the set of joined
// participants. A room only exists while its pipeline is held; the manager
// removes the room entry in the same step that releases the pipeline, so no
// caller can observe a registered room with a dead pipeline.
type Room struct {
	Name string

	pipeline relay.Pipeline

	mu           sync.Mutex
	participants map[string]*session.Participant
	released     bool
}

func (r *Room) Pipeline() relay.Pipeline { return r.pipeline }

// Participants returns a snapshot of the current members.
func (r *Room) Participants() []*session.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

func (r *Room) Member(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[id]
	return ok
}

func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}
