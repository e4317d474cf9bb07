package session

import (
	"errors"
	"sync"
)

var (
	ErrNotFound    = errors.New("participant not found")
	ErrDuplicateID = errors.New("participant id already registered")
)

// Registry is the single source of truth for who is connected. It holds no
// asynchronous state; media resources attached to a participant are released
// by the coordinator before Unregister.
type Registry struct {
	mu           sync.Mutex
	participants map[string]*Participant
	order        []string
}

func NewRegistry() *Registry {
	return &Registry{participants: make(map[string]*Participant)}
}

func (r *Registry) Register(p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[p.ID]; ok {
		return ErrDuplicateID
	}
	r.participants[p.ID] = p
	r.order = append(r.order, p.ID)
	return nil
}

func (r *Registry) ByID(id string) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// ByName returns the earliest-registered participant with the given display
// name. Names are not unique; this is a best-effort lookup used only by
// direct-call invitations.
func (r *Registry) ByName(name string) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if p, ok := r.participants[id]; ok && p.Name == name {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[id]; !ok {
		return
	}
	delete(r.participants, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}
