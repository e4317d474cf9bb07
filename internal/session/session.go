// Package session tracks connected participants.
package session

import (
	"sync"

	"github.com/pranitnpatil/webx/internal/protocol"
)

// Sender delivers an outbound protocol message to one participant's
// connection. Implementations must be safe for concurrent use; delivery
// failures are the transport's problem and never unwind signaling state.
type Sender interface {
	Send(msg protocol.Outbound) error
}

// Participant is one connected client. The identity fields are immutable for
// the lifetime of the connection; the room name changes on join/leave.
type Participant struct {
	ID     string
	Name   string
	Sender Sender

	mu   sync.Mutex
	room string
}

func NewParticipant(id, name string, sender Sender) *Participant {
	return &Participant{ID: id, Name: name, Sender: sender}
}

func (p *Participant) Room() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room
}

func (p *Participant) SetRoom(name string) {
	p.mu.Lock()
	p.room = name
	p.mu.Unlock()
}

// Send forwards msg to the participant's connection. A nil Sender drops the
// message, which keeps tests that don't care about outbound traffic short.
func (p *Participant) Send(msg protocol.Outbound) error {
	if p.Sender == nil {
		return nil
	}
	return p.Sender.Send(msg)
}
