// Package signaling implements the group-call protocol: participant
// registration, room membership, per-pair media negotiation against the
// external relay, and direct-call invitations.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pranitnpatil/webx/internal/media"
	"github.com/pranitnpatil/webx/internal/metrics"
	"github.com/pranitnpatil/webx/internal/protocol"
	"github.com/pranitnpatil/webx/internal/relay"
	"github.com/pranitnpatil/webx/internal/room"
	"github.com/pranitnpatil/webx/internal/session"
)

// Config carries the coordinator's tunables.
type Config struct {
	// RelayCallTimeout bounds every media relay call issued while handling
	// one inbound message. Expiry is reported to the requester like any
	// other relay failure.
	RelayCallTimeout time.Duration
	// CallInviteTTL bounds how long a room created for a direct-call
	// invitation may sit empty before it is reclaimed.
	CallInviteTTL time.Duration
}

// Coordinator drives the signaling state machine. One Conn per websocket;
// the transport guarantees that a Conn's messages are handled serially, so
// per-connection state needs no locking. Cross-participant races are the
// business of the room and media managers.
type Coordinator struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *session.Registry
	rooms    *room.Manager
	media    *media.Manager

	// afterFunc schedules invite-room reclaim; tests swap it out.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewCoordinator(cfg Config, registry *session.Registry, rooms *room.Manager, mediaMgr *media.Manager, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Coordinator{
		cfg:       cfg,
		log:       logger,
		metrics:   m,
		registry:  registry,
		rooms:     rooms,
		media:     mediaMgr,
		afterFunc: time.AfterFunc,
	}
}

// Conn is the coordinator-side state of one client connection.
type Conn struct {
	c      *Coordinator
	id     string
	sender session.Sender

	// participant is nil until a register message is handled.
	participant *session.Participant
}

func (c *Coordinator) NewConn(sender session.Sender) *Conn {
	return &Conn{c: c, id: uuid.NewString(), sender: sender}
}

func (cn *Conn) ID() string { return cn.id }

// Handle applies one inbound message. Protocol-level failures are replied
// to the requester as error messages; transport-level teardown is the
// caller's concern.
func (cn *Conn) Handle(ctx context.Context, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.Register:
		cn.handleRegister(m)
	case protocol.JoinRoom:
		cn.handleJoinRoom(ctx, m)
	case protocol.ReceiveVideoFrom:
		cn.handleReceiveVideoFrom(ctx, m)
	case protocol.OnIceCandidate:
		cn.handleCandidate(ctx, m)
	case protocol.LeaveRoom:
		cn.handleLeaveRoom(ctx)
	case protocol.Call:
		cn.handleCall(ctx, m)
	default:
		cn.reject(fmt.Sprintf("unsupported message type %T", msg))
	}
}

// Close runs the disconnect path: leave the room if joined, drop media
// state, unregister. Safe to call for never-registered connections.
func (cn *Conn) Close(ctx context.Context) {
	p := cn.participant
	if p == nil {
		return
	}
	if p.Room() != "" {
		cn.leaveRoom(ctx, p)
	}
	// Candidates queued before any join die with the participant.
	cn.c.media.Release(ctx, p.ID)
	cn.c.registry.Unregister(p.ID)
	cn.participant = nil
	cn.c.log.Info("participant disconnected", "participant", p.ID, "name", p.Name)
}

func (cn *Conn) handleRegister(msg protocol.Register) {
	if cn.participant != nil {
		cn.reject("already registered")
		return
	}
	p := session.NewParticipant(cn.id, msg.Name, cn.sender)
	if err := cn.c.registry.Register(p); err != nil {
		cn.reject(fmt.Sprintf("register %q: %v", msg.Name, err))
		return
	}
	cn.participant = p
	cn.c.log.Info("participant registered", "participant", p.ID, "name", p.Name)
	cn.send(protocol.Registered{
		SessionID: p.ID,
		Data:      "Successfully registered " + p.ID,
	})
}

func (cn *Conn) handleJoinRoom(ctx context.Context, msg protocol.JoinRoom) {
	p := cn.participant
	if p == nil {
		cn.reject("register before joining a room")
		return
	}
	if current := p.Room(); current != "" {
		cn.reject(fmt.Sprintf("already in room %q", current))
		return
	}
	if err := cn.join(ctx, p, msg.RoomName, msg.Video, msg.Audio); err != nil {
		cn.reject(fmt.Sprintf("join room %q: %v", msg.RoomName, err))
	}
}

// join runs the shared join sequence: room lookup-or-create, the joiner's
// outgoing endpoint, membership insert, and the arrival/roster fanout. On
// success the joiner has received existingParticipants; on failure nothing
// is sent and any half-built state is torn down.
func (cn *Conn) join(ctx context.Context, p *session.Participant, roomName string, video, audio bool) error {
	rctx, cancel := cn.relayContext(ctx)
	defer cancel()

	r, err := cn.c.rooms.GetOrCreate(rctx, roomName)
	if err != nil {
		cn.c.metrics.Inc(metrics.RelayErrors)
		return err
	}

	// The joiner's own endpoint must exist before any peer can be told
	// about them, so this happens before the membership insert.
	if _, err := cn.c.media.EnsureOutgoing(rctx, p, r.Pipeline()); err != nil {
		cn.c.metrics.Inc(metrics.RelayErrors)
		// A freshly created room holds a pipeline nobody uses yet.
		cn.c.rooms.ReleaseIfEmpty(ctx, r)
		return err
	}

	// The room may have been released between the lookup and here, for
	// example by an invite-TTL sweep. Such a join fails rather than
	// landing the participant in a room the manager no longer tracks.
	if err := cn.c.rooms.Join(r, p); err != nil {
		cn.c.media.Release(rctx, p.ID)
		return err
	}
	cn.c.log.Info("participant joined", "participant", p.ID, "name", p.Name, "room", roomName)

	var ids, names []string
	for _, member := range r.Participants() {
		if member.ID == p.ID {
			continue
		}
		ids = append(ids, member.ID)
		names = append(names, member.Name)
		cn.c.sendTo(member, protocol.NewParticipantArrived{
			NewUserID: p.ID,
			Name:      p.Name,
		})
	}
	cn.send(protocol.ExistingParticipants{
		Data:     ids,
		Names:    names,
		Video:    video,
		Audio:    audio,
		RoomName: roomName,
	})
	return nil
}

func (cn *Conn) handleReceiveVideoFrom(ctx context.Context, msg protocol.ReceiveVideoFrom) {
	p := cn.participant
	if p == nil || p.Room() == "" {
		cn.reject("join a room before negotiating")
		return
	}
	r, ok := cn.c.rooms.Get(p.Room())
	if !ok {
		cn.reject(fmt.Sprintf("room %q no longer exists", p.Room()))
		return
	}

	rctx, cancel := cn.relayContext(ctx)
	defer cancel()

	endpoint, err := cn.resolveEndpoint(rctx, p, r, msg.Sender)
	if err != nil {
		cn.c.metrics.Inc(metrics.RelayErrors)
		cn.reject(fmt.Sprintf("negotiate with %q: %v", msg.Sender, err))
		return
	}

	answer, err := endpoint.ProcessOffer(rctx, msg.SDPOffer)
	if err != nil {
		cn.c.metrics.Inc(metrics.RelayErrors)
		cn.reject(fmt.Sprintf("negotiate with %q: %v", msg.Sender, err))
		return
	}
	cn.send(protocol.ReceiveVideoAnswer{SessionID: msg.Sender, SDPAnswer: answer})

	if err := endpoint.GatherCandidates(rctx); err != nil {
		cn.c.metrics.Inc(metrics.RelayErrors)
		cn.c.log.Warn("gather candidates failed",
			"participant", p.ID, "peer", msg.Sender, "err", err)
	}
}

// resolveEndpoint picks the endpoint the offer is for: the participant's own
// outgoing endpoint when negotiating their send leg, otherwise the incoming
// endpoint viewing the named peer.
func (cn *Conn) resolveEndpoint(ctx context.Context, p *session.Participant, r *room.Room, senderID string) (relay.Endpoint, error) {
	if senderID == p.ID {
		return cn.c.media.EnsureOutgoing(ctx, p, r.Pipeline())
	}
	peer, err := cn.c.registry.ByID(senderID)
	if err != nil {
		return nil, fmt.Errorf("peer %q: %w", senderID, err)
	}
	if !r.Member(peer.ID) {
		return nil, fmt.Errorf("peer %q: %w", senderID, session.ErrNotFound)
	}
	return cn.c.media.EnsureIncoming(ctx, p, peer, r.Pipeline())
}

func (cn *Conn) handleCandidate(ctx context.Context, msg protocol.OnIceCandidate) {
	p := cn.participant
	if p == nil {
		cn.reject("register before sending candidates")
		return
	}
	rctx, cancel := cn.relayContext(ctx)
	defer cancel()
	if err := cn.c.media.AddCandidate(rctx, p, msg.Sender, msg.Candidate); err != nil {
		cn.c.metrics.Inc(metrics.RelayErrors)
		cn.reject(fmt.Sprintf("candidate for %q: %v", msg.Sender, err))
	}
}

func (cn *Conn) handleLeaveRoom(ctx context.Context) {
	p := cn.participant
	if p == nil || p.Room() == "" {
		cn.reject("not in a room")
		return
	}
	cn.leaveRoom(ctx, p)
}

func (cn *Conn) leaveRoom(ctx context.Context, p *session.Participant) {
	roomName := p.Room()
	r, ok := cn.c.rooms.Get(roomName)
	if !ok {
		p.SetRoom("")
		return
	}

	rctx, cancel := cn.relayContext(ctx)
	defer cancel()

	cn.c.media.Release(rctx, p.ID)
	for _, member := range r.Participants() {
		if member.ID == p.ID {
			continue
		}
		cn.c.media.ReleasePeerSide(rctx, member.ID, p.ID)
		cn.c.sendTo(member, protocol.ParticipantLeft{SessionID: p.ID})
	}
	cn.c.rooms.Leave(rctx, r, p)
	cn.c.log.Info("participant left", "participant", p.ID, "name", p.Name, "room", roomName)
}

func (cn *Conn) handleCall(ctx context.Context, msg protocol.Call) {
	p := cn.participant
	if p == nil {
		cn.reject("register before calling")
		return
	}

	if msg.To == msg.From {
		cn.c.log.Debug("self-call dropped", "participant", p.ID, "name", p.Name)
		return
	}

	callee, err := cn.c.registry.ByName(msg.To)
	if err != nil {
		cn.c.metrics.Inc(metrics.CallsRejected)
		cn.send(protocol.CallResponse{
			Response: "rejected",
			Message:  fmt.Sprintf("user %q is not registered", msg.To),
		})
		return
	}

	// A caller without a room gets a fresh one and joins it like any
	// other participant, so the callee arrives into an occupied room.
	roomName := p.Room()
	if roomName == "" {
		roomName = uuid.NewString()
		if err := cn.join(ctx, p, roomName, true, true); err != nil {
			cn.reject(fmt.Sprintf("call %q: %v", msg.To, err))
			return
		}
		if r, ok := cn.c.rooms.Get(roomName); ok {
			cn.scheduleInviteReclaim(roomName, r)
		}
	}

	cn.c.sendTo(callee, protocol.IncomingCall{From: msg.From, RoomName: roomName})
	cn.c.log.Info("call invitation sent",
		"from", msg.From, "to", msg.To, "room", roomName)
}

// scheduleInviteReclaim backstops invite-room cleanup: a room still
// registered and empty when the TTL fires is released. The caller joins
// the room at creation, so normally the last-leave path reclaims it first
// and this sweep finds nothing to do.
func (cn *Conn) scheduleInviteReclaim(roomName string, r *room.Room) {
	c := cn.c
	c.afterFunc(c.cfg.CallInviteTTL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RelayCallTimeout)
		defer cancel()
		current, ok := c.rooms.Get(roomName)
		if !ok || current != r {
			return
		}
		c.rooms.ReleaseIfEmpty(ctx, current)
	})
}

func (cn *Conn) relayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if cn.c.cfg.RelayCallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cn.c.cfg.RelayCallTimeout)
}

func (cn *Conn) reject(reason string) {
	cn.send(protocol.ErrorMessage{Message: reason})
}

func (cn *Conn) send(msg protocol.Outbound) {
	if err := cn.sender.Send(msg); err != nil {
		cn.c.log.Debug("dropping outbound message", "conn", cn.id, "err", err)
	}
}

// sendTo delivers msg to another participant, logging delivery failures
// instead of propagating them into the requester's handler.
func (c *Coordinator) sendTo(p *session.Participant, msg protocol.Outbound) {
	if err := p.Send(msg); err != nil {
		c.log.Debug("dropping outbound message", "participant", p.ID, "err", err)
	}
}
