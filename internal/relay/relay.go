// Package relay defines the boundary to the external media relay.
//
// The relay owns the media plane: it creates addressable endpoints, connects
// them to each other, and forwards/transcodes the actual audio and video.
// This package models only the contract the signaling coordinator depends on;
// the concrete implementation lives in internal/kurento.
package relay

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Client is a connection to the media relay.
//
// Implementations are expected to dial lazily: constructing a Client must not
// touch the network, so a misconfigured or offline relay only surfaces on
// first use, as a normal operation failure.
type Client interface {
	// CreatePipeline allocates a relay-side resource scoping one room's
	// endpoints.
	CreatePipeline(ctx context.Context) (Pipeline, error)
	Close() error
}

// Pipeline scopes a set of endpoints belonging to one room.
type Pipeline interface {
	CreateEndpoint(ctx context.Context) (Endpoint, error)
	Release(ctx context.Context) error
}

// Endpoint is one direction of media flow for one participant with respect to
// one peer (or itself, for outgoing media).
//
// OnCandidate handlers run on the relay client's event goroutine; they must
// not block and must re-enter coordinator state only through its own
// serialized paths.
type Endpoint interface {
	// ID returns the relay-side object identifier, used to address this
	// endpoint in connect operations.
	ID() string

	// SetSendBandwidth applies min/max video send bandwidth bounds in kbps.
	SetSendBandwidth(ctx context.Context, minKbps, maxKbps int) error

	// ProcessOffer performs the offer/answer exchange and returns the SDP
	// answer.
	ProcessOffer(ctx context.Context, sdpOffer string) (string, error)

	// GatherCandidates starts relay-side candidate discovery. Discovered
	// candidates are delivered to the OnCandidate handler.
	GatherCandidates(ctx context.Context) error

	AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error

	// ConnectTo routes this endpoint's media into sink.
	ConnectTo(ctx context.Context, sink Endpoint) error

	// OnCandidate registers the discovery-event handler. At most one handler
	// is active; registering replaces the previous one.
	OnCandidate(fn func(webrtc.ICECandidateInit))

	// Release frees the relay-side resource. Releasing twice is a no-op.
	Release(ctx context.Context) error
}
