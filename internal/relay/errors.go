package relay

import "errors"

var (
	// ErrUnavailable is returned when the relay cannot be reached or a
	// pipeline/endpoint operation fails at the transport level. Wrapped
	// errors name the relay address that was unreachable.
	ErrUnavailable = errors.New("media relay unavailable")

	// ErrNegotiationFailed is returned when the offer/answer exchange fails
	// after the endpoint already exists.
	ErrNegotiationFailed = errors.New("negotiation failed")

	ErrClosed = errors.New("relay client closed")
)
