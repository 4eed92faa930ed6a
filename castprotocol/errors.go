package castprotocol

import "github.com/pkg/errors"

var (
	// ErrConnectionFailure is returned when the physical connection to a device
	// could not be established.
	ErrConnectionFailure = errors.New("castprotocol: connection failure")
	// ErrChannelUnavailable is returned when a message targets a channel that is
	// not open, e.g. a media command while no application is running.
	ErrChannelUnavailable = errors.New("castprotocol: channel unavailable")
	// ErrSessionClosed is returned by every operation on a closed session.
	ErrSessionClosed = errors.New("castprotocol: session closed")
)
