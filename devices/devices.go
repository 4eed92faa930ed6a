package devices

import (
	"context"

	"github.com/pkg/errors"
	"go2tv.app/castremote/castprotocol"
)

var (
	// ErrUnknownDevice is returned for ids without an active session.
	ErrUnknownDevice = errors.New("devices: unknown device")
)

// Announcement is a discovery event saying a device is reachable.
type Announcement struct {
	ID   string
	Host string
	Port int
	Name string
}

// Identity converts the announcement to a session identity.
func (a Announcement) Identity() castprotocol.Identity {
	port := a.Port
	if port <= 0 {
		port = castprotocol.DefaultPort
	}
	return castprotocol.Identity{
		ID:   a.ID,
		Host: a.Host,
		Port: port,
		Name: a.Name,
	}
}

// Sink receives discovery events.
type Sink interface {
	Announce(ctx context.Context, a Announcement) error
	Remove(ctx context.Context, id string)
}

// Backend is a service-discovery source.
type Backend interface {
	// Run browses for devices until ctx is done, reporting to sink.
	Run(ctx context.Context, sink Sink) error
	// Query asks for an immediate active query. It does not wait for replies.
	Query(ctx context.Context) error
}
