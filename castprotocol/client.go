package castprotocol

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

// DefaultPort is the Cast control port.
const DefaultPort = 8009

// Conn is the part of the go-chromecast connection a session relies on.
// Framing, TLS and socket handling stay inside the implementation.
type Conn interface {
	Start(addr string, port int) error
	Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error
	MsgChan() chan *pb.CastMessage
	Close() error
}

// Dialer creates a fresh, unstarted connection. Sessions call it once per
// Connect so a closed connection is never reused.
type Dialer func() Conn

// DefaultDialer returns go-chromecast connections.
func DefaultDialer() Conn {
	return cast.NewConnection()
}

var _ Conn = (*cast.Connection)(nil)

// Identity is the stable description of a device. ID keys the device across
// reconnections.
type Identity struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
	Name string `json:"name"`
}

// DisplayName returns Name, or ID when the device announced no friendly name.
func (i Identity) DisplayName() string {
	if strings.TrimSpace(i.Name) == "" {
		return i.ID
	}
	return i.Name
}

// Addr returns host:port, using DefaultPort when Port is unset.
func (i Identity) Addr() string {
	port := i.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(i.Host, strconv.Itoa(port))
}

// ParseAddr splits a device address such as "http://10.0.0.5:8009",
// "10.0.0.5:8009" or "10.0.0.5" into host and port.
func ParseAddr(deviceAddr string) (string, int, error) {
	if !strings.Contains(deviceAddr, "://") {
		deviceAddr = "tcp://" + deviceAddr
	}

	u, err := url.Parse(deviceAddr)
	if err != nil {
		return "", 0, fmt.Errorf("parse device addr: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("parse device addr: missing host in %q", deviceAddr)
	}

	port := DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("parse device addr: %w", err)
		}
	}

	return host, port, nil
}
