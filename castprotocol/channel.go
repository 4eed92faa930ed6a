package castprotocol

import (
	"fmt"
	"maps"

	"github.com/pkg/errors"
	"github.com/vishen/go-chromecast/cast"
)

// Cast namespaces used by a session.
const (
	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	NamespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NamespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	NamespaceMedia      = "urn:x-cast:com.google.cast.media"

	DefaultSenderID   = "sender-0"
	DefaultReceiverID = "receiver-0"
)

// Payload is a JSON message body. It implements cast.Payload so it can be
// handed to the transport as is.
type Payload map[string]any

// SetRequestId implements cast.Payload.
func (p Payload) SetRequestId(id int) {
	p["requestId"] = id
}

// Type returns the message type or an empty string.
func (p Payload) Type() string {
	t, _ := p["type"].(string)
	return t
}

var _ cast.Payload = Payload(nil)

// Channel is a logical message stream over one device connection, addressed
// by namespace and destination transport id. Every outgoing message carries
// the channel's request counter as its requestId.
//
// A Channel is owned by the session loop and is not safe for concurrent use.
type Channel struct {
	conn        Conn
	namespace   string
	senderID    string
	transportID string
	requestID   int
	closed      bool
	handler     func(Payload)
}

// NewChannel creates a channel from senderID to transportID on namespace.
func NewChannel(conn Conn, senderID, transportID, namespace string) *Channel {
	return &Channel{
		conn:        conn,
		namespace:   namespace,
		senderID:    senderID,
		transportID: transportID,
	}
}

// Namespace returns the channel namespace.
func (c *Channel) Namespace() string { return c.namespace }

// TransportID returns the destination id the channel is bound to.
func (c *Channel) TransportID() string { return c.transportID }

// RequestID returns the id the next outgoing message will carry.
func (c *Channel) RequestID() int { return c.requestID }

// Send merges the current request id into a copy of payload, advances the
// counter and writes the message to the connection.
func (c *Channel) Send(payload Payload) error {
	if c == nil || c.closed {
		return errors.Wrapf(ErrChannelUnavailable, "send %s", payload.Type())
	}

	msg := make(Payload, len(payload)+1)
	maps.Copy(msg, payload)

	id := c.requestID
	c.requestID++
	msg.SetRequestId(id)

	if err := c.conn.Send(id, msg, c.senderID, c.transportID, c.namespace); err != nil {
		return fmt.Errorf("send %s on %s: %w", msg.Type(), c.namespace, err)
	}
	messagesSent.WithLabelValues(c.namespace).Inc()
	return nil
}

// OnMessage sets the handler for messages received on this channel.
func (c *Channel) OnMessage(fn func(Payload)) {
	c.handler = fn
}

// Close releases the channel. Inbound messages are no longer delivered and
// Send fails with ErrChannelUnavailable.
func (c *Channel) Close() {
	if c == nil {
		return
	}
	c.closed = true
	c.handler = nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	return c == nil || c.closed
}

func (c *Channel) deliver(p Payload) bool {
	if c == nil || c.closed || c.handler == nil {
		return false
	}
	c.handler(p)
	return true
}
