// Package casttest provides an in-memory Cast connection for tests.
package casttest

import (
	"encoding/json"
	"sync"

	"github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

// Message is a message written through a FakeConn.
type Message struct {
	RequestID   int
	Source      string
	Destination string
	Namespace   string
	Payload     map[string]any
}

// Type returns the payload type field.
func (m Message) Type() string {
	t, _ := m.Payload["type"].(string)
	return t
}

// FakeConn records outgoing messages and lets tests inject inbound ones.
type FakeConn struct {
	// StartErr is returned by Start when set.
	StartErr error

	mu      sync.Mutex
	starts  []string
	sent    []Message
	closed  bool
	msgs    chan *pb.CastMessage
	onStart func()
}

// NewFakeConn returns a FakeConn with a buffered inbound stream.
func NewFakeConn() *FakeConn {
	return &FakeConn{msgs: make(chan *pb.CastMessage, 64)}
}

func (f *FakeConn) Start(addr string, port int) error {
	f.mu.Lock()
	f.starts = append(f.starts, addr)
	hook := f.onStart
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.StartErr
}

// OnStart sets a hook run by every Start call.
func (f *FakeConn) OnStart(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStart = fn
}

func (f *FakeConn) Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error {
	payload.SetRequestId(requestID)

	// Round trip through JSON so the recorded payload looks like the wire.
	var body map[string]any
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, &body); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, Message{
		RequestID:   requestID,
		Source:      sourceID,
		Destination: destinationID,
		Namespace:   namespace,
		Payload:     body,
	})
	return nil
}

func (f *FakeConn) MsgChan() chan *pb.CastMessage {
	return f.msgs
}

func (f *FakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Push injects a message from source on namespace. payload is marshalled to
// JSON unless it already is a string.
func (f *FakeConn) Push(source, namespace string, payload any) {
	var raw string
	switch p := payload.(type) {
	case string:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			panic(err)
		}
		raw = string(b)
	}

	destination := "sender-0"
	protocolVersion := pb.CastMessage_CASTV2_1_0
	payloadType := pb.CastMessage_STRING
	f.msgs <- &pb.CastMessage{
		ProtocolVersion: &protocolVersion,
		SourceId:        &source,
		DestinationId:   &destination,
		Namespace:       &namespace,
		PayloadType:     &payloadType,
		PayloadUtf8:     &raw,
	}
}

// EndStream closes the inbound stream, as a dropped socket would.
func (f *FakeConn) EndStream() {
	close(f.msgs)
}

// Starts returns the number of Start calls.
func (f *FakeConn) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

// Hosts returns the address of every Start call.
func (f *FakeConn) Hosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.starts...)
}

// Closed reports whether Close was called.
func (f *FakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Sent returns a copy of every recorded message.
func (f *FakeConn) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

// SentMatching returns the recorded messages of the given type sent to
// destination on namespace. Empty filters match everything.
func (f *FakeConn) SentMatching(destination, namespace, typ string) []Message {
	var out []Message
	for _, m := range f.Sent() {
		if destination != "" && m.Destination != destination {
			continue
		}
		if namespace != "" && m.Namespace != namespace {
			continue
		}
		if typ != "" && m.Type() != typ {
			continue
		}
		out = append(out, m)
	}
	return out
}
