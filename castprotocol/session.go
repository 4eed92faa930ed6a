package castprotocol

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

const (
	// DefaultHeartbeatInterval is the PING cadence on the heartbeat channel.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultSkipSeconds is the step of SkipForward and SkipBackward.
	DefaultSkipSeconds = 30.0

	// maxSeekTime is sent by Next to jump to the end of the media.
	maxSeekTime = float64(1<<53 - 1)
)

// ConnectionState of a session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

func (c ConnectionState) String() string {
	if c == Connected {
		return "CONNECTED"
	}
	return "DISCONNECTED"
}

// Snapshot is an immutable copy of a session's observable state.
type Snapshot struct {
	Identity    Identity
	State       ConnectionState
	Application Application
	Media       MediaTracker
}

// MediaChannelsOpen reports whether an application is running and media
// channels are bound to it.
func (s Snapshot) MediaChannelsOpen() bool {
	return s.Application.TransportID != ""
}

// Option configures a Session.
type Option func(*Session)

// WithDialer sets the connection factory.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithClock replaces time.Now, used for position estimation.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

type basicChannels struct {
	connection *Channel
	heartbeat  *Channel
	receiver   *Channel
}

type mediaChannels struct {
	connection *Channel
	media      *Channel
}

type call struct {
	fn   func() error
	errc chan error
}

type event interface{ generation() uint64 }

type inboundMessage struct {
	gen uint64
	msg *pb.CastMessage
}

type connectionLost struct {
	gen uint64
}

func (e inboundMessage) generation() uint64 { return e.gen }
func (e connectionLost) generation() uint64 { return e.gen }

// Session is the control context of one Cast device.
//
// All session state is owned by a single goroutine. Callers, inbound
// messages and heartbeat ticks are serialized through it, so handlers for the
// same session never run concurrently. Accessors read the last published
// Snapshot and never wait for the loop.
type Session struct {
	identity          Identity
	dial              Dialer
	log               zerolog.Logger
	now               func() time.Time
	heartbeatInterval time.Duration

	calls     chan call
	events    chan event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	snapshot  atomic.Pointer[Snapshot]

	// Owned by the loop.
	conn      Conn
	gen       uint64
	stopPump  chan struct{}
	heartbeat *time.Ticker
	basic     *basicChannels
	media     *mediaChannels
	app       Application
	tracker   MediaTracker
	listeners []listener
	nextID    uint64
}

type listener struct {
	id uint64
	fn func(Snapshot)
}

// NewSession creates a disconnected session and starts its event loop.
// Call Close to release it.
func NewSession(identity Identity, opts ...Option) *Session {
	s := &Session{
		identity:          identity,
		dial:              DefaultDialer,
		log:               zerolog.Nop(),
		now:               time.Now,
		heartbeatInterval: DefaultHeartbeatInterval,
		calls:             make(chan call),
		events:            make(chan event, 64),
		quit:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("Device", identity.ID).Logger()
	s.snapshot.Store(&Snapshot{Identity: identity})

	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)

	for {
		var tick <-chan time.Time
		if s.heartbeat != nil {
			tick = s.heartbeat.C
		}

		select {
		case <-s.quit:
			s.disconnect()
			s.publish()
			return
		case c := <-s.calls:
			err := c.fn()
			s.publish()
			c.errc <- err
			continue
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-tick:
			s.sendHeartbeat()
		}

		s.publish()
	}
}

// do runs fn on the session loop and returns its error once the resulting
// state is published.
func (s *Session) do(ctx context.Context, fn func() error) error {
	c := call{fn: fn, errc: make(chan error, 1)}

	select {
	case s.calls <- c:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-c.errc
}

// Identity returns the device identity.
func (s *Session) Identity() Identity { return s.identity }

// ID returns the identity id.
func (s *Session) ID() string { return s.identity.ID }

// Connect opens the device connection, sets up the basic channels, starts
// the heartbeat and watches the receiver status. It is a no-op on a
// connected session.
func (s *Session) Connect(ctx context.Context) error {
	return s.do(ctx, s.connect)
}

// Disconnect stops the heartbeat, tears down every channel, closes the
// connection and resets the status. Safe to call on a disconnected session.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.disconnect()
		return nil
	})
}

// Close disconnects the session and stops its loop. It must not be called
// from a Subscribe listener.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

// Subscribe registers fn to run on the session loop after every state
// change. fn must not block or call back into the session synchronously.
// The returned func removes fn; it must not be called from a listener.
func (s *Session) Subscribe(ctx context.Context, fn func(Snapshot)) (func(), error) {
	var id uint64
	err := s.do(ctx, func() error {
		s.nextID++
		id = s.nextID
		s.listeners = append(s.listeners, listener{id: id, fn: fn})
		return nil
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = s.do(context.Background(), func() error {
				s.listeners = slices.DeleteFunc(s.listeners, func(l listener) bool { return l.id == id })
				return nil
			})
		})
	}, nil
}

// Snapshot returns the last published state.
func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

func (s *Session) publish() {
	next := Snapshot{
		Identity:    s.identity,
		State:       Disconnected,
		Application: s.app,
		Media:       s.tracker,
	}
	if s.conn != nil {
		next.State = Connected
	}

	prev := s.snapshot.Load()
	if prev != nil && *prev == next {
		return
	}
	s.snapshot.Store(&next)

	for _, l := range s.listeners {
		l.fn(next)
	}
}

func (s *Session) connect() error {
	if s.conn != nil {
		return nil
	}

	host, port := s.identity.Host, s.identity.Port
	if port <= 0 {
		port = DefaultPort
	}

	s.log.Debug().Str("Method", "Connect").Str("Host", host).Int("Port", port).Msg("connecting")
	conn := s.dial()
	if err := conn.Start(host, port); err != nil {
		s.log.Error().Str("Method", "Connect").Err(err).Msg("connection failed")
		return errors.Wrapf(ErrConnectionFailure, "connect %s: %v", s.identity.Addr(), err)
	}

	s.conn = conn
	s.gen++
	s.stopPump = make(chan struct{})
	go s.pump(s.gen, conn.MsgChan(), s.stopPump)
	connectedSessions.Inc()

	if err := s.setupBasicChannels(); err != nil {
		s.disconnect()
		return err
	}
	s.startHeartbeat()
	if err := s.watchReceiverStatus(); err != nil {
		s.disconnect()
		return err
	}

	s.log.Debug().Str("Method", "Connect").Msg("connected successfully")
	return nil
}

func (s *Session) disconnect() {
	if s.conn == nil {
		return
	}

	s.log.Debug().Str("Method", "Disconnect").Msg("disconnecting")
	s.stopHeartbeat()
	s.closeMediaChannels()
	s.closeBasicChannels()

	close(s.stopPump)
	s.stopPump = nil
	if err := s.conn.Close(); err != nil {
		s.log.Debug().Str("Method", "Disconnect").Err(err).Msg("close connection")
	}
	s.conn = nil
	connectedSessions.Dec()
	s.log.Debug().Str("Method", "Disconnect").Msg("disconnected")
}

// pump forwards inbound messages of one connection to the loop until stop is
// closed or the connection stream ends.
func (s *Session) pump(gen uint64, msgs chan *pb.CastMessage, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-msgs:
			if !ok {
				s.post(stop, connectionLost{gen: gen})
				return
			}
			if msg == nil {
				continue
			}
			if !s.post(stop, inboundMessage{gen: gen, msg: msg}) {
				return
			}
		}
	}
}

func (s *Session) post(stop <-chan struct{}, ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-stop:
		return false
	case <-s.done:
		return false
	}
}

func (s *Session) handleEvent(ev event) {
	if s.conn == nil || ev.generation() != s.gen {
		return
	}

	switch e := ev.(type) {
	case connectionLost:
		s.log.Warn().Str("Method", "handleEvent").Msg("connection stream ended")
		s.disconnect()
	case inboundMessage:
		s.dispatch(e.msg)
	}
}

func (s *Session) channels() []*Channel {
	var chs []*Channel
	if s.basic != nil {
		chs = append(chs, s.basic.connection, s.basic.heartbeat, s.basic.receiver)
	}
	if s.media != nil {
		chs = append(chs, s.media.connection, s.media.media)
	}
	return chs
}

func (s *Session) dispatch(msg *pb.CastMessage) {
	namespace := msg.GetNamespace()
	p, err := decodePayload(msg.GetPayloadUtf8())
	if err != nil {
		messagesReceived.WithLabelValues(namespace, "malformed").Inc()
		s.log.Debug().Str("Method", "dispatch").Str("Namespace", namespace).Err(err).Msg("dropping message")
		return
	}

	for _, ch := range s.channels() {
		if ch.namespace != namespace || ch.transportID != msg.GetSourceId() {
			continue
		}
		if ch.deliver(p) {
			messagesReceived.WithLabelValues(namespace, "delivered").Inc()
			return
		}
	}
	messagesReceived.WithLabelValues(namespace, "unrouted").Inc()
}

func (s *Session) createChannel(transportID, namespace string) *Channel {
	return NewChannel(s.conn, DefaultSenderID, transportID, namespace)
}

func (s *Session) setupBasicChannels() error {
	s.closeBasicChannels()

	b := &basicChannels{
		connection: s.createChannel(DefaultReceiverID, NamespaceConnection),
		heartbeat:  s.createChannel(DefaultReceiverID, NamespaceHeartbeat),
		receiver:   s.createChannel(DefaultReceiverID, NamespaceReceiver),
	}
	s.basic = b

	b.connection.OnMessage(func(p Payload) {
		if p.Type() == "CLOSE" {
			s.log.Info().Str("Method", "connectionChannel").Msg("device closed the connection")
			s.disconnect()
		}
	})
	b.heartbeat.OnMessage(func(p Payload) {
		if p.Type() != "PING" {
			return
		}
		if err := b.heartbeat.Send(Payload{"type": "PONG"}); err != nil {
			s.log.Debug().Str("Method", "heartbeatChannel").Err(err).Msg("pong failed")
		}
	})

	return b.connection.Send(Payload{"type": "CONNECT"})
}

func (s *Session) closeBasicChannels() {
	if s.basic == nil {
		return
	}
	s.basic.connection.Close()
	s.basic.heartbeat.Close()
	s.basic.receiver.Close()
	s.basic = nil
}

func (s *Session) startHeartbeat() {
	s.stopHeartbeat()
	s.heartbeat = time.NewTicker(s.heartbeatInterval)
}

func (s *Session) stopHeartbeat() {
	if s.heartbeat == nil {
		return
	}
	s.heartbeat.Stop()
	s.heartbeat = nil
}

func (s *Session) sendHeartbeat() {
	if s.basic == nil {
		return
	}
	if err := s.basic.heartbeat.Send(Payload{"type": "PING"}); err != nil {
		s.log.Warn().Str("Method", "heartbeat").Err(err).Msg("ping failed")
	}
}

func (s *Session) watchReceiverStatus() error {
	s.basic.receiver.OnMessage(func(p Payload) {
		apps, err := runningApplications(p)
		if err != nil {
			s.log.Debug().Str("Method", "receiverChannel").Err(err).Msg("ignoring receiver status")
			return
		}
		s.processReceiverStatus(apps)
	})

	return s.basic.receiver.Send(Payload{"type": "GET_STATUS"})
}

func (s *Session) processReceiverStatus(apps []Application) {
	if len(apps) == 0 {
		return
	}

	running := apps[0]
	if running.TransportID == "" || running.TransportID == s.app.TransportID {
		if running.TransportID != "" {
			s.app = running
		}
		return
	}

	s.log.Info().Str("Method", "processReceiverStatus").
		Str("App", running.DisplayName).Str("TransportId", running.TransportID).Msg("application running")

	s.closeMediaChannels()
	s.app = running
	s.setupMediaChannels(running.TransportID)
}

func (s *Session) setupMediaChannels(transportID string) {
	m := &mediaChannels{
		connection: s.createChannel(transportID, NamespaceConnection),
		media:      s.createChannel(transportID, NamespaceMedia),
	}
	s.media = m

	m.connection.OnMessage(func(p Payload) {
		if p.Type() == "CLOSE" {
			s.log.Info().Str("Method", "mediaConnectionChannel").Msg("application closed the media connection")
			s.closeMediaChannels()
		}
	})
	m.media.OnMessage(func(p Payload) {
		if p.Type() != "MEDIA_STATUS" {
			return
		}
		s.processMediaStatus(p)
	})

	if err := m.connection.Send(Payload{"type": "CONNECT"}); err != nil {
		s.log.Warn().Str("Method", "setupMediaChannels").Err(err).Msg("media connect failed")
	}
	if err := m.media.Send(Payload{"type": "GET_STATUS"}); err != nil {
		s.log.Warn().Str("Method", "setupMediaChannels").Err(err).Msg("media status request failed")
	}
}

// closeMediaChannels drops the media channels together with the application
// they were bound to and every media field.
func (s *Session) closeMediaChannels() {
	s.tracker = s.tracker.Clear()
	s.app = Application{}

	if s.media == nil {
		return
	}
	s.media.connection.Close()
	s.media.media.Close()
	s.media = nil
}

func (s *Session) processMediaStatus(p Payload) {
	status, details, ok, err := parseMediaStatus(p)
	if err != nil {
		s.log.Debug().Str("Method", "processMediaStatus").Err(err).Msg("ignoring media status")
		return
	}
	if !ok {
		s.tracker = s.tracker.Clear()
		return
	}
	s.tracker = s.tracker.Apply(status, details, s.now())
}

func (s *Session) sendMedia(command string, extra Payload) error {
	if s.media == nil || s.media.media.Closed() {
		return errors.Wrapf(ErrChannelUnavailable, "%s: no application running", command)
	}
	if s.tracker.Status == nil {
		return errors.Wrapf(ErrChannelUnavailable, "%s: no media session", command)
	}

	p := Payload{
		"type":           command,
		"mediaSessionId": s.tracker.Status.MediaSessionID,
	}
	maps.Copy(p, extra)
	return s.media.media.Send(p)
}

func (s *Session) seek(position float64) error {
	return s.sendMedia("SEEK", Payload{
		"currentTime": position,
		"resumeState": "PLAYBACK_START",
	})
}

func (s *Session) command(ctx context.Context, name string, fn func() error) error {
	err := s.do(ctx, fn)
	observeCommand(name, err)
	if err != nil {
		s.log.Debug().Str("Method", name).Err(err).Msg("command failed")
	}
	return err
}

// Play resumes playback.
func (s *Session) Play(ctx context.Context) error {
	return s.command(ctx, "Play", func() error { return s.sendMedia("PLAY", nil) })
}

// Pause pauses playback.
func (s *Session) Pause(ctx context.Context) error {
	return s.command(ctx, "Pause", func() error { return s.sendMedia("PAUSE", nil) })
}

// Stop asks the receiver to stop the running application.
func (s *Session) Stop(ctx context.Context) error {
	return s.command(ctx, "Stop", func() error {
		if s.basic == nil {
			return errors.Wrap(ErrChannelUnavailable, "STOP: not connected")
		}
		p := Payload{"type": "STOP"}
		if s.app.SessionID != "" {
			p["sessionId"] = s.app.SessionID
		}
		return s.basic.receiver.Send(p)
	})
}

// Seek moves playback to position seconds. Position is not validated.
func (s *Session) Seek(ctx context.Context, position float64) error {
	return s.command(ctx, "Seek", func() error { return s.seek(position) })
}

// SkipForward seeks seconds past the estimated current position.
func (s *Session) SkipForward(ctx context.Context, seconds float64) error {
	return s.command(ctx, "SkipForward", func() error { return s.skip(seconds) })
}

// SkipBackward seeks seconds before the estimated current position.
func (s *Session) SkipBackward(ctx context.Context, seconds float64) error {
	return s.command(ctx, "SkipBackward", func() error { return s.skip(-seconds) })
}

func (s *Session) skip(delta float64) error {
	current, ok := s.tracker.EstimatedCurrentTime(s.now())
	if !ok {
		return errors.Wrap(ErrChannelUnavailable, "SEEK: no media status")
	}
	return s.seek(current + delta)
}

// Previous restarts the current media.
func (s *Session) Previous(ctx context.Context) error {
	return s.command(ctx, "Previous", func() error { return s.seek(0) })
}

// Next skips to the end of the current media.
func (s *Session) Next(ctx context.Context) error {
	return s.command(ctx, "Next", func() error { return s.seek(maxSeekTime) })
}

// TogglePlayPause pauses a playing receiver and resumes a paused one. Any
// other state is left alone.
func (s *Session) TogglePlayPause(ctx context.Context) error {
	return s.command(ctx, "TogglePlayPause", func() error {
		switch s.tracker.PlayerState() {
		case PlayerPlaying:
			return s.sendMedia("PAUSE", nil)
		case PlayerPaused:
			return s.sendMedia("PLAY", nil)
		default:
			return nil
		}
	})
}

// State returns the connection state.
func (s *Session) State() ConnectionState { return s.Snapshot().State }

// PowerOn reports whether an application is running on the device.
func (s *Session) PowerOn() bool { return s.Snapshot().MediaChannelsOpen() }

// PlayerState returns PlayerUnknown until a media status was received.
func (s *Session) PlayerState() PlayerState { return s.Snapshot().Media.PlayerState() }

// EstimatedCurrentTime returns the extrapolated playback position.
func (s *Session) EstimatedCurrentTime() (float64, bool) {
	return s.Snapshot().Media.EstimatedCurrentTime(s.now())
}

func (s *Session) Title() string       { return s.Snapshot().Media.Title() }
func (s *Session) Artist() string      { return s.Snapshot().Media.Artist() }
func (s *Session) AlbumTitle() string  { return s.Snapshot().Media.AlbumTitle() }
func (s *Session) AlbumArtist() string { return s.Snapshot().Media.AlbumArtist() }
func (s *Session) ImageURL() string    { return s.Snapshot().Media.ImageURL() }
