// Package hub adapts discovered Cast sessions to a remote-control hub: device
// listing, button presses, power and metadata getters and status callbacks.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go2tv.app/castremote/castprotocol"
	"go2tv.app/castremote/devices"
)

// ErrUnimplementedOperation is returned for buttons without an action.
var ErrUnimplementedOperation = errors.New("hub: unimplemented operation")

// Button names understood by HandleButtonPress.
const (
	ButtonPause        = "PAUSE"
	ButtonPlay         = "PLAY"
	ButtonStop         = "STOP"
	ButtonPrevious     = "PREVIOUS"
	ButtonNext         = "NEXT"
	ButtonPowerOff     = "POWER OFF"
	ButtonSkipForward  = "SKIP SECONDS FORWARD"
	ButtonSkipBackward = "SKIP SECONDS BACKWARD"
	ButtonCursorEnter  = "CURSOR ENTER"
)

// Component names carried by status updates.
const (
	ComponentMediaTitle       = "mediaTitle"
	ComponentMediaArtist      = "mediaArtist"
	ComponentMediaAlbumTitle  = "mediaAlbumTitle"
	ComponentMediaAlbumArtist = "mediaAlbumArtist"
	ComponentMediaImage       = "mediaImage"
	ComponentPlayerState      = "playerState"
)

// Device is the hub view of a discovered device.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Reachable bool   `json:"reachable"`
}

// Metadata is the media shown for a device.
type Metadata struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	AlbumTitle  string `json:"albumTitle"`
	AlbumArtist string `json:"albumArtist"`
	ImageURL    string `json:"imageUrl"`
	PlayerState string `json:"playerState"`
}

// Update is a changed value of one device component.
type Update struct {
	DeviceID  string `json:"uniqueDeviceId"`
	Component string `json:"component"`
	Value     string `json:"value"`
}

// Subscription receives device status changes. Nil callbacks are skipped.
// Callbacks run on the session loop of the device and must not block.
type Subscription struct {
	Notify   func(Update)
	PowerOn  func(deviceID string)
	PowerOff func(deviceID string)
}

// buttonAction has the shape of a Session method expression.
type buttonAction func(s *castprotocol.Session, ctx context.Context) error

// Controller maps hub operations onto the sessions of a registry.
type Controller struct {
	registry        *devices.Registry
	skipSeconds     float64
	discoverTimeout time.Duration
	log             zerolog.Logger
	buttons         map[string]buttonAction

	mu         sync.Mutex
	subscribed bool
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithSkipSeconds overrides castprotocol.DefaultSkipSeconds.
func WithSkipSeconds(seconds float64) ControllerOption {
	return func(c *Controller) {
		if seconds > 0 {
			c.skipSeconds = seconds
		}
	}
}

// WithDiscoverTimeout sets the window used by DiscoverDevices when the
// caller passes none.
func WithDiscoverTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.discoverTimeout = d }
}

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

// NewController returns a controller over registry.
func NewController(registry *devices.Registry, opts ...ControllerOption) *Controller {
	c := &Controller{
		registry:        registry,
		skipSeconds:     castprotocol.DefaultSkipSeconds,
		discoverTimeout: devices.DefaultDiscoverTimeout,
		log:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.buttons = map[string]buttonAction{
		ButtonPause:    (*castprotocol.Session).Pause,
		ButtonPlay:     (*castprotocol.Session).Play,
		ButtonStop:     (*castprotocol.Session).Stop,
		ButtonPrevious: (*castprotocol.Session).Previous,
		ButtonNext:     (*castprotocol.Session).Next,
		ButtonPowerOff: (*castprotocol.Session).Stop,
		ButtonSkipForward: func(s *castprotocol.Session, ctx context.Context) error {
			return s.SkipForward(ctx, c.skipSeconds)
		},
		ButtonSkipBackward: func(s *castprotocol.Session, ctx context.Context) error {
			return s.SkipBackward(ctx, c.skipSeconds)
		},
		ButtonCursorEnter: (*castprotocol.Session).TogglePlayPause,
	}
	return c
}

// Buttons returns the names HandleButtonPress accepts.
func (c *Controller) Buttons() []string {
	return []string{
		ButtonPowerOff, ButtonPlay, ButtonPause, ButtonStop, ButtonPrevious, ButtonNext,
		ButtonSkipBackward, ButtonSkipForward, ButtonCursorEnter,
	}
}

// DiscoverDevices runs an active discovery for timeout, or the configured
// window when timeout is zero.
func (c *Controller) DiscoverDevices(ctx context.Context, timeout time.Duration) ([]Device, error) {
	if timeout <= 0 {
		timeout = c.discoverTimeout
	}

	sessions, err := c.registry.DiscoverDevices(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return toDevices(sessions), nil
}

// Devices returns the known devices without querying the network.
func (c *Controller) Devices() []Device {
	return toDevices(c.registry.Devices())
}

func toDevices(sessions []*castprotocol.Session) []Device {
	out := make([]Device, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Device{
			ID:        s.ID(),
			Name:      s.Identity().DisplayName(),
			Reachable: s.State() == castprotocol.Connected,
		})
	}
	return out
}

// HandleButtonPress runs the action mapped to button on deviceID.
func (c *Controller) HandleButtonPress(ctx context.Context, button, deviceID string) error {
	log := c.log.With().Str("Method", "HandleButtonPress").Str("Device", deviceID).Str("Button", button).Logger()

	s, err := c.registry.Lookup(deviceID)
	if err != nil {
		log.Debug().Msg("device has not been discovered")
		return err
	}

	action, ok := c.buttons[button]
	if !ok {
		log.Debug().Msg("button is not implemented")
		return errors.Wrapf(ErrUnimplementedOperation, "button %q", button)
	}

	log.Debug().Msg("pressed button")
	return action(s, ctx)
}

// PowerState reports whether an application is running on deviceID.
func (c *Controller) PowerState(deviceID string) (bool, error) {
	s, err := c.registry.Lookup(deviceID)
	if err != nil {
		return false, err
	}
	return s.PowerOn(), nil
}

// Metadata returns every media field of deviceID, with fallbacks applied.
func (c *Controller) Metadata(deviceID string) (Metadata, error) {
	s, err := c.registry.Lookup(deviceID)
	if err != nil {
		return Metadata{}, err
	}
	return metadataOf(s.Snapshot().Media), nil
}

func metadataOf(m castprotocol.MediaTracker) Metadata {
	return Metadata{
		Title:       m.Title(),
		Artist:      m.Artist(),
		AlbumTitle:  m.AlbumTitle(),
		AlbumArtist: m.AlbumArtist(),
		ImageURL:    m.ImageURL(),
		PlayerState: string(m.PlayerState()),
	}
}

func (c *Controller) MediaTitle(deviceID string) (string, error) {
	m, err := c.Metadata(deviceID)
	return m.Title, err
}

func (c *Controller) MediaArtist(deviceID string) (string, error) {
	m, err := c.Metadata(deviceID)
	return m.Artist, err
}

func (c *Controller) MediaAlbumTitle(deviceID string) (string, error) {
	m, err := c.Metadata(deviceID)
	return m.AlbumTitle, err
}

func (c *Controller) MediaAlbumArtist(deviceID string) (string, error) {
	m, err := c.Metadata(deviceID)
	return m.AlbumArtist, err
}

func (c *Controller) MediaImageURL(deviceID string) (string, error) {
	m, err := c.Metadata(deviceID)
	return m.ImageURL, err
}

// RegisterSubscription forwards status changes of every current and future
// session to sub. Only the first registration is honoured.
func (c *Controller) RegisterSubscription(ctx context.Context, sub Subscription) error {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return errors.New("hub: subscription already registered")
	}
	c.subscribed = true
	c.mu.Unlock()

	c.registry.ObserveSessions(func(s *castprotocol.Session) {
		if _, err := s.Subscribe(ctx, newWatcher(s.Snapshot(), sub).observe); err != nil {
			c.log.Warn().Str("Method", "RegisterSubscription").Str("Device", s.ID()).Err(err).Msg("subscribe failed")
		}
	})
	return nil
}

// watcher turns consecutive snapshots of one session into updates. It only
// runs on that session's loop.
type watcher struct {
	sub     Subscription
	powerOn bool
	meta    Metadata
}

func newWatcher(initial castprotocol.Snapshot, sub Subscription) *watcher {
	return &watcher{
		sub:     sub,
		powerOn: initial.MediaChannelsOpen(),
		meta:    metadataOf(initial.Media),
	}
}

func (w *watcher) observe(snap castprotocol.Snapshot) {
	id := snap.Identity.ID

	if on := snap.MediaChannelsOpen(); on != w.powerOn {
		w.powerOn = on
		switch {
		case on && w.sub.PowerOn != nil:
			w.sub.PowerOn(id)
		case !on && w.sub.PowerOff != nil:
			w.sub.PowerOff(id)
		}
	}

	meta := metadataOf(snap.Media)
	if w.sub.Notify != nil {
		for _, u := range []struct {
			component string
			prev, cur string
		}{
			{ComponentMediaTitle, w.meta.Title, meta.Title},
			{ComponentMediaArtist, w.meta.Artist, meta.Artist},
			{ComponentMediaAlbumTitle, w.meta.AlbumTitle, meta.AlbumTitle},
			{ComponentMediaAlbumArtist, w.meta.AlbumArtist, meta.AlbumArtist},
			{ComponentMediaImage, w.meta.ImageURL, meta.ImageURL},
			{ComponentPlayerState, w.meta.PlayerState, meta.PlayerState},
		} {
			if u.prev != u.cur {
				w.sub.Notify(Update{DeviceID: id, Component: u.component, Value: u.cur})
			}
		}
	}
	w.meta = meta
}
