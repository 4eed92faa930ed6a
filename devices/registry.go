package devices

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go2tv.app/castremote/castprotocol"
)

// DefaultDiscoverTimeout is the population window of DiscoverDevices.
const DefaultDiscoverTimeout = 2 * time.Second

var (
	knownDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "castremote",
		Name:      "known_devices",
		Help:      "Devices currently held by discovery registries",
	})

	announcementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "castremote",
		Name:      "announcements_total",
		Help:      "Discovery announcements by outcome",
	}, []string{"outcome"})
)

type entry struct {
	session    *castprotocol.Session
	connecting bool
}

// Registry is the set of currently reachable devices. It creates one session
// per identity, connects it and closes it when the device goes away.
type Registry struct {
	backend     Backend
	sessionOpts []castprotocol.Option
	log         zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*entry
	observers []func(*castprotocol.Session)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBackend sets the discovery backend used by Start and DiscoverDevices.
func WithBackend(b Backend) RegistryOption {
	return func(r *Registry) { r.backend = b }
}

// WithSessionOptions sets the options every new session is created with.
func WithSessionOptions(opts ...castprotocol.Option) RegistryOption {
	return func(r *Registry) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:      zerolog.Nop(),
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the discovery backend in the background until ctx is done.
func (r *Registry) Start(ctx context.Context) {
	if r.backend == nil {
		return
	}
	go func() {
		if err := r.backend.Run(ctx, r); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error().Str("Method", "Start").Err(err).Msg("discovery backend stopped")
		}
	}()
}

// OnSessionCreated registers fn to be called synchronously, before the first
// connection attempt, whenever a new session is created.
func (r *Registry) OnSessionCreated(fn func(*castprotocol.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// ObserveSessions calls fn once for every registered session and, like
// OnSessionCreated, for every session created afterwards.
func (r *Registry) ObserveSessions(fn func(*castprotocol.Session)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	existing := make([]*castprotocol.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		existing = append(existing, e.session)
	}
	r.mu.Unlock()

	for _, s := range existing {
		fn(s)
	}
}

// Announce handles an announcement. A new identity gets a session which is
// connected; a connected or connecting session is left alone; a session the
// device has disconnected is reconnected. A device announced at a new
// address gets a fresh session. A session that fails to connect is dropped,
// so the next announcement retries.
func (r *Registry) Announce(ctx context.Context, a Announcement) error {
	if a.ID == "" {
		return errors.New("announce: empty device id")
	}
	identity := a.Identity()

	r.mu.Lock()
	e, exists := r.sessions[a.ID]
	moved := exists && !e.connecting && e.session.Identity().Addr() != identity.Addr()

	var stale *castprotocol.Session
	switch {
	case exists && e.connecting:
		r.mu.Unlock()
		announcementsTotal.WithLabelValues("duplicate").Inc()
		return nil
	case exists && !moved && e.session.State() == castprotocol.Connected:
		r.mu.Unlock()
		announcementsTotal.WithLabelValues("duplicate").Inc()
		return nil
	case exists && !moved:
		e.connecting = true
	default:
		if moved {
			stale = e.session
		} else {
			knownDevices.Inc()
		}
		e = &entry{
			session:    castprotocol.NewSession(identity, r.sessionOpts...),
			connecting: true,
		}
		r.sessions[a.ID] = e
	}
	created := !exists || moved
	// Taken with the insert so ObserveSessions sees each session once.
	observers := slices.Clone(r.observers)
	r.mu.Unlock()

	switch {
	case moved:
		r.log.Info().Str("Method", "Announce").Str("Device", a.ID).
			Str("From", stale.Identity().Addr()).Str("To", identity.Addr()).Msg("device moved")
		stale.Close()
	case created:
		r.log.Info().Str("Method", "Announce").Str("Device", a.ID).Str("Name", a.Name).Str("Host", a.Host).Msg("device discovered")
	default:
		r.log.Info().Str("Method", "Announce").Str("Device", a.ID).Msg("reconnecting device")
	}
	if created {
		for _, fn := range observers {
			fn(e.session)
		}
	}

	err := e.session.Connect(ctx)

	r.mu.Lock()
	e.connecting = false
	dropped := false
	if err != nil && r.sessions[a.ID] == e {
		delete(r.sessions, a.ID)
		knownDevices.Dec()
		dropped = true
	}
	r.mu.Unlock()

	switch {
	case err != nil:
		announcementsTotal.WithLabelValues("failed").Inc()
		r.log.Warn().Str("Method", "Announce").Str("Device", a.ID).Err(err).Msg("connect failed")
		if dropped {
			e.session.Close()
		}
		return err
	case moved:
		announcementsTotal.WithLabelValues("moved").Inc()
	case exists:
		announcementsTotal.WithLabelValues("reconnected").Inc()
	default:
		announcementsTotal.WithLabelValues("created").Inc()
	}
	return nil
}

// Remove disconnects and forgets the device.
func (r *Registry) Remove(ctx context.Context, id string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		knownDevices.Dec()
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.log.Info().Str("Method", "Remove").Str("Device", id).Msg("device gone")
	e.session.Close()
}

// Device returns the session of id.
func (r *Registry) Device(id string) (*castprotocol.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Lookup is Device with an ErrUnknownDevice error for unknown ids.
func (r *Registry) Lookup(id string) (*castprotocol.Session, error) {
	s, ok := r.Device(id)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDevice, "device %q", id)
	}
	return s, nil
}

// Devices returns every registered session ordered by display name.
func (r *Registry) Devices() []*castprotocol.Session {
	r.mu.Lock()
	out := make([]*castprotocol.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ni := strings.ToLower(out[i].Identity().DisplayName())
		nj := strings.ToLower(out[j].Identity().DisplayName())
		if ni != nj {
			return ni < nj
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// DiscoverDevices triggers an active query, waits timeout for replies and
// returns the registered devices. Devices answering after the window show
// up on the next call.
func (r *Registry) DiscoverDevices(ctx context.Context, timeout time.Duration) ([]*castprotocol.Session, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoverTimeout
	}

	if r.backend != nil {
		if err := r.backend.Query(ctx); err != nil {
			r.log.Warn().Str("Method", "DiscoverDevices").Err(err).Msg("active query failed")
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return r.Devices(), nil
}

// Close closes every session and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for id, e := range r.sessions {
		entries = append(entries, e)
		delete(r.sessions, id)
		knownDevices.Dec()
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(s *castprotocol.Session) {
			defer wg.Done()
			s.Close()
		}(e.session)
	}
	wg.Wait()
}
