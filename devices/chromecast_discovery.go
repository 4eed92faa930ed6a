package devices

import (
	"context"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	googlecastService = "_googlecast._tcp"

	// DefaultQueryInterval is the cadence of periodic mDNS queries.
	DefaultQueryInterval = 10 * time.Second
	// mDNS query timeout per request
	chromecastQueryTimeout = 750 * time.Millisecond
	// Cadence of the reachability check of known devices
	chromecastHealthInterval = 5 * time.Second
	// On-demand queries allowed per second
	chromecastQueryRate = 1
)

// MDNSBackend discovers Cast devices with periodic mDNS queries on every
// active network interface. Devices whose control port stops answering are
// reported as removed.
type MDNSBackend struct {
	queryInterval  time.Duration
	healthInterval time.Duration
	log            zerolog.Logger

	limiter *rate.Limiter
	trigger chan struct{}

	// Swapped in tests.
	query      func(*mdns.QueryParam) error
	interfaces func() []net.Interface
	isAlive    func(address string) bool

	mu    sync.Mutex
	known map[string]string // id -> host:port
}

// MDNSOption configures an MDNSBackend.
type MDNSOption func(*MDNSBackend)

// WithQueryInterval overrides DefaultQueryInterval.
func WithQueryInterval(d time.Duration) MDNSOption {
	return func(b *MDNSBackend) {
		if d > 0 {
			b.queryInterval = d
		}
	}
}

// WithHealthInterval sets how often known devices are probed. Zero or less
// disables removals.
func WithHealthInterval(d time.Duration) MDNSOption {
	return func(b *MDNSBackend) { b.healthInterval = d }
}

// WithMDNSLogger sets the backend logger.
func WithMDNSLogger(l zerolog.Logger) MDNSOption {
	return func(b *MDNSBackend) { b.log = l }
}

// NewMDNSBackend returns a backend querying for _googlecast._tcp.
func NewMDNSBackend(opts ...MDNSOption) *MDNSBackend {
	b := &MDNSBackend{
		queryInterval:  DefaultQueryInterval,
		healthInterval: chromecastHealthInterval,
		log:            zerolog.Nop(),
		limiter:        rate.NewLimiter(rate.Every(time.Second/chromecastQueryRate), 1),
		trigger:        make(chan struct{}, 1),
		query:          mdns.Query,
		interfaces:     getActiveNetworkInterfaces,
		isAlive:        HostPortIsAlive,
		known:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run queries immediately, then every query interval and on every Query call,
// until ctx is done.
func (b *MDNSBackend) Run(ctx context.Context, sink Sink) error {
	queryTicker := time.NewTicker(b.queryInterval)
	defer queryTicker.Stop()

	var health <-chan time.Time
	if b.healthInterval > 0 {
		healthTicker := time.NewTicker(b.healthInterval)
		defer healthTicker.Stop()
		health = healthTicker.C
	}

	b.queryAll(ctx, sink)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-queryTicker.C:
			b.queryAll(ctx, sink)
		case <-b.trigger:
			b.queryAll(ctx, sink)
		case <-health:
			b.healthCheck(ctx, sink)
		}
	}
}

// Query schedules an immediate query. Calls beyond the rate limit are
// dropped since a query is already on its way.
func (b *MDNSBackend) Query(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.limiter.Allow() {
		return nil
	}
	select {
	case b.trigger <- struct{}{}:
	default:
	}
	return nil
}

// queryAll runs one query per active interface and announces every Cast
// entry. Announcements run concurrently since connecting a new device
// dials it.
func (b *MDNSBackend) queryAll(ctx context.Context, sink Sink) {
	entriesCh := make(chan *mdns.ServiceEntry, 256)
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for entry := range entriesCh {
			a, ok := announcementFromEntry(entry)
			if !ok {
				continue
			}
			b.remember(a)
			go func() {
				if err := sink.Announce(ctx, a); err != nil {
					b.log.Debug().Str("Method", "queryAll").Str("Device", a.ID).Err(err).Msg("announce failed")
				}
			}()
		}
	}()

	queryIface := func(iface *net.Interface) {
		params := mdns.DefaultParams(googlecastService)
		params.Entries = entriesCh
		params.Timeout = chromecastQueryTimeout
		params.DisableIPv6 = true
		params.WantUnicastResponse = true
		params.Logger = log.New(io.Discard, "", 0)
		params.Interface = iface
		if err := b.query(params); err != nil {
			b.log.Debug().Str("Method", "queryAll").Err(err).Msg("mdns query failed")
		}
	}

	interfaces := b.interfaces()
	if len(interfaces) > 0 {
		var wg sync.WaitGroup
		for _, iface := range interfaces {
			wg.Add(1)
			go func(iface net.Interface) {
				defer wg.Done()
				queryIface(&iface)
			}(iface)
		}
		wg.Wait()
	} else {
		queryIface(nil)
	}

	close(entriesCh)
	<-doneCh
}

func (b *MDNSBackend) remember(a Announcement) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.known[a.ID] = a.Identity().Addr()
}

// healthCheck reports known devices whose control port no longer accepts
// connections as removed.
func (b *MDNSBackend) healthCheck(ctx context.Context, sink Sink) {
	b.mu.Lock()
	known := make(map[string]string, len(b.known))
	for id, addr := range b.known {
		known[id] = addr
	}
	b.mu.Unlock()

	for id, addr := range known {
		if b.isAlive(addr) {
			continue
		}

		b.mu.Lock()
		if b.known[id] == addr {
			delete(b.known, id)
		}
		b.mu.Unlock()

		b.log.Info().Str("Method", "healthCheck").Str("Device", id).Str("Address", addr).Msg("device unreachable")
		sink.Remove(ctx, id)
	}
}

// announcementFromEntry turns a _googlecast._tcp entry into an announcement.
// The id is the service instance name, e.g. "Chromecast-7a9b...". The
// display name comes from the fn= TXT record.
func announcementFromEntry(entry *mdns.ServiceEntry) (Announcement, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return Announcement{}, false
	}
	if !strings.Contains(entry.Name, "_googlecast") {
		return Announcement{}, false
	}

	id := entry.Name
	if idx := strings.Index(id, "._googlecast"); idx > 0 {
		id = id[:idx]
	}
	id = strings.ReplaceAll(id, `\ `, " ")

	friendlyName := ""
	for _, txt := range entry.InfoFields {
		if after, ok := strings.CutPrefix(txt, "fn="); ok {
			friendlyName = after
			break
		}
	}

	return Announcement{
		ID:   id,
		Host: entry.AddrV4.String(),
		Port: entry.Port,
		Name: friendlyName,
	}, true
}

// getActiveNetworkInterfaces returns all network interfaces that are up,
// multicast-capable, not loopback, and have an IPv4 address. This is used to query mDNS on
// all possible interfaces where Chromecast devices might be reachable.
func getActiveNetworkInterfaces() []net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		// Skip down, loopback, or non-multicast interfaces.
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				active = append(active, iface)
				break
			}
		}
	}

	return active
}

// HostPortIsAlive checks if a device at the given address is reachable via TCP connection.
// Returns true if the connection succeeds within 2 seconds.
func HostPortIsAlive(address string) bool {
	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
