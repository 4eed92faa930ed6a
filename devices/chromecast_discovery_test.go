package devices

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu        sync.Mutex
	announced []Announcement
	removed   []string
}

func (s *recordingSink) Announce(_ context.Context, a Announcement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announced = append(s.announced, a)
	return nil
}

func (s *recordingSink) Remove(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, id)
}

func (s *recordingSink) Announced() []Announcement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Announcement(nil), s.announced...)
}

func (s *recordingSink) Removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

func TestAnnouncementFromEntry(t *testing.T) {
	tt := []struct {
		name  string
		entry *mdns.ServiceEntry
		want  Announcement
		ok    bool
	}{
		{
			name: "friendly name from txt",
			entry: &mdns.ServiceEntry{
				Name:       "Chromecast-9f2c._googlecast._tcp.local.",
				AddrV4:     net.ParseIP("192.168.1.40"),
				Port:       8009,
				InfoFields: []string{"id=9f2c", "md=Chromecast", "fn=Living Room"},
			},
			want: Announcement{ID: "Chromecast-9f2c", Host: "192.168.1.40", Port: 8009, Name: "Living Room"},
			ok:   true,
		},
		{
			name: "no friendly name",
			entry: &mdns.ServiceEntry{
				Name:   `Google\ Nest._googlecast._tcp.local.`,
				AddrV4: net.ParseIP("192.168.1.41"),
				Port:   8010,
			},
			want: Announcement{ID: "Google Nest", Host: "192.168.1.41", Port: 8010},
			ok:   true,
		},
		{
			name: "ipv6 only",
			entry: &mdns.ServiceEntry{
				Name:   "Chromecast-1._googlecast._tcp.local.",
				AddrV6: net.ParseIP("fe80::1"),
			},
		},
		{
			name: "other service",
			entry: &mdns.ServiceEntry{
				Name:   "printer._ipp._tcp.local.",
				AddrV4: net.ParseIP("192.168.1.50"),
			},
		},
		{name: "nil"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := announcementFromEntry(tc.entry)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestQueryAllAnnouncesEntries(t *testing.T) {
	b := NewMDNSBackend()
	b.interfaces = func() []net.Interface { return nil }
	b.query = func(p *mdns.QueryParam) error {
		require.Equal(t, googlecastService, p.Service)
		require.Nil(t, p.Interface)
		p.Entries <- &mdns.ServiceEntry{
			Name:       "Chromecast-1._googlecast._tcp.local.",
			AddrV4:     net.ParseIP("10.0.0.2"),
			Port:       8009,
			InfoFields: []string{"fn=Kitchen"},
		}
		p.Entries <- &mdns.ServiceEntry{Name: "junk", AddrV4: net.ParseIP("10.0.0.3")}
		return nil
	}

	sink := &recordingSink{}
	b.queryAll(context.Background(), sink)

	require.Eventually(t, func() bool { return len(sink.Announced()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "Kitchen", sink.Announced()[0].Name)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Equal(t, map[string]string{"Chromecast-1": "10.0.0.2:8009"}, b.known)
}

func TestHealthCheckRemovesUnreachable(t *testing.T) {
	b := NewMDNSBackend()
	b.remember(Announcement{ID: "alive", Host: "10.0.0.2", Port: 8009})
	b.remember(Announcement{ID: "dead", Host: "10.0.0.3", Port: 8009})
	b.isAlive = func(addr string) bool { return addr == "10.0.0.2:8009" }

	sink := &recordingSink{}
	b.healthCheck(context.Background(), sink)
	require.Equal(t, []string{"dead"}, sink.Removed())

	// Forgotten devices are not reported twice.
	b.healthCheck(context.Background(), sink)
	require.Equal(t, []string{"dead"}, sink.Removed())
}

func TestQueryIsThrottled(t *testing.T) {
	b := NewMDNSBackend()

	require.NoError(t, b.Query(context.Background()))
	require.Len(t, b.trigger, 1)
	<-b.trigger

	require.NoError(t, b.Query(context.Background()))
	require.Empty(t, b.trigger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, b.Query(ctx), context.Canceled)
}

func TestRunStopsWithContext(t *testing.T) {
	b := NewMDNSBackend(WithHealthInterval(0))
	b.interfaces = func() []net.Interface { return nil }
	b.query = func(*mdns.QueryParam) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Run(ctx, &recordingSink{}) }()

	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
