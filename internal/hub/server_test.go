package hub_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go2tv.app/castremote/castprotocol"
	"go2tv.app/castremote/internal/hub"
)

// Smallest valid PNG header, enough for content sniffing.
var pngBytes = []byte{
	0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n',
	0x00, 0x00, 0x00, 0x0d, 'I', 'H', 'D', 'R',
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x08, 0x06, 0x00, 0x00, 0x00,
}

func newTestServer(t *testing.T, h *testHub, cfg hub.ServerConfig) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(hub.NewServer(h.controller, cfg))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServerDevicesAndButtons(t *testing.T) {
	h := newTestHub(t)
	s := h.announce(t)
	srv := newTestServer(t, h, hub.ServerConfig{})

	resp := do(t, http.MethodGet, srv.URL+"/devices")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []hub.Device
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Equal(t, []hub.Device{{ID: deviceID, Name: "Kitchen", Reachable: true}}, list)

	resp = do(t, http.MethodPost, srv.URL+"/devices/nope/buttons/PLAY")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/devices/"+deviceID+"/buttons/VOLUME%20UP")
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/devices/"+deviceID+"/buttons/PLAY")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	h.play(t, s, "PLAYING", nil)
	resp = do(t, http.MethodPost, srv.URL+"/devices/"+deviceID+"/buttons/POWER%20OFF")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, h.conn().SentMatching("", castprotocol.NamespaceReceiver, "STOP"), 1)

	resp = do(t, http.MethodPost, srv.URL+"/devices/"+deviceID+"/buttons/CURSOR%20ENTER")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, h.conn().SentMatching("T1", castprotocol.NamespaceMedia, "PAUSE"), 1)
}

func TestServerPowerAndMetadata(t *testing.T) {
	h := newTestHub(t)
	s := h.announce(t)
	srv := newTestServer(t, h, hub.ServerConfig{})

	resp := do(t, http.MethodGet, srv.URL+"/devices/"+deviceID+"/power")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var power map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&power))
	require.False(t, power["powerOn"])

	h.play(t, s, "PLAYING", map[string]any{"title": "Song", "artist": "Band"})

	resp = do(t, http.MethodGet, srv.URL+"/devices/"+deviceID+"/metadata")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m hub.Metadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	require.Equal(t, "Song", m.Title)
	require.Equal(t, "Band", m.Artist)
	require.Equal(t, castprotocol.DefaultAlbumTitle, m.AlbumTitle)

	resp = do(t, http.MethodGet, srv.URL+"/devices/nope/metadata")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerImageProxy(t *testing.T) {
	art := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cover":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(pngBytes)
		default:
			_, _ = w.Write([]byte("<html>not art</html>"))
		}
	}))
	t.Cleanup(art.Close)

	h := newTestHub(t)
	s := h.announce(t)
	srv := newTestServer(t, h, hub.ServerConfig{ImageClient: art.Client()})

	// No media yet.
	resp := do(t, http.MethodGet, srv.URL+"/devices/"+deviceID+"/image")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	h.play(t, s, "PLAYING", map[string]any{"images": []any{map[string]any{"url": art.URL + "/cover"}}})
	resp = do(t, http.MethodGet, srv.URL+"/devices/"+deviceID+"/image")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	h.play(t, s, "PAUSED", map[string]any{"images": []any{map[string]any{"url": art.URL + "/page"}}})
	resp = do(t, http.MethodGet, srv.URL+"/devices/"+deviceID+"/image")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServerRateLimit(t *testing.T) {
	h := newTestHub(t)
	srv := newTestServer(t, h, hub.ServerConfig{RequestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/devices").StatusCode)
	}
	resp := do(t, http.MethodGet, srv.URL+"/devices")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestServerMetrics(t *testing.T) {
	h := newTestHub(t)
	srv := newTestServer(t, h, hub.ServerConfig{})

	resp := do(t, http.MethodGet, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
