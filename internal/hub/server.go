package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/h2non/filetype"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go2tv.app/castremote/castprotocol"
	"go2tv.app/castremote/devices"
)

const (
	imageHTTPClientTimeout         = 10 * time.Second
	imageHTTPDialTimeout           = 5 * time.Second
	imageHTTPResponseHeaderTimeout = 5 * time.Second
	imageRetryMax                  = 2
	// Album art larger than this is not proxied.
	maxImageBytes = 8 << 20
)

var imageHTTPTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   imageHTTPDialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ResponseHeaderTimeout: imageHTTPResponseHeaderTimeout,
	IdleConnTimeout:       90 * time.Second,
}

func newRetryableHTTPClient(retryMax int) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{
		Timeout:   imageHTTPClientTimeout,
		Transport: imageHTTPTransport,
	}

	return retryClient.StandardClient()
}

// ServerConfig configures the hub HTTP API.
type ServerConfig struct {
	// RequestsPerMinute per client IP. Zero disables rate limiting.
	RequestsPerMinute int
	// DiscoverTimeout bounds GET /devices?discover=true.
	DiscoverTimeout time.Duration
	// ImageClient fetches album art. Defaults to a retrying client.
	ImageClient *http.Client
	Log         zerolog.Logger
}

// Server exposes a Controller over HTTP.
type Server struct {
	controller *Controller
	cfg        ServerConfig
	images     *http.Client
	router     chi.Router
}

// NewServer builds the router for controller.
func NewServer(controller *Controller, cfg ServerConfig) *Server {
	s := &Server{
		controller: controller,
		cfg:        cfg,
		images:     cfg.ImageClient,
	}
	if s.images == nil {
		s.images = newRetryableHTTPClient(imageRetryMax)
	}

	r := chi.NewRouter()
	if cfg.RequestsPerMinute > 0 {
		r.Use(httprate.Limit(
			cfg.RequestsPerMinute,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, errors.New("too many requests"))
			}),
		))
	}

	r.Get("/devices", s.handleDevices)
	r.Route("/devices/{id}", func(r chi.Router) {
		r.Post("/buttons/{button}", s.handleButton)
		r.Get("/power", s.handlePower)
		r.Get("/metadata", s.handleMetadata)
		r.Get("/image", s.handleImage)
	})
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	s.cfg.Log.Info().Str("Method", "ListenAndServe").Str("Address", addr).Msg("hub listening")

	select {
	case err := <-errc:
		return errors.Wrap(err, "hub server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "hub shutdown")
	}
	return nil
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	discover, _ := strconv.ParseBool(r.URL.Query().Get("discover"))
	if !discover {
		writeJSON(w, http.StatusOK, s.controller.Devices())
		return
	}

	found, err := s.controller.DiscoverDevices(r.Context(), s.cfg.DiscoverTimeout)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleButton(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	button, err := url.PathUnescape(chi.URLParam(r, "button"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.controller.HandleButtonPress(r.Context(), button, id); err != nil {
		s.cfg.Log.Debug().Str("Method", "handleButton").Str("Device", id).Str("Button", button).Err(err).Msg("button press failed")
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	on, err := s.controller.PowerState(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"powerOn": on})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	m, err := s.controller.Metadata(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleImage proxies the album art of the current media. The content type
// is sniffed from the body since receivers often serve art with a generic
// type.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	imageURL, err := s.controller.MediaImageURL(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if imageURL == castprotocol.DefaultImageURL {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, imageURL, nil)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	resp, err := s.images.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		writeError(w, http.StatusBadGateway, fmt.Errorf("image fetch: %s", resp.Status))
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	kind, err := filetype.Match(body)
	if err != nil || !filetype.IsImage(body) {
		writeError(w, http.StatusBadGateway, errors.New("image fetch: not an image"))
		return
	}

	w.Header().Set("Content-Type", kind.MIME.Value)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, devices.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, ErrUnimplementedOperation):
		return http.StatusNotImplemented
	case errors.Is(err, castprotocol.ErrChannelUnavailable), errors.Is(err, castprotocol.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
