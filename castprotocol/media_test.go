package castprotocol

import (
	"testing"
	"time"
)

func TestMediaTrackerFallbacks(t *testing.T) {
	var tr MediaTracker

	if got := tr.PlayerState(); got != PlayerUnknown {
		t.Errorf("PlayerState() = %q, want %q", got, PlayerUnknown)
	}
	if _, ok := tr.EstimatedCurrentTime(time.Now()); ok {
		t.Error("EstimatedCurrentTime() ok = true without status")
	}

	tt := []struct {
		name string
		got  string
		want string
	}{
		{"title", tr.Title(), DefaultTitle},
		{"artist", tr.Artist(), DefaultArtist},
		{"album", tr.AlbumTitle(), DefaultAlbumTitle},
		{"album artist", tr.AlbumArtist(), DefaultAlbumArtist},
		{"image", tr.ImageURL(), DefaultImageURL},
	}
	for _, tc := range tt {
		if tc.got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestMediaTrackerApply(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tr MediaTracker

	tr = tr.Apply(MediaStatus{PlayerState: PlayerPlaying, MediaSessionID: 1, CurrentTime: 100}, &MediaMetadata{
		Title:  "Title",
		Images: []Image{{URL: "http://a"}, {URL: "http://b"}},
	}, t0)

	if got, _ := tr.EstimatedCurrentTime(t0); got != 100 {
		t.Errorf("EstimatedCurrentTime(t0) = %v, want 100", got)
	}
	if got, _ := tr.EstimatedCurrentTime(t0.Add(2500 * time.Millisecond)); got != 102.5 {
		t.Errorf("EstimatedCurrentTime(t0+2.5s) = %v, want 102.5", got)
	}
	if got := tr.ImageURL(); got != "http://a" {
		t.Errorf("ImageURL() = %q, want first image", got)
	}
	if got := tr.Artist(); got != DefaultArtist {
		t.Errorf("Artist() = %q, want fallback for empty field", got)
	}

	// Pushes without details keep the previous ones.
	prev := tr
	tr = tr.Apply(MediaStatus{PlayerState: PlayerPaused, CurrentTime: 5}, nil, t0.Add(time.Second))
	if got := tr.Title(); got != "Title" {
		t.Errorf("Title() = %q after status without media", got)
	}
	if got := tr.PlayerState(); got != PlayerPaused {
		t.Errorf("PlayerState() = %q, want PAUSED", got)
	}
	if prev.PlayerState() != PlayerPlaying {
		t.Error("Apply modified the previous tracker value")
	}

	tr = tr.Clear()
	if tr.Status != nil || tr.Details != nil {
		t.Error("Clear() kept status or details")
	}
}

func TestParsePlayerState(t *testing.T) {
	for in, want := range map[string]PlayerState{
		"PLAYING":   PlayerPlaying,
		"PAUSED":    PlayerPaused,
		"BUFFERING": PlayerBuffering,
		"IDLE":      PlayerIdle,
		"LOADING":   PlayerUnknown,
		"":          PlayerUnknown,
	} {
		if got := parsePlayerState(in); got != want {
			t.Errorf("parsePlayerState(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	if _, err := decodePayload(`[1,2]`); err == nil {
		t.Error("decodePayload(array) err = nil")
	}
	if _, err := decodePayload(`null`); err == nil {
		t.Error("decodePayload(null) err = nil")
	}

	p, err := decodePayload(`{"type":"RECEIVER_STATUS","status":{"applications":[{"transportId":"web-1","sessionId":"abc"}]}}`)
	if err != nil {
		t.Fatalf("decodePayload() err = %v", err)
	}
	apps, err := runningApplications(p)
	if err != nil {
		t.Fatalf("runningApplications() err = %v", err)
	}
	if len(apps) != 1 || apps[0].TransportID != "web-1" || apps[0].SessionID != "abc" {
		t.Errorf("runningApplications() = %+v", apps)
	}
}
