package castprotocol

import "time"

// PlayerState is the media player state reported by the receiver.
type PlayerState string

const (
	PlayerPlaying   PlayerState = "PLAYING"
	PlayerPaused    PlayerState = "PAUSED"
	PlayerBuffering PlayerState = "BUFFERING"
	PlayerIdle      PlayerState = "IDLE"
	PlayerUnknown   PlayerState = "UNKNOWN"
)

func parsePlayerState(s string) PlayerState {
	switch PlayerState(s) {
	case PlayerPlaying, PlayerPaused, PlayerBuffering, PlayerIdle:
		return PlayerState(s)
	default:
		return PlayerUnknown
	}
}

// Metadata fallbacks returned when nothing better is known.
const (
	DefaultTitle       = "Unknown title"
	DefaultArtist      = "Unknown artist"
	DefaultAlbumTitle  = "Unknown album"
	DefaultAlbumArtist = "Unknown album artist"
	DefaultImageURL    = ""
)

// MediaStatus is the last status snapshot pushed by the media receiver.
type MediaStatus struct {
	PlayerState    PlayerState
	MediaSessionID int
	CurrentTime    float64
}

// Image is a piece of artwork attached to the media.
type Image struct {
	URL string `json:"url"`
}

// MediaMetadata is the display metadata embedded in a media status.
type MediaMetadata struct {
	Title       string  `json:"title"`
	Artist      string  `json:"artist"`
	AlbumName   string  `json:"albumName"`
	AlbumArtist string  `json:"albumArtist"`
	Images      []Image `json:"images"`
}

// MediaTracker derives playback position and display metadata from the
// latest media status. A nil Status or Details means "not known", whether it
// was never received or cleared since.
//
// MediaTracker is a value type; Apply and Clear return updated copies and the
// referenced status and metadata are never mutated.
type MediaTracker struct {
	Status          *MediaStatus
	StatusUpdatedAt time.Time
	Details         *MediaMetadata
	DetailsAt       time.Time
}

// Apply records a pushed status. Details replace the previous ones only when
// the push carried embedded media information.
func (t MediaTracker) Apply(status MediaStatus, details *MediaMetadata, now time.Time) MediaTracker {
	t.Status = &status
	t.StatusUpdatedAt = now
	if details != nil {
		t.Details = details
		t.DetailsAt = now
	}
	return t
}

// Clear forgets status and details.
func (t MediaTracker) Clear() MediaTracker {
	return MediaTracker{}
}

// PlayerState returns PlayerUnknown while no status is known.
func (t MediaTracker) PlayerState() PlayerState {
	if t.Status == nil {
		return PlayerUnknown
	}
	return t.Status.PlayerState
}

// LastKnownCurrentTime returns the position of the last status, if any.
func (t MediaTracker) LastKnownCurrentTime() (float64, bool) {
	if t.Status == nil {
		return 0, false
	}
	return t.Status.CurrentTime, true
}

// EstimatedCurrentTime extrapolates the last known position by the wall
// clock time elapsed since it was received.
func (t MediaTracker) EstimatedCurrentTime(now time.Time) (float64, bool) {
	current, ok := t.LastKnownCurrentTime()
	if !ok {
		return 0, false
	}
	return current + now.Sub(t.StatusUpdatedAt).Seconds(), true
}

func (t MediaTracker) metadataField(get func(*MediaMetadata) string, fallback string) string {
	if t.Details == nil {
		return fallback
	}
	if v := get(t.Details); v != "" {
		return v
	}
	return fallback
}

func (t MediaTracker) Title() string {
	return t.metadataField(func(m *MediaMetadata) string { return m.Title }, DefaultTitle)
}

func (t MediaTracker) Artist() string {
	return t.metadataField(func(m *MediaMetadata) string { return m.Artist }, DefaultArtist)
}

func (t MediaTracker) AlbumTitle() string {
	return t.metadataField(func(m *MediaMetadata) string { return m.AlbumName }, DefaultAlbumTitle)
}

func (t MediaTracker) AlbumArtist() string {
	return t.metadataField(func(m *MediaMetadata) string { return m.AlbumArtist }, DefaultAlbumArtist)
}

// ImageURL returns the first image of the metadata.
func (t MediaTracker) ImageURL() string {
	if t.Details == nil || len(t.Details.Images) == 0 || t.Details.Images[0].URL == "" {
		return DefaultImageURL
	}
	return t.Details.Images[0].URL
}
