package castprotocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Application is a receiver application as listed in a receiver status.
type Application struct {
	AppID       string `mapstructure:"appId"`
	DisplayName string `mapstructure:"displayName"`
	SessionID   string `mapstructure:"sessionId"`
	TransportID string `mapstructure:"transportId"`
	StatusText  string `mapstructure:"statusText"`
}

type receiverStatusMessage struct {
	Type   string `mapstructure:"type"`
	Status struct {
		Applications []Application `mapstructure:"applications"`
	} `mapstructure:"status"`
}

type mediaStatusMessage struct {
	Type   string             `mapstructure:"type"`
	Status []mediaStatusEntry `mapstructure:"status"`
}

type mediaStatusEntry struct {
	MediaSessionID int        `mapstructure:"mediaSessionId"`
	PlayerState    string     `mapstructure:"playerState"`
	CurrentTime    float64    `mapstructure:"currentTime"`
	Media          *mediaItem `mapstructure:"media"`
}

type mediaItem struct {
	ContentID string         `mapstructure:"contentId"`
	Metadata  *mediaMetaItem `mapstructure:"metadata"`
}

type mediaMetaItem struct {
	Title       string `mapstructure:"title"`
	Artist      string `mapstructure:"artist"`
	AlbumName   string `mapstructure:"albumName"`
	AlbumArtist string `mapstructure:"albumArtist"`
	Images      []struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"images"`
}

// decodePayload parses a UTF-8 JSON payload. Anything but a JSON object is
// rejected.
func decodePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("decode payload: not an object")
	}
	return p, nil
}

func decodeInto(p Payload, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(p))
}

// runningApplications returns the applications listed in a receiver status
// message. Missing or malformed fields yield an empty list.
func runningApplications(p Payload) ([]Application, error) {
	var msg receiverStatusMessage
	if err := decodeInto(p, &msg); err != nil {
		return nil, fmt.Errorf("decode receiver status: %w", err)
	}
	return msg.Status.Applications, nil
}

// parseMediaStatus extracts the first media status entry of a MEDIA_STATUS
// message. ok is false when the message lists no status, which means the
// media session ended. details is non-nil only when the entry embedded media
// information.
func parseMediaStatus(p Payload) (status MediaStatus, details *MediaMetadata, ok bool, err error) {
	var msg mediaStatusMessage
	if err := decodeInto(p, &msg); err != nil {
		return MediaStatus{}, nil, false, fmt.Errorf("decode media status: %w", err)
	}
	if len(msg.Status) == 0 {
		return MediaStatus{}, nil, false, nil
	}

	entry := msg.Status[0]
	status = MediaStatus{
		PlayerState:    parsePlayerState(entry.PlayerState),
		MediaSessionID: entry.MediaSessionID,
		CurrentTime:    entry.CurrentTime,
	}

	if entry.Media != nil {
		details = &MediaMetadata{}
		if md := entry.Media.Metadata; md != nil {
			details.Title = md.Title
			details.Artist = md.Artist
			details.AlbumName = md.AlbumName
			details.AlbumArtist = md.AlbumArtist
			for _, img := range md.Images {
				details.Images = append(details.Images, Image{URL: img.URL})
			}
		}
	}

	return status, details, true, nil
}
