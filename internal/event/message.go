// Package event defines the file event envelope exchanged between the
// watcher and the graph populator.
package event

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"apollonia/internal/constants"
	"apollonia/internal/prospector"
	apperrors "apollonia/pkg/errors"
)

// Message is the JSON payload published for each prospected file
type Message struct {
	FilePath     string     `json:"file_path"`
	SHA256       string     `json:"sha256_hash"`
	XXH128       string     `json:"xxh128_hash"`
	Size         *int64     `json:"size,omitempty"`
	ModifiedTime *time.Time `json:"modified_time,omitempty"`
	AccessedTime *time.Time `json:"accessed_time,omitempty"`
	ChangedTime  *time.Time `json:"changed_time,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	EventType    string     `json:"event_type"`
	Neighbors    []string   `json:"neighbors"`

	// MediaType only selects the routing key; consumers do not persist it
	MediaType string `json:"media_type,omitempty"`

	// Unparsed names the timestamp fields Decode had to clear
	Unparsed []string `json:"-"`
}

// FromRecord builds the outbound envelope for a prospected file
func FromRecord(rec *prospector.FileRecord, mediaType string) *Message {
	neighbors := rec.Neighbors
	if neighbors == nil {
		neighbors = []string{}
	}
	return &Message{
		FilePath:     rec.Path,
		SHA256:       rec.SHA256,
		XXH128:       rec.XXH128,
		Size:         rec.Size,
		ModifiedTime: rec.ModifiedTime,
		AccessedTime: rec.AccessedTime,
		ChangedTime:  rec.ChangedTime,
		Timestamp:    rec.DiscoveredAt,
		EventType:    rec.EventType,
		Neighbors:    neighbors,
		MediaType:    mediaType,
	}
}

// RoutingKey returns media.<type>.<event> for classified files and
// file.<event> otherwise.
func (m *Message) RoutingKey() string {
	eventType := m.EventType
	if eventType == "" {
		eventType = constants.EventCreated
	}
	if m.MediaType != "" {
		return strings.Join([]string{constants.RoutingPrefixMedia, m.MediaType, eventType}, ".")
	}
	return constants.RoutingPrefixFile + "." + eventType
}

// HashPrefix returns a short form of the SHA-256 for log lines
func (m *Message) HashPrefix() string {
	if len(m.SHA256) < 12 {
		return m.SHA256
	}
	return m.SHA256[:12]
}

// Encode serialises the message for publishing
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates an inbound payload. It fails closed: bad
// encoding, a missing file_path and a relative file_path are all errors.
// Unreadable optional timestamps are cleared rather than rejected. Empty
// neighbor entries are dropped and the list is capped.
func Decode(body []byte) (*Message, error) {
	if !utf8.Valid(body) {
		return nil, apperrors.NewMalformedMessage(len(body), apperrors.NewBaseError(apperrors.ErrorTypeMessage, "invalid UTF-8", nil))
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, apperrors.NewMalformedMessage(len(body), err)
	}

	if strings.TrimSpace(msg.FilePath) == "" {
		return nil, apperrors.NewMissingField("file_path")
	}
	if !filepath.IsAbs(msg.FilePath) {
		return nil, apperrors.NewInvalidField("file_path", "path is not absolute")
	}

	neighbors := make([]string, 0, len(msg.Neighbors))
	for _, n := range msg.Neighbors {
		if strings.TrimSpace(n) == "" {
			continue
		}
		if len(neighbors) == constants.MaxNeighbors {
			break
		}
		neighbors = append(neighbors, n)
	}
	msg.Neighbors = neighbors

	return &msg, nil
}
