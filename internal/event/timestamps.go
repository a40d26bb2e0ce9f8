package event

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// timestampLayouts are tried in order. Inputs without an offset are read
// as UTC. Fractional seconds are accepted by every layout.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07",
	"2006-01-02T15:04:05",
}

// ParseTimestamp reads an ISO-8601 date-time: RFC 3339, a ±hhmm or ±hh
// offset, no offset at all, and a space in place of the T separator.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// UnmarshalJSON decodes the envelope with lenient timestamps. A timestamp
// that is present but unreadable is cleared and its field name recorded
// in Unparsed; the rest of the message still decodes.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		ModifiedTime json.RawMessage `json:"modified_time"`
		AccessedTime json.RawMessage `json:"accessed_time"`
		ChangedTime  json.RawMessage `json:"changed_time"`
		Timestamp    json.RawMessage `json:"timestamp"`
	}{plain: (*plain)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.Unparsed = nil
	m.ModifiedTime = m.timestampField("modified_time", aux.ModifiedTime)
	m.AccessedTime = m.timestampField("accessed_time", aux.AccessedTime)
	m.ChangedTime = m.timestampField("changed_time", aux.ChangedTime)
	m.Timestamp = time.Time{}
	if t := m.timestampField("timestamp", aux.Timestamp); t != nil {
		m.Timestamp = *t
	}
	return nil
}

func (m *Message) timestampField(name string, raw json.RawMessage) *time.Time {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		m.Unparsed = append(m.Unparsed, name)
		return nil
	}
	if strings.TrimSpace(s) == "" {
		return nil
	}
	t, ok := ParseTimestamp(s)
	if !ok {
		m.Unparsed = append(m.Unparsed, name)
		return nil
	}
	return &t
}
