package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// naiveLayout is a zone-less UTC date-time. Fractional seconds are written
// only when non-zero and accepted on input either way.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Timestamp is a UTC instant serialized without a zone designator,
// e.g. "2023-10-01T12:34:56".
type Timestamp struct {
	time.Time
}

// NewTimestamp converts t to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// ParseTimestamp accepts only the naive form. Zoned input is rejected so a
// relayed value is never re-serialized as a different string.
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.ParseInLocation(naiveLayout, s, time.UTC)
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return NewTimestamp(t), nil
}

func (t Timestamp) String() string {
	return t.UTC().Format(naiveLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("timestamp must not be null")
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
