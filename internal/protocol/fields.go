package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingField reports a required field that is absent or null.
	ErrMissingField = errors.New("missing required field")
	// ErrUnknownVariant reports an envelope whose data tag is not one of
	// ChatMessage, Connection, GroupKey or Ping.
	ErrUnknownVariant = errors.New("unknown message variant")
)

// requireFields checks that obj is a JSON object holding every name with a
// non-null value.
func requireFields(obj []byte, names ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("%w: expected an object", ErrMissingField)
	}
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}
	return nil
}
