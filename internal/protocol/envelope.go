// Package protocol defines the JSON envelope exchanged over every relay
// connection.
//
// An envelope wraps exactly one externally tagged variant:
//
//	{"data":{"ChatMessage":{...}}}
//	{"data":{"Connection":{...}}}
//	{"data":{"GroupKey":{...}}}
//	{"data":{"Ping":{"ping_type":"Ping"}}}
//
// Payload fields such as cipher, iv and encrypted_key are opaque ciphertext;
// the relay never decrypts them.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Kind names the variant an envelope carries.
type Kind string

const (
	KindChatMessage Kind = "ChatMessage"
	KindConnection  Kind = "Connection"
	KindGroupKey    Kind = "GroupKey"
	KindPing        Kind = "Ping"
)

// Data holds exactly one non-nil variant. Envelopes are treated as immutable
// once handed to the hub, so variant pointers may be shared between members.
type Data struct {
	ChatMessage *ChatMessage
	Connection  *Connection
	GroupKey    *GroupKey
	Ping        *Ping
}

// Envelope is the outer wire object.
type Envelope struct {
	Data Data `json:"data"`
}

func ChatMessageEnvelope(m ChatMessage) Envelope { return Envelope{Data: Data{ChatMessage: &m}} }
func ConnectionEnvelope(c Connection) Envelope   { return Envelope{Data: Data{Connection: &c}} }
func GroupKeyEnvelope(g GroupKey) Envelope       { return Envelope{Data: Data{GroupKey: &g}} }
func PingEnvelope(k Knock) Envelope              { return Envelope{Data: Data{Ping: &Ping{PingType: k}}} }

// Kind reports the carried variant, or "" when the envelope is empty or
// carries more than one.
func (d Data) Kind() Kind {
	var kind Kind
	n := 0
	if d.ChatMessage != nil {
		kind, n = KindChatMessage, n+1
	}
	if d.Connection != nil {
		kind, n = KindConnection, n+1
	}
	if d.GroupKey != nil {
		kind, n = KindGroupKey, n+1
	}
	if d.Ping != nil {
		kind, n = KindPing, n+1
	}
	if n != 1 {
		return ""
	}
	return kind
}

// Kind is shorthand for e.Data.Kind().
func (e Envelope) Kind() Kind {
	return e.Data.Kind()
}

func (d Data) MarshalJSON() ([]byte, error) {
	var payload any
	switch d.Kind() {
	case KindChatMessage:
		payload = d.ChatMessage
	case KindConnection:
		payload = d.Connection
	case KindGroupKey:
		payload = d.GroupKey
	case KindPing:
		payload = d.Ping
	default:
		return nil, errors.New("envelope must carry exactly one variant")
	}
	return json.Marshal(map[Kind]any{d.Kind(): payload})
}

func (d *Data) UnmarshalJSON(raw []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if len(tagged) != 1 {
		tags := make([]string, 0, len(tagged))
		for tag := range tagged {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		return fmt.Errorf("%w: expected exactly one variant, got %v", ErrUnknownVariant, tags)
	}

	var out Data
	for tag, body := range tagged {
		var err error
		switch Kind(tag) {
		case KindChatMessage:
			out.ChatMessage = new(ChatMessage)
			err = json.Unmarshal(body, out.ChatMessage)
		case KindConnection:
			out.Connection = new(Connection)
			err = json.Unmarshal(body, out.Connection)
		case KindGroupKey:
			out.GroupKey = new(GroupKey)
			err = json.Unmarshal(body, out.GroupKey)
		case KindPing:
			out.Ping = new(Ping)
			err = json.Unmarshal(body, out.Ping)
		default:
			return fmt.Errorf("%w: %q", ErrUnknownVariant, tag)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", tag, err)
		}
	}
	*d = out
	return nil
}

// Decode parses one text frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	if err := requireFields(frame, "data"); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode serializes an envelope for a single text frame.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
