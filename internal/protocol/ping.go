package protocol

import (
	"encoding/json"
	"fmt"
)

// Knock distinguishes a liveness probe from its answer.
type Knock string

const (
	KnockPing Knock = "Ping"
	KnockPong Knock = "Pong"
)

func (k *Knock) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ping_type must be a string: %w", err)
	}
	switch v := Knock(raw); v {
	case KnockPing, KnockPong:
		*k = v
		return nil
	default:
		return fmt.Errorf("unknown ping_type %q", raw)
	}
}

// Ping is an application-level liveness probe, distinct from websocket
// control frames.
type Ping struct {
	PingType Knock `json:"ping_type"`
}

func (p *Ping) UnmarshalJSON(data []byte) error {
	if err := requireFields(data, "ping_type"); err != nil {
		return err
	}
	type plain Ping
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Ping(v)
	return nil
}
