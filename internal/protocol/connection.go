package protocol

import (
	"encoding/json"
	"fmt"
)

// Status is the presence state a participant announces to its room.
type Status string

const (
	StatusConnected    Status = "Connected"
	StatusStayingAlive Status = "StayingAlive"
	StatusDisconnected Status = "Disconnected"
)

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("status must be a string: %w", err)
	}
	switch v := Status(raw); v {
	case StatusConnected, StatusStayingAlive, StatusDisconnected:
		*s = v
		return nil
	default:
		return fmt.Errorf("unknown connection status %q", raw)
	}
}

// PublicKey is the JWK a client publishes for end-to-end key exchange.
type PublicKey struct {
	Crv    string   `json:"crv"`
	Ext    bool     `json:"ext"`
	KeyOps []string `json:"key_ops"`
	Kty    string   `json:"kty"`
	X      string   `json:"x"`
	Y      string   `json:"y"`
}

func (k *PublicKey) UnmarshalJSON(data []byte) error {
	if err := requireFields(data, "crv", "ext", "key_ops", "kty", "x", "y"); err != nil {
		return fmt.Errorf("public_key: %w", err)
	}
	type plain PublicKey
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*k = PublicKey(p)
	return nil
}

// MarshalJSON keeps key_ops an array even when empty.
func (k PublicKey) MarshalJSON() ([]byte, error) {
	type plain PublicKey
	p := plain(k)
	if p.KeyOps == nil {
		p.KeyOps = []string{}
	}
	return json.Marshal(p)
}

// Connection announces a participant's presence and public key.
type Connection struct {
	Status    Status    `json:"status"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	PublicKey PublicKey `json:"public_key"`
}

func (c *Connection) UnmarshalJSON(data []byte) error {
	if err := requireFields(data, "status", "user_id", "user_name", "public_key"); err != nil {
		return err
	}
	type plain Connection
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Connection(p)
	return nil
}
