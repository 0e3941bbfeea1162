package protocol

import "encoding/json"

// GroupKey is a room key re-encrypted for a single recipient.
type GroupKey struct {
	EncryptedKey string    `json:"encrypted_key"`
	IV           string    `json:"iv"`
	CreationDate Timestamp `json:"creation_date"`
	ForUserID    string    `json:"for_user_id"`
	FromUserID   string    `json:"from_user_id"`
}

func (g *GroupKey) UnmarshalJSON(data []byte) error {
	if err := requireFields(data, "encrypted_key", "iv", "creation_date", "for_user_id", "from_user_id"); err != nil {
		return err
	}
	type plain GroupKey
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*g = GroupKey(p)
	return nil
}
