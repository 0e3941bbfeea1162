package protocol

import "encoding/json"

// ChatMessage carries an end-to-end encrypted chat line. Cipher and IV are
// opaque to the server; UUID and SentAt are assigned by the relay.
type ChatMessage struct {
	UUID   *string    `json:"uuid"`
	UserID string     `json:"user_id"`
	Cipher string     `json:"cipher"`
	IV     string     `json:"iv"`
	SentAt *Timestamp `json:"message_sent_at"`
}

// NewChatMessage builds a server-stamped chat message.
func NewChatMessage(id, userID, cipher, iv string, sentAt Timestamp) ChatMessage {
	return ChatMessage{
		UUID:   &id,
		UserID: userID,
		Cipher: cipher,
		IV:     iv,
		SentAt: &sentAt,
	}
}

func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	if err := requireFields(data, "user_id", "cipher", "iv"); err != nil {
		return err
	}
	type plain ChatMessage
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = ChatMessage(p)
	return nil
}
