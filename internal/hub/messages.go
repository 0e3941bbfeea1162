package hub

import "chat_relay/internal/protocol"

type opKind int

const (
	opConnect opKind = iota
	opDisconnect
	opBroadcast
	opInspect
)

// operation is one entry of the hub queue. Every mutation and every query
// travels through the same channel so the hub observes them in one total
// order.
type operation struct {
	kind     opKind
	room     string
	userID   string
	mailbox  Mailbox
	envelope protocol.Envelope
	inspect  func(rooms map[string]roomMembers)
}

// Member pairs a user with the mailbox of one of its sessions.
type Member struct {
	UserID  string
	Mailbox Mailbox
}

type roomMembers map[Member]struct{}
