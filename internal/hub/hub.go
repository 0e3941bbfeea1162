// Package hub keeps the room membership table and runs the per-connection
// protocol sessions.
//
// A single goroutine (Hub.Run) owns the table. Clients never touch it; they
// submit Connect, Disconnect and Broadcast operations through one queue, which
// gives every caller the same total order without locking the table.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"chat_relay/internal/protocol"
)

var (
	// ErrClientClosed is returned by Deliver once the session has ended.
	ErrClientClosed = errors.New("client closed")
	// ErrSendBufferFull is returned by Deliver when the outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrHubStopped is returned by queries submitted after the hub stopped.
	ErrHubStopped = errors.New("hub stopped")
	// ErrInvalidMailbox marks a mailbox the membership set cannot hold.
	ErrInvalidMailbox = errors.New("invalid mailbox")
)

// Mailbox is the write-only handle the hub uses to push an envelope into a
// session's outbound path. The hub never closes or otherwise controls it.
// Implementations must be comparable, usually a pointer, and must not block.
type Mailbox interface {
	Deliver(envelope protocol.Envelope) error
}

// Broker is the part of the hub a session talks to.
type Broker interface {
	Connect(room, userID string, mailbox Mailbox)
	Disconnect(room, userID string)
	Broadcast(room string, envelope protocol.Envelope)
}

// Stats summarizes the membership table.
type Stats struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
}

type Hub struct {
	ctx       context.Context
	rooms     map[string]roomMembers
	inbox     chan operation
	reapEmpty bool
	done      chan struct{}
}

// Option tunes a Hub.
type Option func(*Hub)

// WithQueueSize bounds the operation queue. Submitters block only while the
// queue is full.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.inbox = make(chan operation, n)
		}
	}
}

// WithEmptyRoomReaping removes a room entry once its last member leaves.
func WithEmptyRoomReaping(enabled bool) Option {
	return func(h *Hub) {
		h.reapEmpty = enabled
	}
}

func NewHub(ctx context.Context, opts ...Option) *Hub {
	h := &Hub{
		ctx:   ctx,
		rooms: make(map[string]roomMembers),
		inbox: make(chan operation, 1024),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run consumes the operation queue until the hub context is cancelled.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			slog.Info("Hub shutting down", "rooms", len(h.rooms))
			return
		case op := <-h.inbox:
			h.apply(op)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) apply(op operation) {
	switch op.kind {
	case opConnect:
		h.connect(op.room, Member{UserID: op.userID, Mailbox: op.mailbox})
	case opDisconnect:
		h.disconnect(op.room, op.userID)
	case opBroadcast:
		h.broadcast(op.room, op.envelope)
	case opInspect:
		op.inspect(h.rooms)
	}
}

func (h *Hub) connect(room string, member Member) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(roomMembers)
		h.rooms[room] = members
	}
	members[member] = struct{}{}
	slog.Info("Adding client to chat", "room", room, "user_id", member.UserID, "members", len(members))
}

func (h *Hub) disconnect(room, userID string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	for member := range members {
		if member.UserID == userID {
			delete(members, member)
		}
	}
	slog.Info("Removing client from chat", "room", room, "user_id", userID, "members", len(members))

	if h.reapEmpty && len(members) == 0 {
		delete(h.rooms, room)
		slog.Debug("Reaped empty room", "room", room)
	}
}

func (h *Hub) broadcast(room string, envelope protocol.Envelope) {
	members, ok := h.rooms[room]
	if !ok {
		slog.Debug("broadcast to unknown room", "room", room, "kind", envelope.Kind())
		return
	}
	for member := range members {
		if err := member.Mailbox.Deliver(envelope); err != nil {
			if errors.Is(err, ErrClientClosed) {
				slog.Debug("skipping closed client", "room", room, "user_id", member.UserID)
				continue
			}
			slog.Warn("failed to deliver message", "room", room, "user_id", member.UserID, "kind", envelope.Kind(), "error", err)
		}
	}
}

func (h *Hub) submit(op operation) bool {
	select {
	case h.inbox <- op:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Connect adds (userID, mailbox) to room, creating the room if needed.
// Mailboxes that cannot serve as map keys are refused here, on the caller's
// goroutine, instead of panicking inside Run.
func (h *Hub) Connect(room, userID string, mailbox Mailbox) {
	if err := checkMailbox(mailbox); err != nil {
		slog.Error("refusing member", "room", room, "user_id", userID, "error", err)
		return
	}
	h.submit(operation{kind: opConnect, room: room, userID: userID, mailbox: mailbox})
}

func checkMailbox(mailbox Mailbox) error {
	if mailbox == nil {
		return ErrInvalidMailbox
	}
	if !reflect.TypeOf(mailbox).Comparable() {
		return fmt.Errorf("%w: %T is not comparable", ErrInvalidMailbox, mailbox)
	}
	return nil
}

// Disconnect removes every entry of userID from room. Absent members are
// ignored.
func (h *Hub) Disconnect(room, userID string) {
	h.submit(operation{kind: opDisconnect, room: room, userID: userID})
}

// Broadcast delivers envelope to every current member of room, the sender
// included. Unknown rooms are ignored.
func (h *Hub) Broadcast(room string, envelope protocol.Envelope) {
	h.submit(operation{kind: opBroadcast, room: room, envelope: envelope})
}

// inspect runs fn on the hub goroutine after every previously submitted
// operation has been applied.
func (h *Hub) inspect(ctx context.Context, fn func(rooms map[string]roomMembers)) error {
	finished := make(chan struct{})
	op := operation{
		kind: opInspect,
		inspect: func(rooms map[string]roomMembers) {
			defer close(finished)
			fn(rooms)
		},
	}

	select {
	case h.inbox <- op:
	case <-h.ctx.Done():
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Members returns the distinct user ids currently in room, sorted.
func (h *Hub) Members(ctx context.Context, room string) ([]string, error) {
	var users []string
	err := h.inspect(ctx, func(rooms map[string]roomMembers) {
		users = distinctUsers(rooms[room])
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// Stats counts rooms and distinct members per room.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := h.inspect(ctx, func(rooms map[string]roomMembers) {
		stats.Rooms = len(rooms)
		for _, members := range rooms {
			stats.Members += len(distinctUsers(members))
		}
	})
	return stats, err
}

func distinctUsers(members roomMembers) []string {
	seen := make(map[string]struct{}, len(members))
	users := make([]string, 0, len(members))
	for member := range members {
		if _, ok := seen[member.UserID]; ok {
			continue
		}
		seen[member.UserID] = struct{}{}
		users = append(users, member.UserID)
	}
	sort.Strings(users)
	return users
}
