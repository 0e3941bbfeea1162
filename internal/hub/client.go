package hub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"chat_relay/internal/key_exchange"
	"chat_relay/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// OverflowPolicy decides what happens when a member's outbound queue is full.
type OverflowPolicy string

const (
	// OverflowDrop discards the delivery for that member only.
	OverflowDrop OverflowPolicy = "drop"
	// OverflowDisconnect closes the slow session.
	OverflowDisconnect OverflowPolicy = "disconnect"
)

type ClientConfig struct {
	SendBuffer     int
	Overflow       OverflowPolicy
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SendBuffer:     256,
		Overflow:       OverflowDrop,
		MaxMessageSize: 64 * 1024,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
	}
}

// withDefaults replaces non-positive settings, which would otherwise panic
// the ping ticker or expire every read deadline at once.
func (cfg ClientConfig) withDefaults() ClientConfig {
	def := DefaultClientConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.Overflow == "" {
		cfg.Overflow = def.Overflow
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	return cfg
}

// outbound is one queued write. Envelopes are encoded by the write pump;
// binary payloads are echoed as they arrived.
type outbound struct {
	envelope *protocol.Envelope
	binary   []byte
}

// Client runs the protocol for one websocket connection. It is the Mailbox
// the hub holds for that connection.
type Client struct {
	ctx    context.Context
	conn   *websocket.Conn
	broker Broker
	room   string
	userID string
	cfg    ClientConfig

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
	state     sessionState

	now     func() time.Time
	newID   func() string
	onClose func()
}

func NewClient(ctx context.Context, conn *websocket.Conn, broker Broker, room, userID string, cfg ClientConfig, onClose func()) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		ctx:     ctx,
		conn:    conn,
		broker:  broker,
		room:    room,
		userID:  userID,
		cfg:     cfg,
		send:    make(chan outbound, cfg.SendBuffer),
		done:    make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		onClose: onClose,
	}
}

func (c *Client) State() State { return c.state.Load() }

// Open registers the client with the broker. It must be called before the
// pumps start so that Connect precedes every Broadcast this client submits.
func (c *Client) Open() {
	if !c.state.transition(StateConnecting, StateOpen) {
		return
	}
	c.broker.Connect(c.room, c.userID, c)
	slog.Info("Client connected", "room", c.room, "user_id", c.userID)
}

// Deliver queues envelope for this client's socket without blocking.
func (c *Client) Deliver(envelope protocol.Envelope) error {
	return c.enqueue(outbound{envelope: &envelope})
}

func (c *Client) enqueue(msg outbound) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
	}

	if c.cfg.Overflow == OverflowDisconnect {
		slog.Warn("closing slow client", "room", c.room, "user_id", c.userID, "buffer", cap(c.send))
		c.close(websocket.CloseTryAgainLater, "slow consumer")
	}
	return ErrSendBufferFull
}

// ReadPump reads frames until the connection fails or is closed, then
// deregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		c.broker.Disconnect(c.room, c.userID)
		c.state.advance(StateClosed)
		slog.Info("Client disconnected", "room", c.room, "user_id", c.userID)
		if c.onClose != nil {
			c.onClose()
		}
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		slog.Error("failed to set read deadline", "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	c.conn.SetPingHandler(c.answerPing)

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil || c.State() >= StateClosing {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Error("websocket error", "room", c.room, "user_id", c.userID, "error", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.handleText(payload)
		case websocket.BinaryMessage:
			c.handleBinary(payload)
		}
	}
}

// answerPing replies to a transport-level ping on the same socket.
func (c *Client) answerPing(appData string) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		return err
	}
	err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return err
}

func (c *Client) handleText(payload []byte) {
	if c.State() != StateOpen {
		return
	}

	envelope, err := protocol.Decode(payload)
	if err != nil {
		slog.Warn("invalid websocket payload", "room", c.room, "user_id", c.userID, "error", err)
		return
	}

	switch envelope.Kind() {
	case protocol.KindChatMessage:
		in := envelope.Data.ChatMessage
		msg := protocol.NewChatMessage(c.newID(), in.UserID, in.Cipher, in.IV, protocol.NewTimestamp(c.now()))
		c.broker.Broadcast(c.room, protocol.ChatMessageEnvelope(msg))
	case protocol.KindConnection:
		c.logConnection(envelope.Data.Connection)
		c.broker.Broadcast(c.room, envelope)
	case protocol.KindGroupKey:
		key := envelope.Data.GroupKey
		slog.Debug("relaying group key", "room", c.room, "from_user_id", key.FromUserID, "for_user_id", key.ForUserID)
		c.broker.Broadcast(c.room, envelope)
	case protocol.KindPing:
		c.broker.Broadcast(c.room, protocol.PingEnvelope(protocol.KnockPong))
	}
}

func (c *Client) logConnection(conn *protocol.Connection) {
	thumbprint, err := key_exchange.Thumbprint(conn.PublicKey)
	if err != nil {
		slog.Warn("unparsable public key", "room", c.room, "user_id", conn.UserID, "status", conn.Status, "error", err)
		return
	}
	slog.Info("Connection announced", "room", c.room, "user_id", conn.UserID, "user_name", conn.UserName, "status", conn.Status, "thumbprint", thumbprint)
}

// handleBinary echoes the frame to this socket only.
func (c *Client) handleBinary(payload []byte) {
	if c.State() != StateOpen {
		return
	}
	if err := c.enqueue(outbound{binary: payload}); err != nil {
		slog.Warn("failed to echo binary frame", "room", c.room, "user_id", c.userID, "error", err)
	}
}

// WritePump drains the outbound queue onto the socket and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				slog.Debug("write failed", "room", c.room, "user_id", c.userID, "error", err)
				c.close(websocket.CloseInternalServerErr, "")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.close(websocket.CloseInternalServerErr, "")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("ping failed", "room", c.room, "user_id", c.userID, "error", err)
				c.close(websocket.CloseGoingAway, "")
				return
			}
		}
	}
}

func (c *Client) write(msg outbound) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	if msg.envelope == nil {
		return c.conn.WriteMessage(websocket.BinaryMessage, msg.binary)
	}

	frame, err := protocol.Encode(*msg.envelope)
	if err != nil {
		slog.Error("failed to encode envelope", "room", c.room, "kind", msg.envelope.Kind(), "error", err)
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// close marks the client closed at once and tears the socket down in the
// background, so callers on the hub goroutine never wait on socket I/O.
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.advance(StateClosing)
		close(c.done)
		go c.teardown(code, reason)
	})
}

func (c *Client) teardown(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		slog.Debug("failed to send close frame", "room", c.room, "user_id", c.userID, "error", err)
	}
	if err := c.conn.Close(); err != nil {
		slog.Debug("failed to close websocket connection", "error", err)
	}
}
