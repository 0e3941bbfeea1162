package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"chat_relay/internal/auth"
	"chat_relay/internal/database"
	"chat_relay/internal/hub"
	"chat_relay/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	*httptest.Server
	hub *hub.Hub
}

func newTestServer(t *testing.T, origins []string, opts ...ControllerOption) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.NewHub(ctx)
	go h.Run()
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})

	policy := newCORS(origins)
	controller := NewController(ctx, h, newUpgrader(policy), opts...)
	srv := httptest.NewServer(NewHandler(controller, policy))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, hub: h}
}

func (s *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

func (s *testServer) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(path), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitMembers polls the hub until room holds exactly want users.
func (s *testServer) waitMembers(t *testing.T, room string, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		members, err := s.hub.Members(context.Background(), room)
		if err != nil {
			t.Fatalf("Members: %v", err)
		}
		if len(members) == want {
			return members
		}
		if time.Now().After(deadline) {
			t.Fatalf("room %s has %d members, want %d", room, len(members), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", messageType)
	}
	envelope, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("decode %s: %v", frame, err)
	}
	return envelope
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, frame, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame %s", frame)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("read error = %v, want timeout", err)
	}
}

func TestChatScenario(t *testing.T) {
	s := newTestServer(t, []string{"*"})
	room1, room2 := uuid.NewString(), uuid.NewString()

	a := s.dial(t, "/ws/"+room1, nil)
	b := s.dial(t, "/ws/"+room1, nil)
	c := s.dial(t, "/ws/"+room2, nil)
	s.waitMembers(t, room1, 2)
	s.waitMembers(t, room2, 1)

	err := a.WriteMessage(websocket.TextMessage, []byte(`{"data":{"ChatMessage":{"user_id":"A","cipher":"c1","iv":"v1"}}}`))
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		env := readEnvelope(t, conn)
		msg := env.Data.ChatMessage
		if msg == nil {
			t.Fatalf("%s received %s, want ChatMessage", name, env.Kind())
		}
		if msg.UserID != "A" || msg.Cipher != "c1" || msg.IV != "v1" {
			t.Errorf("%s received altered payload %+v", name, msg)
		}
		if msg.UUID == nil || msg.SentAt == nil {
			t.Fatalf("%s received unstamped message", name)
		}
		if _, err := uuid.Parse(*msg.UUID); err != nil {
			t.Errorf("server id %q is not a uuid", *msg.UUID)
		}
		if time.Since(msg.SentAt.Time) > time.Minute {
			t.Errorf("message_sent_at %s is not current", msg.SentAt)
		}
		ids = append(ids, *msg.UUID)
	}
	if ids[0] != ids[1] {
		t.Errorf("members saw different ids %v", ids)
	}
	expectSilence(t, c)

	a.Close()
	s.waitMembers(t, room1, 1)

	if err := b.WriteMessage(websocket.TextMessage, []byte(`{"data":{"Ping":{"ping_type":"Ping"}}}`)); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, b)
	if env.Data.Ping == nil || env.Data.Ping.PingType != protocol.KnockPong {
		t.Errorf("b received %s, want Pong", env.Kind())
	}
}

func TestPingReachesWholeRoom(t *testing.T) {
	s := newTestServer(t, []string{"*"})
	room := uuid.NewString()

	a := s.dial(t, "/ws/"+room, nil)
	b := s.dial(t, "/ws/"+room, nil)
	s.waitMembers(t, room, 2)

	if err := a.WriteMessage(websocket.TextMessage, []byte(`not an envelope`)); err != nil {
		t.Fatal(err)
	}
	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"data":{"Ping":{"ping_type":"Ping"}}}`)); err != nil {
		t.Fatal(err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		if env.Data.Ping == nil || env.Data.Ping.PingType != protocol.KnockPong {
			t.Errorf("received %s, want Pong", env.Kind())
		}
	}
}

func TestBinaryEchoStaysWithSender(t *testing.T) {
	s := newTestServer(t, []string{"*"})
	room := uuid.NewString()

	a := s.dial(t, "/ws/"+room, nil)
	b := s.dial(t, "/ws/"+room, nil)
	s.waitMembers(t, room, 2)

	if err := a.WriteMessage(websocket.BinaryMessage, []byte("raw")); err != nil {
		t.Fatal(err)
	}
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, payload, err := a.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if messageType != websocket.BinaryMessage || string(payload) != "raw" {
		t.Errorf("echo = %d %q", messageType, payload)
	}
	expectSilence(t, b)
}

func TestWebsocketWithoutRoomGetsFreshRoom(t *testing.T) {
	recorder := &fakeRecorder{closed: make(chan uint, 1)}
	s := newTestServer(t, []string{"*"}, WithRecorder(recorder))
	s.dial(t, "/ws", nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := s.hub.Stats(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if stats.Rooms == 1 && stats.Members == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v, want one room with one member", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	recorder.mu.Lock()
	opened := append([]string(nil), recorder.opened...)
	recorder.mu.Unlock()
	if len(opened) != 1 {
		t.Fatalf("opened = %v, want one session", opened)
	}
	room, _, _ := strings.Cut(opened[0], "/")
	if _, err := uuid.Parse(room); err != nil {
		t.Errorf("generated room %q is not a uuid", room)
	}
	s.waitMembers(t, room, 1)
}

func TestWebsocketRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		opts   []ControllerOption
		path   string
		header http.Header
		want   int
	}{
		{name: "malformed room", path: "/ws/room-1", want: http.StatusBadRequest},
		{
			name: "missing token",
			opts: []ControllerOption{WithValidator(auth.NewJWTValidator([]byte(testSecret)), true)},
			path: "/ws/" + uuid.NewString(),
			want: http.StatusUnauthorized,
		},
		{
			name:   "invalid token",
			opts:   []ControllerOption{WithValidator(auth.NewJWTValidator([]byte(testSecret)), true)},
			path:   "/ws/" + uuid.NewString(),
			header: http.Header{"Token": {"garbage"}},
			want:   http.StatusUnauthorized,
		},
		{
			name:   "foreign origin",
			path:   "/ws/" + uuid.NewString(),
			header: http.Header{"Origin": {"https://evil.example.com"}},
			want:   http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, []string{"https://chat.example.com"}, tt.opts...)

			_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(tt.path), tt.header)
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("dial error = %v, want bad handshake", err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestTokenSetsUserID(t *testing.T) {
	validator := auth.NewJWTValidator([]byte(testSecret))
	s := newTestServer(t, []string{"*"}, WithValidator(validator, true))

	userID := uuid.NewString()
	token, err := validator.Issue(userID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	room := uuid.NewString()
	s.dial(t, "/ws/"+room+"?token="+token, nil)

	if got := s.waitMembers(t, room, 1); got[0] != userID {
		t.Errorf("member = %q, want %q", got[0], userID)
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	opened  []string
	closed  chan uint
	records []database.ConnectionRecord
	limits  []int
	err     error
}

func (f *fakeRecorder) RecordOpen(_ context.Context, roomID, userID, _ string) (uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, roomID+"/"+userID)
	return uint(len(f.opened)), nil
}

func (f *fakeRecorder) RecordClose(_ context.Context, id uint) error {
	f.closed <- id
	return nil
}

func (f *fakeRecorder) ForRoom(_ context.Context, roomID string, limit int) ([]database.ConnectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	var out []database.ConnectionRecord
	for _, record := range f.records {
		if record.RoomID == roomID {
			out = append(out, record)
		}
	}
	return out, nil
}

func TestConnectionsAreRecorded(t *testing.T) {
	recorder := &fakeRecorder{closed: make(chan uint, 1)}
	s := newTestServer(t, []string{"*"}, WithRecorder(recorder))
	room := uuid.NewString()

	conn := s.dial(t, "/ws/"+room, nil)
	members := s.waitMembers(t, room, 1)
	conn.Close()

	select {
	case id := <-recorder.closed:
		if id != 1 {
			t.Errorf("closed record %d, want 1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not recorded")
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if want := []string{room + "/" + members[0]}; !reflect.DeepEqual(recorder.opened, want) {
		t.Errorf("opened = %v, want %v", recorder.opened, want)
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return resp.StatusCode
}

func TestRESTEndpoints(t *testing.T) {
	s := newTestServer(t, []string{"*"})

	var room Item[RoomResponse]
	if status := getJSON(t, s.URL+"/v1/chat/uuid", &room); status != http.StatusOK {
		t.Fatalf("uuid status = %d", status)
	}
	if room.Status != StatusSuccess {
		t.Errorf("status = %q", room.Status)
	}
	if _, err := uuid.Parse(room.Data.RoomID); err != nil {
		t.Fatalf("room id %q: %v", room.Data.RoomID, err)
	}

	s.dial(t, "/ws/"+room.Data.RoomID, nil)
	s.waitMembers(t, room.Data.RoomID, 1)

	var members Item[MembersResponse]
	if status := getJSON(t, s.URL+"/v1/chat/"+room.Data.RoomID+"/members", &members); status != http.StatusOK {
		t.Fatalf("members status = %d", status)
	}
	if members.Data.RoomID != room.Data.RoomID || len(members.Data.Members) != 1 {
		t.Errorf("members = %+v", members.Data)
	}

	var health HealthResponse
	if status := getJSON(t, s.URL+"/health", &health); status != http.StatusOK {
		t.Fatalf("health status = %d", status)
	}
	if health != (HealthResponse{Status: "ok", Rooms: 1, Members: 1}) {
		t.Errorf("health = %+v", health)
	}

	var bad ErrorResponse
	if status := getJSON(t, s.URL+"/v1/chat/not-a-uuid/members", &bad); status != http.StatusBadRequest {
		t.Errorf("bad room status = %d", status)
	}
	if bad.Error != "Invalid room id" {
		t.Errorf("error = %q", bad.Error)
	}

	var missing ErrorResponse
	if status := getJSON(t, s.URL+"/nowhere", &missing); status != http.StatusNotFound {
		t.Errorf("not found status = %d", status)
	}
	if missing.Error != "Not found" {
		t.Errorf("not found body = %+v", missing)
	}

	var wrongMethod ErrorResponse
	resp, err := http.Post(s.URL+"/health", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&wrongMethod); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed || wrongMethod.Error != "Method not allowed" {
		t.Errorf("method not allowed = %d %+v", resp.StatusCode, wrongMethod)
	}
}

func TestConnectionsEndpoint(t *testing.T) {
	room := uuid.NewString()
	connectedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	disconnectedAt := connectedAt.Add(time.Minute)
	recorder := &fakeRecorder{
		closed: make(chan uint, 1),
		records: []database.ConnectionRecord{
			{ID: 2, RoomID: room, UserID: "b", ConnectedAt: connectedAt.Add(time.Second)},
			{ID: 1, RoomID: room, UserID: "a", ConnectedAt: connectedAt, DisconnectedAt: &disconnectedAt},
			{ID: 3, RoomID: uuid.NewString(), UserID: "c", ConnectedAt: connectedAt},
		},
	}
	s := newTestServer(t, []string{"*"}, WithRecorder(recorder))

	var got Item[ConnectionsResponse]
	if status := getJSON(t, s.URL+"/v1/chat/"+strings.ToUpper(room)+"/connections?limit=10", &got); status != http.StatusOK {
		t.Fatalf("connections status = %d", status)
	}
	if got.Status != StatusSuccess || got.Data.RoomID != room {
		t.Errorf("envelope = %+v", got)
	}
	want := []ConnectionResponse{
		{ID: 2, UserID: "b", ConnectedAt: connectedAt.Add(time.Second)},
		{ID: 1, UserID: "a", ConnectedAt: connectedAt, DisconnectedAt: &disconnectedAt},
	}
	if len(got.Data.Connections) != len(want) {
		t.Fatalf("connections = %+v", got.Data.Connections)
	}
	for i, conn := range got.Data.Connections {
		if conn.ID != want[i].ID || conn.UserID != want[i].UserID || !conn.ConnectedAt.Equal(want[i].ConnectedAt) {
			t.Errorf("connection %d = %+v, want %+v", i, conn, want[i])
		}
		if (conn.DisconnectedAt == nil) != (want[i].DisconnectedAt == nil) {
			t.Errorf("connection %d disconnected_at = %v", i, conn.DisconnectedAt)
		}
	}

	var defaulted Item[ConnectionsResponse]
	getJSON(t, s.URL+"/v1/chat/"+room+"/connections", &defaulted)
	var capped Item[ConnectionsResponse]
	getJSON(t, s.URL+"/v1/chat/"+room+"/connections?limit=100000", &capped)
	recorder.mu.Lock()
	limits := append([]int(nil), recorder.limits...)
	recorder.mu.Unlock()
	if want := []int{10, defaultConnectionsLimit, maxConnectionsLimit}; !reflect.DeepEqual(limits, want) {
		t.Errorf("limits = %v, want %v", limits, want)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "bad room", path: "/v1/chat/room-1/connections", want: http.StatusBadRequest},
		{name: "bad limit", path: "/v1/chat/" + room + "/connections?limit=-1", want: http.StatusBadRequest},
		{name: "non numeric limit", path: "/v1/chat/" + room + "/connections?limit=ten", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body ErrorResponse
			if status := getJSON(t, s.URL+tt.path, &body); status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
			if body.Error == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestConnectionsEndpointErrors(t *testing.T) {
	t.Run("log disabled", func(t *testing.T) {
		s := newTestServer(t, []string{"*"})
		var body ErrorResponse
		if status := getJSON(t, s.URL+"/v1/chat/"+uuid.NewString()+"/connections", &body); status != http.StatusNotFound {
			t.Errorf("status = %d, want 404", status)
		}
		if body.Error != "Connection log disabled" {
			t.Errorf("error = %q", body.Error)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		recorder := &fakeRecorder{closed: make(chan uint, 1), err: errors.New("disk full")}
		s := newTestServer(t, []string{"*"}, WithRecorder(recorder))
		var body ErrorResponse
		if status := getJSON(t, s.URL+"/v1/chat/"+uuid.NewString()+"/connections", &body); status != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", status)
		}
		if strings.Contains(body.Error, "disk full") {
			t.Errorf("store error leaked to client: %q", body.Error)
		}
	})
}
