package sfu

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/parlorchat/parlor/internal/api/middleware"
	"github.com/parlorchat/parlor/internal/database"
	"github.com/parlorchat/parlor/internal/database/models"
	"github.com/parlorchat/parlor/internal/hub"
)

var testSecret = []byte("sfu-test-secret")

func testWorkers(t *testing.T) []*Worker {
	t.Helper()
	workers, err := SpawnWorkers(WorkerConfig{PortMin: 40000, PortMax: 49999})
	if err != nil {
		t.Fatalf("spawning workers: %v", err)
	}
	return workers
}

type sfuFixture struct {
	svc *Service
	hub *hub.Hub
	srv *httptest.Server
	db  *database.DB
}

func newSFUFixture(t *testing.T) *sfuFixture {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users := database.NewUserRepository(db)
	rooms := database.NewRoomRepository(db)

	h := hub.New(users, rooms, testSecret, []string{"*"})
	svc := New(h, testWorkers(t))
	svc.Register()

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		svc.Shutdown()
		h.Shutdown()
		srv.Close()
	})
	return &sfuFixture{svc: svc, hub: h, srv: srv, db: db}
}

func (f *sfuFixture) seedUser(t *testing.T, username string) (*models.User, string) {
	t.Helper()
	hash, err := database.HashPassword("secret123")
	if err != nil {
		t.Fatal(err)
	}
	u := &models.User{
		ID:           username + "-id",
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Status:       models.UserStatusActive,
		Role:         models.RoleUser,
		CreatedAt:    time.Now().UTC(),
	}
	if err := database.NewUserRepository(f.db).Create(context.Background(), u); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	token, _, err := middleware.GenerateToken(testSecret, u.ID, u.Username, u.Role, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return u, token
}

func (f *sfuFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitForEvent(t, conn, hub.EventUsersOnline)
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event, ackID string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(hub.Frame{Event: event, Data: raw, AckID: ackID}); err != nil {
		t.Fatalf("writing %s: %v", event, err)
	}
}

func waitForEvent(t *testing.T, conn *websocket.Conn, event string) hub.Frame {
	t.Helper()
	for i := 0; i < 30; i++ {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var frame hub.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if frame.Event == event {
			return frame
		}
	}
	t.Fatalf("event %q never arrived", event)
	return hub.Frame{}
}

func decode[T any](t *testing.T, frame hub.Frame) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(frame.Data, &out); err != nil {
		t.Fatalf("decoding %s payload: %v", frame.Event, err)
	}
	return out
}

func TestRouterCapabilities(t *testing.T) {
	caps := routerCapabilities()
	if len(caps.Codecs) != 3 {
		t.Fatalf("codec count = %d, want 3", len(caps.Codecs))
	}
	byMime := map[string]CodecCapability{}
	for _, c := range caps.Codecs {
		byMime[c.MimeType] = c
	}

	opus := byMime[webrtc.MimeTypeOpus]
	if opus.PreferredPayloadType != 111 || opus.ClockRate != 48000 || opus.Channels != 2 || opus.Kind != "audio" {
		t.Errorf("opus capability = %+v", opus)
	}
	if byMime[webrtc.MimeTypeVP8].PreferredPayloadType != 96 {
		t.Errorf("vp8 payload type = %d", byMime[webrtc.MimeTypeVP8].PreferredPayloadType)
	}
	if byMime[webrtc.MimeTypeH264].PreferredPayloadType != 125 {
		t.Errorf("h264 payload type = %d", byMime[webrtc.MimeTypeH264].PreferredPayloadType)
	}
}

func TestCodecForKind(t *testing.T) {
	c, ok := codecForKind("video", webrtc.MimeTypeH264)
	if !ok || c.MimeType != webrtc.MimeTypeH264 {
		t.Errorf("preferred mime not honored: %+v", c)
	}
	c, ok = codecForKind("video", "")
	if !ok || c.MimeType != webrtc.MimeTypeVP8 {
		t.Errorf("video fallback = %+v, want VP8", c)
	}
	c, ok = codecForKind("audio", "audio/AMR")
	if !ok || c.MimeType != webrtc.MimeTypeOpus {
		t.Errorf("unknown preference must fall back: %+v", c)
	}
	if _, ok := codecForKind("data", ""); ok {
		t.Error("unknown kind must not resolve")
	}
}

func TestCanConsume(t *testing.T) {
	r := &Router{caps: routerCapabilities()}
	clientCaps := &RTPCapabilities{Codecs: []CodecCapability{
		{MimeType: "audio/opus"},
		{MimeType: "video/vp8"}, // case-insensitive match
	}}
	if !r.CanConsume(webrtc.MimeTypeOpus, clientCaps) {
		t.Error("opus should be consumable")
	}
	if !r.CanConsume(webrtc.MimeTypeVP8, clientCaps) {
		t.Error("mime comparison must be case-insensitive")
	}
	if r.CanConsume(webrtc.MimeTypeH264, clientCaps) {
		t.Error("h264 is not in the client capabilities")
	}
	if r.CanConsume(webrtc.MimeTypeOpus, nil) {
		t.Error("nil capabilities must never be consumable")
	}
}

func TestDTLSRoleMapping(t *testing.T) {
	cases := map[string]webrtc.DTLSRole{
		"client": webrtc.DTLSRoleClient,
		"server": webrtc.DTLSRoleServer,
		"auto":   webrtc.DTLSRoleAuto,
		"":       webrtc.DTLSRoleAuto,
	}
	for wire, want := range cases {
		got := dtlsParametersInfo{Role: wire}.toPion().Role
		if got != want {
			t.Errorf("role %q mapped to %v, want %v", wire, got, want)
		}
	}
}

func TestTransportDescriptor(t *testing.T) {
	workers := testWorkers(t)
	router, err := newRouter(workers[0])
	if err != nil {
		t.Fatalf("creating router: %v", err)
	}
	transport, err := newTransport(router.api, DirectionSend)
	if err != nil {
		t.Fatalf("creating transport: %v", err)
	}
	defer transport.Close()

	desc, err := transport.describe()
	if err != nil {
		t.Fatalf("describe() error: %v", err)
	}
	if desc.ID == "" {
		t.Error("descriptor has no id")
	}
	if desc.ICEParameters.UsernameFragment == "" || desc.ICEParameters.Password == "" {
		t.Errorf("ice parameters incomplete: %+v", desc.ICEParameters)
	}
	if len(desc.ICECandidates) == 0 {
		t.Error("no host candidates gathered")
	}
	for _, c := range desc.ICECandidates {
		if c.Port < 40000 || c.Port > 49999 {
			t.Errorf("candidate port %d outside configured range", c.Port)
		}
	}
	if len(desc.DTLSParameters.Fingerprints) == 0 {
		t.Error("no dtls fingerprints")
	}
}

func TestJoinLeaveLifecycle(t *testing.T) {
	f := newSFUFixture(t)
	_, aliceTok := f.seedUser(t, "alice")
	_, bobTok := f.seedUser(t, "bob")

	aliceConn := f.dial(t, aliceTok)
	bobConn := f.dial(t, bobTok)

	sendEvent(t, aliceConn, EventJoinMediaRoom, "j1", joinRequest{RoomID: "room-1"})
	ack := decode[joinAck](t, waitForEvent(t, aliceConn, EventJoinMediaRoom))
	if !ack.Success || len(ack.RouterRTPCapabilities.Codecs) != 3 {
		t.Fatalf("join ack = %+v", ack)
	}

	// Double join is a state error.
	sendEvent(t, aliceConn, EventJoinMediaRoom, "j2", joinRequest{RoomID: "room-1"})
	frame := waitForEvent(t, aliceConn, EventJoinMediaRoom)
	var errAck struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(frame.Data, &errAck); err != nil {
		t.Fatal(err)
	}
	if errAck.Success || errAck.Error == "" {
		t.Errorf("double join ack = %+v", errAck)
	}

	sendEvent(t, bobConn, EventJoinMediaRoom, "j3", joinRequest{RoomID: "room-1"})
	waitForEvent(t, bobConn, EventJoinMediaRoom)
	if f.svc.Room("room-1").PeerCount() != 2 {
		t.Fatalf("peer count = %d, want 2", f.svc.Room("room-1").PeerCount())
	}

	// Leaving notifies the remaining peer and eventually destroys the room.
	sendEvent(t, aliceConn, EventLeaveMediaRoom, "", leaveRequest{RoomID: "room-1"})
	left := decode[peerLeftPayload](t, waitForEvent(t, bobConn, EventPeerLeft))
	if left.RoomID != "room-1" || left.PeerID == "" {
		t.Errorf("peer_left = %+v", left)
	}

	sendEvent(t, bobConn, EventLeaveMediaRoom, "", leaveRequest{RoomID: "room-1"})
	deadline := time.Now().Add(2 * time.Second)
	for f.svc.Room("room-1") != nil {
		if time.Now().After(deadline) {
			t.Fatal("empty room was not destroyed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOperationsRequireJoin(t *testing.T) {
	f := newSFUFixture(t)
	_, tok := f.seedUser(t, "alice")
	conn := f.dial(t, tok)

	sendEvent(t, conn, EventGetProducers, "g1", joinRequest{RoomID: "room-9"})
	frame := waitForEvent(t, conn, EventGetProducers)
	var errAck struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(frame.Data, &errAck); err != nil {
		t.Fatal(err)
	}
	if errAck.Success || !strings.Contains(errAck.Error, "not in media room") {
		t.Errorf("ack = %+v", errAck)
	}
}

func TestConsumeOwnProducerRejected(t *testing.T) {
	f := newSFUFixture(t)
	_, tok := f.seedUser(t, "alice")
	conn := f.dial(t, tok)

	sendEvent(t, conn, EventJoinMediaRoom, "j1", joinRequest{RoomID: "room-own"})
	waitForEvent(t, conn, EventJoinMediaRoom)

	// Plant a producer owned by alice's own session, then have her try to
	// consume it back.
	room := f.svc.Room("room-own")
	sessionID := room.peerIDs()[0]
	producer := &Producer{
		id:     "prod-own",
		peerID: sessionID,
		kind:   "audio",
		sinks:  make(map[string]Sink),
		done:   make(chan struct{}),
	}
	room.peer(sessionID).addProducer(producer)

	sendEvent(t, conn, EventConsume, "c1", consumeRequest{RoomID: "room-own", ProducerID: "prod-own"})
	frame := waitForEvent(t, conn, EventConsume)
	var errAck struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(frame.Data, &errAck); err != nil {
		t.Fatal(err)
	}
	if errAck.Success {
		t.Fatal("a peer consumed its own producer")
	}
	if errAck.Error != "Cannot consume own producer" {
		t.Errorf("error = %q, want %q", errAck.Error, "Cannot consume own producer")
	}
}

func TestDisconnectRemovesPeer(t *testing.T) {
	f := newSFUFixture(t)
	_, aliceTok := f.seedUser(t, "alice")
	_, bobTok := f.seedUser(t, "bob")

	aliceConn := f.dial(t, aliceTok)
	bobConn := f.dial(t, bobTok)

	sendEvent(t, aliceConn, EventJoinMediaRoom, "j1", joinRequest{RoomID: "room-d"})
	waitForEvent(t, aliceConn, EventJoinMediaRoom)
	sendEvent(t, bobConn, EventJoinMediaRoom, "j2", joinRequest{RoomID: "room-d"})
	waitForEvent(t, bobConn, EventJoinMediaRoom)

	aliceConn.Close()
	left := decode[peerLeftPayload](t, waitForEvent(t, bobConn, EventPeerLeft))
	if left.RoomID != "room-d" {
		t.Errorf("peer_left room = %s", left.RoomID)
	}
}
