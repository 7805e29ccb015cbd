package chat

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlorchat/parlor/internal/api/middleware"
	"github.com/parlorchat/parlor/internal/database"
	"github.com/parlorchat/parlor/internal/database/models"
	"github.com/parlorchat/parlor/internal/hub"
)

var testSecret = []byte("chat-test-secret")

type chatFixture struct {
	svc   *Service
	hub   *hub.Hub
	srv   *httptest.Server
	db    *database.DB
	rooms database.RoomRepository
	msgs  database.MessageRepository
	stats database.MessageStatusRepository
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users := database.NewUserRepository(db)
	rooms := database.NewRoomRepository(db)
	msgs := database.NewMessageRepository(db)
	stats := database.NewMessageStatusRepository(db)

	h := hub.New(users, rooms, testSecret, []string{"*"})
	svc := New(h, users, rooms, msgs, stats)
	svc.Register()

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return &chatFixture{svc: svc, hub: h, srv: srv, db: db, rooms: rooms, msgs: msgs, stats: stats}
}

func (f *chatFixture) seedUser(t *testing.T, username string) (*models.User, string) {
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

func (f *chatFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	// Drain the connect-time presence frames.
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
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
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

func TestGroupMessageDeliveryLifecycle(t *testing.T) {
	f := newChatFixture(t)
	alice, aliceToken := f.seedUser(t, "alice")
	bob, bobToken := f.seedUser(t, "bob")

	room, _, err := f.rooms.EnsurePrivateRoom(context.Background(), alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}

	aliceConn := f.dial(t, aliceToken)
	bobConn := f.dial(t, bobToken)

	// Send: both room members receive the message, sender echo included.
	sendEvent(t, aliceConn, EventSendGroupMessage, "", sendGroupRequest{RoomID: room.ID, Text: "hello"})

	frame := waitForEvent(t, bobConn, EventReceiveGroupMessage)
	msg := decode[models.Message](t, frame)
	if msg.Content != "hello" || msg.SenderID != alice.ID || msg.RoomID != room.ID {
		t.Fatalf("received message = %+v", msg)
	}
	echo := decode[models.Message](t, waitForEvent(t, aliceConn, EventReceiveGroupMessage))
	if echo.ID != msg.ID {
		t.Errorf("echo id %s != %s", echo.ID, msg.ID)
	}

	// The recipient's status row was seeded as sent.
	status, err := f.stats.Get(context.Background(), msg.ID, bob.ID)
	if err != nil || status != models.StatusSent {
		t.Errorf("seeded status = %q, %v; want sent", status, err)
	}

	// Delivery receipt reaches the sender.
	sendEvent(t, bobConn, EventMessageDelivered, "", deliveredRequest{MessageID: msg.ID})
	update := decode[statusUpdatePayload](t, waitForEvent(t, aliceConn, EventMessageStatusUpdate))
	if update.MessageID != msg.ID || update.Status != models.StatusDelivered || update.UserID != bob.ID {
		t.Errorf("status update = %+v", update)
	}

	// Read receipt: bulk upsert plus per-sender notification.
	sendEvent(t, bobConn, EventMarkRead, "", markReadRequest{RoomID: room.ID})
	update = decode[statusUpdatePayload](t, waitForEvent(t, aliceConn, EventMessageStatusUpdate))
	if update.Status != models.StatusRead || update.RoomID != room.ID {
		t.Errorf("read update = %+v", update)
	}

	// Aggregated status now reads back as read.
	sendEvent(t, aliceConn, EventGetMessages, "m1", getMessagesRequest{RoomID: room.ID})
	ack := decode[messagesAck](t, waitForEvent(t, aliceConn, EventGetMessages))
	if !ack.Success || len(ack.Messages) != 1 {
		t.Fatalf("get_messages ack = %+v", ack)
	}
	if ack.Messages[0].DeliveryStatus != models.StatusRead {
		t.Errorf("aggregated status = %q, want read", ack.Messages[0].DeliveryStatus)
	}
}

func TestPrivateMessageResolvesRoom(t *testing.T) {
	f := newChatFixture(t)
	alice, aliceToken := f.seedUser(t, "alice")
	bob, bobToken := f.seedUser(t, "bob")

	aliceConn := f.dial(t, aliceToken)
	bobConn := f.dial(t, bobToken)

	// No room exists yet; sending by recipient id creates the pair room.
	sendEvent(t, aliceConn, EventSendPrivateMessage, "", sendPrivateRequest{
		RecipientID: bob.ID, Text: "psst",
	})
	msg := decode[models.Message](t, waitForEvent(t, bobConn, EventReceivePrivateMessage))
	if msg.Content != "psst" || msg.SenderID != alice.ID {
		t.Fatalf("private message = %+v", msg)
	}

	room, created, err := f.rooms.EnsurePrivateRoom(context.Background(), bob.ID, alice.ID)
	if err != nil || created {
		t.Fatalf("room after private send: created=%v err=%v", created, err)
	}
	if msg.RoomID != room.ID {
		t.Errorf("message room %s != pair room %s", msg.RoomID, room.ID)
	}
}

func TestSendRequiresMembership(t *testing.T) {
	f := newChatFixture(t)
	alice, _ := f.seedUser(t, "alice")
	bob, _ := f.seedUser(t, "bob")
	_, carolToken := f.seedUser(t, "carol")

	room, _, err := f.rooms.EnsurePrivateRoom(context.Background(), alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}

	carolConn := f.dial(t, carolToken)
	sendEvent(t, carolConn, EventSendGroupMessage, "", sendGroupRequest{RoomID: room.ID, Text: "hi"})
	frame := waitForEvent(t, carolConn, hub.EventError)
	if len(frame.Data) == 0 {
		t.Error("error frame had no payload")
	}

	// Nothing was persisted.
	msgs, err := f.msgs.ListByRoom(context.Background(), room.ID, time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("outsider message was persisted: %+v", msgs)
	}
}

func TestStartPrivateChatAck(t *testing.T) {
	f := newChatFixture(t)
	_, aliceToken := f.seedUser(t, "alice")
	bob, bobToken := f.seedUser(t, "bob")

	aliceConn := f.dial(t, aliceToken)
	bobConn := f.dial(t, bobToken)

	sendEvent(t, aliceConn, EventStartPrivateChat, "a1", startPrivateChatRequest{TargetUserID: bob.ID})
	frame := waitForEvent(t, aliceConn, EventStartPrivateChat)
	if frame.AckID != "a1" {
		t.Errorf("ackId = %q", frame.AckID)
	}
	ack := decode[privateChatAck](t, frame)
	if !ack.Success || !ack.Created || ack.Room == nil || ack.OtherUser.ID != bob.ID {
		t.Fatalf("ack = %+v", ack)
	}

	// The counterpart learns about the new room.
	roomEvt := decode[roomAck](t, waitForEvent(t, bobConn, EventRoomCreated))
	if roomEvt.Room.ID != ack.Room.ID {
		t.Errorf("room_created id = %s, want %s", roomEvt.Room.ID, ack.Room.ID)
	}

	// Second request resolves to the same room with created=false.
	sendEvent(t, aliceConn, EventStartPrivateChat, "a2", startPrivateChatRequest{TargetUserID: bob.ID})
	ack2 := decode[privateChatAck](t, waitForEvent(t, aliceConn, EventStartPrivateChat))
	if ack2.Created || ack2.Room.ID != ack.Room.ID {
		t.Errorf("second ack = %+v", ack2)
	}
}

func TestCreateGroupAndGetRooms(t *testing.T) {
	f := newChatFixture(t)
	alice, aliceToken := f.seedUser(t, "alice")
	bob, bobToken := f.seedUser(t, "bob")
	carol, _ := f.seedUser(t, "carol")

	aliceConn := f.dial(t, aliceToken)
	bobConn := f.dial(t, bobToken)

	sendEvent(t, aliceConn, EventCreateGroup, "g1", createGroupRequest{
		Name: "engineering", MemberIDs: []string{bob.ID, carol.ID},
	})
	ack := decode[roomAck](t, waitForEvent(t, aliceConn, EventCreateGroup))
	if !ack.Success || ack.Room.Name != "engineering" || len(ack.Room.Participants) != 3 {
		t.Fatalf("create_group ack = %+v", ack)
	}
	if ack.Room.CreatedBy != alice.ID {
		t.Errorf("createdBy = %s", ack.Room.CreatedBy)
	}

	waitForEvent(t, bobConn, EventRoomCreated)

	sendEvent(t, bobConn, EventGetRooms, "r1", struct{}{})
	listAck := decode[roomsAck](t, waitForEvent(t, bobConn, EventGetRooms))
	if !listAck.Success || len(listAck.Rooms) != 1 {
		t.Fatalf("get_rooms ack = %+v", listAck)
	}
}

func TestEditMessage(t *testing.T) {
	f := newChatFixture(t)
	alice, aliceToken := f.seedUser(t, "alice")
	bob, bobToken := f.seedUser(t, "bob")

	room, _, err := f.rooms.EnsurePrivateRoom(context.Background(), alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}

	aliceConn := f.dial(t, aliceToken)
	bobConn := f.dial(t, bobToken)

	sendEvent(t, aliceConn, EventSendGroupMessage, "", sendGroupRequest{RoomID: room.ID, Text: "typo"})
	msg := decode[models.Message](t, waitForEvent(t, bobConn, EventReceiveGroupMessage))

	// Only the author may edit.
	sendEvent(t, bobConn, EventEditMessage, "", editMessageRequest{MessageID: msg.ID, Content: "hijack"})
	waitForEvent(t, bobConn, hub.EventError)

	sendEvent(t, aliceConn, EventEditMessage, "", editMessageRequest{MessageID: msg.ID, Content: "fixed"})
	edited := decode[models.Message](t, waitForEvent(t, bobConn, EventMessageEdited))
	if edited.ID != msg.ID || edited.Content != "fixed" || edited.EditedAt == nil {
		t.Errorf("edited = %+v", edited)
	}

	stored, err := f.msgs.GetByID(context.Background(), msg.ID)
	if err != nil || stored.Content != "fixed" {
		t.Errorf("stored after edit = %+v, %v", stored, err)
	}
}

func TestSendFileMessage(t *testing.T) {
	f := newChatFixture(t)
	alice, _ := f.seedUser(t, "alice")
	bob, bobToken := f.seedUser(t, "bob")

	room, _, err := f.rooms.EnsurePrivateRoom(context.Background(), alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	bobConn := f.dial(t, bobToken)

	msg, err := f.svc.SendFileMessage(context.Background(), room.ID, alice.ID,
		"photo.png", "/uploads/123-abcd.png", models.MessageImage)
	if err != nil {
		t.Fatalf("SendFileMessage() error: %v", err)
	}
	if msg.Type != models.MessageImage || msg.FileURL == "" || msg.Content != "photo.png" {
		t.Errorf("file message = %+v", msg)
	}

	// Private room attachments fan out as private messages.
	got := decode[models.Message](t, waitForEvent(t, bobConn, EventReceivePrivateMessage))
	if got.ID != msg.ID {
		t.Errorf("fan-out id = %s, want %s", got.ID, msg.ID)
	}
}
