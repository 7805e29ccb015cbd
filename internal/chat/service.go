// Package chat implements message delivery on top of the realtime hub:
// persistence, per-recipient delivery receipts and room fan-out.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parlorchat/parlor/internal/database"
	"github.com/parlorchat/parlor/internal/database/models"
	"github.com/parlorchat/parlor/internal/hub"
)

// dbTimeout bounds repository calls issued from socket handlers.
const dbTimeout = 5 * time.Second

// Service wires chat events into the hub.
type Service struct {
	hub      *hub.Hub
	users    database.UserRepository
	rooms    database.RoomRepository
	messages database.MessageRepository
	statuses database.MessageStatusRepository
}

// New creates the chat service. Call Register to attach it to the hub.
func New(h *hub.Hub, users database.UserRepository, rooms database.RoomRepository,
	messages database.MessageRepository, statuses database.MessageStatusRepository) *Service {
	return &Service{hub: h, users: users, rooms: rooms, messages: messages, statuses: statuses}
}

// Register attaches all chat event handlers to the hub.
func (s *Service) Register() {
	s.hub.HandleFunc(EventSendGroupMessage, s.handleSendGroup)
	s.hub.HandleFunc(EventSendPrivateMessage, s.handleSendPrivate)
	s.hub.HandleFunc(EventMessageDelivered, s.handleDelivered)
	s.hub.HandleFunc(EventMarkRead, s.handleMarkRead)
	s.hub.HandleFunc(EventGetMessages, s.handleGetMessages)
	s.hub.HandleFunc(EventGetRooms, s.handleGetRooms)
	s.hub.HandleFunc(EventStartPrivateChat, s.handleStartPrivateChat)
	s.hub.HandleFunc(EventCreateGroup, s.handleCreateGroup)
	s.hub.HandleFunc(EventEditMessage, s.handleEditMessage)
}

func handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), dbTimeout)
}

// deliver persists a message, seeds `sent` status rows for the other active
// participants and fans the message out to the room, sender echo included.
// A persistence failure is logged but does not suppress fan-out; connected
// peers still see the message for this session.
func (s *Service) deliver(ctx context.Context, msg *models.Message, event string) {
	persisted := true
	if err := s.messages.Create(ctx, msg); err != nil {
		persisted = false
		slog.Error("persisting message", "room_id", msg.RoomID, "error", err)
	}

	if persisted {
		parts, err := s.rooms.ActiveParticipants(ctx, msg.RoomID)
		if err != nil {
			slog.Error("seeding status rows", "room_id", msg.RoomID, "error", err)
		} else {
			for _, p := range parts {
				if p.UserID == msg.SenderID {
					continue
				}
				if err := s.statuses.Upsert(ctx, msg.ID, p.UserID, models.StatusSent, msg.CreatedAt); err != nil {
					slog.Error("seeding status row", "message_id", msg.ID, "user_id", p.UserID, "error", err)
				}
			}
		}
		msg.DeliveryStatus = models.StatusSent
	}

	s.hub.EmitToRoom(ctx, msg.RoomID, nil, event, msg)
}

func (s *Service) handleSendGroup(c *hub.Client, frame hub.Frame) {
	var req sendGroupRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
		c.SendError(frame.AckID, "roomId is required")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" || len(text) > maxContentLen {
		c.SendError(frame.AckID, "message text is empty or too long")
		return
	}

	ctx, cancel := handlerContext()
	defer cancel()

	if ok, err := s.rooms.IsActiveParticipant(ctx, req.RoomID, c.UserID()); err != nil || !ok {
		c.SendError(frame.AckID, "not a participant of this room")
		return
	}

	msgType := req.Type
	if msgType == "" {
		msgType = models.MessageText
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		RoomID:         req.RoomID,
		SenderID:       c.UserID(),
		SenderUsername: c.Username(),
		Content:        text,
		Type:           msgType,
		CreatedAt:      time.Now().UTC(),
	}
	s.deliver(ctx, msg, EventReceiveGroupMessage)
}

func (s *Service) handleSendPrivate(c *hub.Client, frame hub.Frame) {
	var req sendPrivateRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		c.SendError(frame.AckID, "malformed request")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" || len(text) > maxContentLen {
		c.SendError(frame.AckID, "message text is empty or too long")
		return
	}

	ctx, cancel := handlerContext()
	defer cancel()

	roomID := req.RoomID
	if roomID == "" {
		if req.RecipientID == "" {
			c.SendError(frame.AckID, "recipientId or roomId is required")
			return
		}
		room, _, err := s.rooms.EnsurePrivateRoom(ctx, c.UserID(), req.RecipientID)
		if err != nil {
			slog.Error("resolving private room", "error", err)
			c.SendError(frame.AckID, "could not resolve private room")
			return
		}
		roomID = room.ID
	} else if ok, err := s.rooms.IsActiveParticipant(ctx, roomID, c.UserID()); err != nil || !ok {
		c.SendError(frame.AckID, "not a participant of this room")
		return
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		RoomID:         roomID,
		SenderID:       c.UserID(),
		SenderUsername: c.Username(),
		Content:        text,
		Type:           models.MessageText,
		CreatedAt:      time.Now().UTC(),
	}
	s.deliver(ctx, msg, EventReceivePrivateMessage)
}

// SendFileMessage persists an attachment message and fans it out. It backs
// the REST upload endpoint, which is why it is exported.
func (s *Service) SendFileMessage(ctx context.Context, roomID, senderID, filename, fileURL, msgType string) (*models.Message, error) {
	sender, err := s.users.GetByID(ctx, senderID)
	if err != nil {
		return nil, err
	}
	room, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		RoomID:         roomID,
		SenderID:       senderID,
		SenderUsername: sender.Username,
		Content:        filename,
		Type:           msgType,
		FileURL:        fileURL,
		CreatedAt:      time.Now().UTC(),
	}

	event := EventReceiveGroupMessage
	if room.Type == models.RoomPrivate {
		event = EventReceivePrivateMessage
	}
	s.deliver(ctx, msg, event)
	return msg, nil
}

// handleDelivered advances a recipient's status row to delivered and tells
// the sender.
func (s *Service) handleDelivered(c *hub.Client, frame hub.Frame) {
	var req deliveredRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.MessageID == "" {
		c.SendError(frame.AckID, "messageId is required")
		return
	}

	ctx, cancel := handlerContext()
	defer cancel()

	msg, err := s.messages.GetByID(ctx, req.MessageID)
	if err != nil {
		c.SendError(frame.AckID, "unknown message")
		return
	}
	if msg.SenderID == c.UserID() {
		return // own messages carry no receipt
	}

	if err := s.statuses.Upsert(ctx, msg.ID, c.UserID(), models.StatusDelivered, time.Now().UTC()); err != nil {
		slog.Error("upserting delivered status", "message_id", msg.ID, "error", err)
		return
	}

	s.hub.EmitToUser(msg.SenderID, EventMessageStatusUpdate, statusUpdatePayload{
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		UserID:    c.UserID(),
		Status:    models.StatusDelivered,
	})
}

// handleMarkRead bulk-advances every message in the room to read and
// notifies each distinct recent sender.
func (s *Service) handleMarkRead(c *hub.Client, frame hub.Frame) {
	var req markReadRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
		c.SendError(frame.AckID, "roomId is required")
		return
	}

	ctx, cancel := handlerContext()
	defer cancel()

	if ok, err := s.rooms.IsActiveParticipant(ctx, req.RoomID, c.UserID()); err != nil || !ok {
		c.SendError(frame.AckID, "not a participant of this room")
		return
	}

	if err := s.statuses.MarkRoomRead(ctx, req.RoomID, c.UserID(), time.Now().UTC()); err != nil {
		slog.Error("marking room read", "room_id", req.RoomID, "error", err)
		c.SendError(frame.AckID, "could not mark room read")
		return
	}

	senders, err := s.messages.RecentSenders(ctx, req.RoomID, c.UserID(), 100)
	if err != nil {
		slog.Error("resolving recent senders", "room_id", req.RoomID, "error", err)
		return
	}
	for _, senderID := range senders {
		s.hub.EmitToUser(senderID, EventMessageStatusUpdate, statusUpdatePayload{
			RoomID: req.RoomID,
			UserID: c.UserID(),
			Status: models.StatusRead,
		})
	}
}

func (s *Service) handleGetMessages(c *hub.Client, frame hub.Frame) {
	var req getMessagesRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
		c.AckError(frame.AckID, EventGetMessages, "roomId is required")
		return
	}

	ctx, cancel := handlerContext()
	defer cancel()

	if ok, err := s.rooms.IsActiveParticipant(ctx, req.RoomID, c.UserID()); err != nil || !ok {
		c.AckError(frame.AckID, EventGetMessages, "not a participant of this room")
		return
	}

	var before time.Time
	if req.Before != "" {
		parsed, err := time.Parse(time.RFC3339Nano, req.Before)
		if err != nil {
			c.AckError(frame.AckID, EventGetMessages, "before must be an RFC 3339 timestamp")
			return
		}
		before = parsed
	}
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	msgs, err := s.messages.ListByRoom(ctx, req.RoomID, before, limit)
	if err != nil {
		slog.Error("listing messages", "room_id", req.RoomID, "error", err)
		c.AckError(frame.AckID, EventGetMessages, "could not load messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.Ack(frame.AckID, EventGetMessages, messagesAck{Success: true, Messages: msgs})
}

func (s *Service) handleGetRooms(c *hub.Client, frame hub.Frame) {
	ctx, cancel := handlerContext()
	defer cancel()

	rooms, err := s.rooms.ListForUser(ctx, c.UserID())
	if err != nil {
		slog.Error("listing rooms", "user_id", c.UserID(), "error", err)
		c.AckError(frame.AckID, EventGetRooms, "could not load rooms")
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	c.Ack(frame.AckID, EventGetRooms, roomsAck{Success: true, Rooms: rooms})
}

func (s *Service) handleStartPrivateChat(c *hub.Client, frame hub.Frame) {
	var req startPrivateChatRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.TargetUserID == "" {
		c.AckError(frame.AckID, EventStartPrivateChat, "targetUserId is required")
		return
	}
	if req.TargetUserID == c.UserID() {
		c.AckError(frame.AckID, EventStartPrivateChat, "cannot start a chat with yourself")
		return
	}

	ctx, cancel := handlerContext()
	defer cancel()

	other, err := s.users.GetByID(ctx, req.TargetUserID)
	if err != nil {
		c.AckError(frame.AckID, EventStartPrivateChat, "unknown user")
		return
	}

	room, created, err := s.rooms.EnsurePrivateRoom(ctx, c.UserID(), req.TargetUserID)
	if err != nil {
		slog.Error("ensuring private room", "error", err)
		c.AckError(frame.AckID, EventStartPrivateChat, "could not create room")
		return
	}

	c.Ack(frame.AckID, EventStartPrivateChat, privateChatAck{
		Success: true, Room: room, OtherUser: other, Created: created,
	})
	if created {
		s.hub.EmitToUser(req.TargetUserID, EventRoomCreated, roomAck{Success: true, Room: room})
	}
}

func (s *Service) handleCreateGroup(c *hub.Client, frame hub.Frame) {
	var req createGroupRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		c.AckError(frame.AckID, EventCreateGroup, "malformed request")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 100 {
		c.AckError(frame.AckID, EventCreateGroup, "group name is empty or too long")
		return
	}

	// The creator is always a member.
	members := map[string]bool{c.UserID(): true}
	for _, id := range req.MemberIDs {
		if id != "" {
			members[id] = true
		}
	}
	if len(members) < 2 {
		c.AckError(frame.AckID, EventCreateGroup, "a group needs at least two members")
		return
	}
	memberIDs := make([]string, 0, len(members))
	for id := range members {
		memberIDs = append(memberIDs, id)
	}

	ctx, cancel := handlerContext()
	defer cancel()

	room := &models.Room{
		ID:        uuid.NewString(),
		Type:      models.RoomGroup,
		Name:      req.Name,
		CreatedBy: c.UserID(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.rooms.Create(ctx, room, memberIDs); err != nil {
		slog.Error("creating group", "error", err)
		c.AckError(frame.AckID, EventCreateGroup, "could not create group")
		return
	}

	created, err := s.rooms.GetByID(ctx, room.ID)
	if err != nil {
		created = room
	}
	c.Ack(frame.AckID, EventCreateGroup, roomAck{Success: true, Room: created})
	for id := range members {
		if id == c.UserID() {
			continue
		}
		s.hub.EmitToUser(id, EventRoomCreated, roomAck{Success: true, Room: created})
	}
}

// handleEditMessage updates a message's content. Only the author may edit.
func (s *Service) handleEditMessage(c *hub.Client, frame hub.Frame) {
	var req editMessageRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.MessageID == "" {
		c.SendError(frame.AckID, "messageId is required")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" || len(content) > maxContentLen {
		c.SendError(frame.AckID, "content is empty or too long")
		return
	}

	ctx, cancel := handlerContext()
	defer cancel()

	msg, err := s.messages.GetByID(ctx, req.MessageID)
	if err != nil {
		c.SendError(frame.AckID, "unknown message")
		return
	}
	if msg.SenderID != c.UserID() {
		c.SendError(frame.AckID, "only the author may edit a message")
		return
	}

	editedAt := time.Now().UTC()
	if err := s.messages.Edit(ctx, msg.ID, content, editedAt); err != nil {
		slog.Error("editing message", "message_id", msg.ID, "error", err)
		c.SendError(frame.AckID, "could not edit message")
		return
	}

	msg.Content = content
	msg.EditedAt = &editedAt
	s.hub.EmitToRoom(ctx, msg.RoomID, nil, EventMessageEdited, msg)
}
