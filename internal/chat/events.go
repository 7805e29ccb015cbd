package chat

import (
	"github.com/parlorchat/parlor/internal/database/models"
)

// Client-originated events.
const (
	EventSendGroupMessage   = "send_group_message"
	EventSendPrivateMessage = "send_private_message"
	EventMessageDelivered   = "message_delivered"
	EventMarkRead           = "mark_read"
	EventGetMessages        = "get_messages"
	EventGetRooms           = "get_rooms"
	EventStartPrivateChat   = "start_private_chat"
	EventCreateGroup        = "create_group"
	EventEditMessage        = "edit_message"
)

// Server-originated events.
const (
	EventReceiveGroupMessage   = "receive_group_message"
	EventReceivePrivateMessage = "receive_private_message"
	EventMessageStatusUpdate   = "message_status_update"
	EventMessageEdited         = "message_edited"
	EventRoomCreated           = "room_created"
)

// maxContentLen bounds chat message bodies.
const maxContentLen = 4000

type sendGroupRequest struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
	Type   string `json:"type,omitempty"`
}

type sendPrivateRequest struct {
	RecipientID string `json:"recipientId"`
	RoomID      string `json:"roomId,omitempty"`
	Text        string `json:"text"`
}

type deliveredRequest struct {
	MessageID string `json:"messageId"`
}

type markReadRequest struct {
	RoomID string `json:"roomId"`
}

type getMessagesRequest struct {
	RoomID string `json:"roomId"`
	Before string `json:"before,omitempty"` // RFC 3339; exclusive
	Limit  int    `json:"limit,omitempty"`
}

type startPrivateChatRequest struct {
	TargetUserID string `json:"targetUserId"`
}

type createGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
}

type editMessageRequest struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// statusUpdatePayload notifies a sender that one of their messages moved
// along the delivery state machine.
type statusUpdatePayload struct {
	MessageID string `json:"messageId,omitempty"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Status    string `json:"status"`
}

type messagesAck struct {
	Success  bool             `json:"success"`
	Messages []models.Message `json:"messages"`
}

type roomsAck struct {
	Success bool          `json:"success"`
	Rooms   []models.Room `json:"rooms"`
}

type privateChatAck struct {
	Success   bool         `json:"success"`
	Room      *models.Room `json:"room"`
	OtherUser *models.User `json:"otherUser"`
	Created   bool         `json:"created"`
}

type roomAck struct {
	Success bool         `json:"success"`
	Room    *models.Room `json:"room"`
}
