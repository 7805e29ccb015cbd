package hub

import "encoding/json"

// Frame is the wire format for both directions of the WebSocket protocol.
// Clients send {event, data, ackId?}; the server replies to acknowledged
// requests by echoing the ackId on the response frame.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// Events owned by the hub itself. Chat, signalling and SFU events are
// defined next to their handlers.
const (
	EventError             = "error"
	EventUserStatusChanged = "user_status_changed"
	EventUsersOnline       = "users_online"
	EventGetOnlineUsers    = "get_online_users"
	EventRegisterUser      = "register_user"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
)

// errorPayload is the data of an EventError frame.
type errorPayload struct {
	Message string `json:"message"`
}

// ackError is the {success:false, error} shape acked requests use on
// failure; ackOK is the plain success shape for operations with no payload.
type ackError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type ackOK struct {
	Success bool `json:"success"`
}

// AckOK is the canonical success payload.
var AckOK = ackOK{Success: true}

// statusChangedPayload announces a presence flip.
type statusChangedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsOnline bool   `json:"isOnline"`
}

// typingPayload is sent by clients; userTypingPayload is the fan-out.
type typingPayload struct {
	RoomID string `json:"roomId"`
}

type userTypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// encodeFrame marshals a frame once so broadcasts reuse the same bytes for
// every recipient.
func encodeFrame(event, ackID string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw, AckID: ackID})
}
