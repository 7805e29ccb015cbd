// Package models defines the durable entities shared by the repositories
// and the real-time services.
package models

import "time"

// User account states.
const (
	UserStatusPending  = "pending"
	UserStatusActive   = "active"
	UserStatusRejected = "rejected"
)

// User roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is a durable identity. The real-time core reads identities but
// never creates them; account creation happens through the auth endpoints.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Status       string     `json:"status"`
	Role         string     `json:"role"`
	IsOnline     bool       `json:"isOnline"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Room types.
const (
	RoomPrivate = "private"
	RoomGroup   = "group"
)

// Room is the unit of chat addressing and media grouping. Private rooms
// have exactly two active participants and are unique per unordered pair.
type Room struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Name         string        `json:"name,omitempty"`
	CreatedBy    string        `json:"createdBy,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	Participants []Participant `json:"participants,omitempty"`
}

// Participant roles within a room.
const (
	ParticipantAdmin  = "admin"
	ParticipantMember = "member"
)

// Participant is a room membership row. A participant is active while
// LeftAt is nil.
type Participant struct {
	RoomID   string     `json:"roomId"`
	UserID   string     `json:"userId"`
	Username string     `json:"username,omitempty"`
	Role     string     `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

// Message types.
const (
	MessageText  = "text"
	MessageImage = "image"
	MessageAudio = "audio"
	MessageVideo = "video"
	MessageFile  = "file"
)

// Message is immutable once created except content/edited_at via explicit
// edit. DeliveryStatus is the aggregate min(status) across recipients and
// is populated on reads, not stored.
type Message struct {
	ID             string     `json:"id"`
	RoomID         string     `json:"roomId"`
	SenderID       string     `json:"senderId"`
	SenderUsername string     `json:"senderUsername,omitempty"`
	Content        string     `json:"content,omitempty"`
	Type           string     `json:"type"`
	FileURL        string     `json:"fileUrl,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	DeliveryStatus string     `json:"deliveryStatus,omitempty"`
}

// Per-recipient delivery states, ordered sent < delivered < read.
// Status rows only ever advance along that ordering.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// StatusRank maps a delivery status to its position in the monotonic
// ordering. Unknown values rank as sent.
func StatusRank(s string) int {
	switch s {
	case StatusRead:
		return 2
	case StatusDelivered:
		return 1
	default:
		return 0
	}
}

// StatusFromRank is the inverse of StatusRank.
func StatusFromRank(rank int) string {
	switch rank {
	case 2:
		return StatusRead
	case 1:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// Call types.
const (
	CallAudio = "audio"
	CallVideo = "video"
)

// Call lifecycle states.
const (
	CallRinging   = "ringing"
	CallOngoing   = "ongoing"
	CallCompleted = "completed"
	CallMissed    = "missed"
	CallRejected  = "rejected"
)

// Call is a persisted call record. Terminal statuses carry EndedAt.
type Call struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"roomId"`
	InitiatorID string     `json:"initiatorId"`
	CallType    string     `json:"callType"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// CallParticipant is a per-user call membership row.
type CallParticipant struct {
	CallID   string     `json:"callId"`
	UserID   string     `json:"userId"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
	Answered bool       `json:"answered"`
}

// Recording is a finalized (or in-progress) server-side capture artifact.
type Recording struct {
	ID           string    `json:"id"`
	CallID       string    `json:"callId,omitempty"`
	RoomID       string    `json:"roomId"`
	FilePath     string    `json:"filePath"`
	HasVideo     bool      `json:"hasVideo"`
	StartedAt    time.Time `json:"startedAt"`
	DurationSecs *int      `json:"durationSecs,omitempty"`
}
