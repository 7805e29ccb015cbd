package signal

import (
	"encoding/json"

	"github.com/parlorchat/parlor/internal/database/models"
)

// Client-originated events.
const (
	EventCallUser       = "call_user"
	EventAnswerCall     = "answer_call"
	EventRejectCall     = "reject_call"
	EventEndCall        = "end_call"
	EventICECandidate   = "ice_candidate"
	EventGetCallHistory = "get_call_history"
	EventGetRecordings  = "get_recordings"
)

// Server-originated events.
const (
	EventIncomingCall = "incoming_call"
	EventCallRinging  = "call_ringing"
	EventCallAccepted = "call_accepted"
	EventCallRejected = "call_rejected"
	EventCallEnded    = "call_ended"
)

// callUserRequest starts a call. `to` is the callee, addressed either by
// session id or by user id.
type callUserRequest struct {
	To      string          `json:"to"`
	Signal  json.RawMessage `json:"signal"`
	IsVideo bool            `json:"isVideo"`
	RoomID  string          `json:"roomId"`
}

type answerCallRequest struct {
	To     string          `json:"to"`
	Signal json.RawMessage `json:"signal"`
	RoomID string          `json:"roomId"`
}

type hangupRequest struct {
	To     string `json:"to"`
	RoomID string `json:"roomId"`
}

type iceCandidateRequest struct {
	To        string          `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

type callHistoryRequest struct {
	RoomID string `json:"roomId"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

type recordingsRequest struct {
	CallID string `json:"callId"`
}

// incomingCallPayload rings the callee.
type incomingCallPayload struct {
	Signal  json.RawMessage `json:"signal"`
	From    string          `json:"from"`
	Name    string          `json:"name"`
	IsVideo bool            `json:"isVideo"`
	RoomID  string          `json:"roomId"`
	CallID  string          `json:"callId"`
}

type callRingingPayload struct {
	RoomID string `json:"roomId"`
	CallID string `json:"callId"`
}

type callAcceptedPayload struct {
	Signal json.RawMessage `json:"signal"`
	From   string          `json:"from"`
	RoomID string          `json:"roomId"`
}

type callClosedPayload struct {
	From   string `json:"from"`
	RoomID string `json:"roomId"`
}

type iceCandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from"`
}

type callHistoryAck struct {
	Success bool          `json:"success"`
	Calls   []models.Call `json:"calls"`
}

type recordingsAck struct {
	Success    bool               `json:"success"`
	Recordings []models.Recording `json:"recordings"`
}
