// Package signal bridges one-to-one call signalling over the hub and keeps
// the durable call records in step with the wire events.
package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlorchat/parlor/internal/database"
	"github.com/parlorchat/parlor/internal/database/models"
	"github.com/parlorchat/parlor/internal/hub"
)

const dbTimeout = 5 * time.Second

// callState is the in-memory record of a live call, keyed by room id. It is
// dropped on every terminal transition.
type callState struct {
	callID   string
	caller   string
	answered bool
}

// Service wires signalling events into the hub.
type Service struct {
	hub        *hub.Hub
	calls      database.CallRepository
	recordings database.RecordingRepository

	mu     sync.Mutex
	active map[string]*callState // room id -> live call
}

// New creates the signalling service. Call Register to attach it.
func New(h *hub.Hub, calls database.CallRepository, recordings database.RecordingRepository) *Service {
	return &Service{
		hub:        h,
		calls:      calls,
		recordings: recordings,
		active:     make(map[string]*callState),
	}
}

// Register attaches all signalling handlers to the hub.
func (s *Service) Register() {
	s.hub.HandleFunc(EventCallUser, s.handleCallUser)
	s.hub.HandleFunc(EventAnswerCall, s.handleAnswerCall)
	s.hub.HandleFunc(EventRejectCall, s.handleRejectCall)
	s.hub.HandleFunc(EventEndCall, s.handleEndCall)
	s.hub.HandleFunc(EventICECandidate, s.handleICECandidate)
	s.hub.HandleFunc(EventGetCallHistory, s.handleCallHistory)
	s.hub.HandleFunc(EventGetRecordings, s.handleRecordings)
}

// ActiveCallID returns the live call id for a room, or "".
func (s *Service) ActiveCallID(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.active[roomID]; ok {
		return st.callID
	}
	return ""
}

// target resolves the `to` field of a signalling frame: a session id is
// accepted directly, anything else is treated as a user id and resolved to
// that user's oldest session. Returns nil when the target has no session;
// durable effects still apply in that case, only the wire frame is dropped.
func (s *Service) target(to string) *hub.Client {
	if c := s.hub.SessionOf(to); c != nil {
		return c
	}
	return s.hub.FirstSessionOf(to)
}

func (s *Service) handleCallUser(c *hub.Client, frame hub.Frame) {
	var req callUserRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.To == "" || req.RoomID == "" {
		c.SendError(frame.AckID, "to and roomId are required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	callType := models.CallAudio
	if req.IsVideo {
		callType = models.CallVideo
	}
	call := &models.Call{
		ID:          uuid.NewString(),
		RoomID:      req.RoomID,
		InitiatorID: c.UserID(),
		CallType:    callType,
		Status:      models.CallRinging,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.calls.Create(ctx, call); err != nil {
		slog.Error("creating call", "room_id", req.RoomID, "error", err)
		c.SendError(frame.AckID, "could not start call")
		return
	}

	s.mu.Lock()
	s.active[req.RoomID] = &callState{callID: call.ID, caller: c.UserID()}
	s.mu.Unlock()

	slog.Info("call started", "call_id", call.ID, "room_id", req.RoomID,
		"caller", c.UserID(), "video", req.IsVideo)

	callee := s.target(req.To)
	if callee == nil {
		slog.Debug("callee has no session", "to", req.To, "call_id", call.ID)
		return
	}
	callee.Send(EventIncomingCall, incomingCallPayload{
		Signal:  req.Signal,
		From:    c.UserID(),
		Name:    c.Username(),
		IsVideo: req.IsVideo,
		RoomID:  req.RoomID,
		CallID:  call.ID,
	})
	// Ring-back goes to the caller only when the callee is reachable.
	c.Send(EventCallRinging, callRingingPayload{RoomID: req.RoomID, CallID: call.ID})
}

func (s *Service) handleAnswerCall(c *hub.Client, frame hub.Frame) {
	var req answerCallRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
		c.SendError(frame.AckID, "roomId is required")
		return
	}

	s.mu.Lock()
	st, ok := s.active[req.RoomID]
	if ok {
		st.answered = true
	}
	s.mu.Unlock()
	if !ok {
		c.SendError(frame.AckID, "no active call for this room")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	now := time.Now().UTC()
	if err := s.calls.AddParticipant(ctx, st.callID, c.UserID(), now); err != nil {
		slog.Error("adding call participant", "call_id", st.callID, "error", err)
	}
	if err := s.calls.MarkAnswered(ctx, st.callID, c.UserID()); err != nil {
		slog.Error("marking answered", "call_id", st.callID, "error", err)
	}
	if err := s.calls.SetStatus(ctx, st.callID, models.CallOngoing, nil); err != nil {
		slog.Error("setting call ongoing", "call_id", st.callID, "error", err)
	}

	slog.Info("call answered", "call_id", st.callID, "room_id", req.RoomID, "callee", c.UserID())

	if caller := s.target(req.To); caller != nil {
		caller.Send(EventCallAccepted, callAcceptedPayload{
			Signal: req.Signal, From: c.UserID(), RoomID: req.RoomID,
		})
	}
}

func (s *Service) handleRejectCall(c *hub.Client, frame hub.Frame) {
	var req hangupRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
		c.SendError(frame.AckID, "roomId is required")
		return
	}

	st := s.takeState(req.RoomID)
	if st == nil {
		c.SendError(frame.AckID, "no active call for this room")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	ended := time.Now().UTC()
	if err := s.calls.SetStatus(ctx, st.callID, models.CallRejected, &ended); err != nil {
		slog.Error("setting call rejected", "call_id", st.callID, "error", err)
	}
	slog.Info("call rejected", "call_id", st.callID, "room_id", req.RoomID, "by", c.UserID())

	if peer := s.target(req.To); peer != nil {
		peer.Send(EventCallRejected, callClosedPayload{From: c.UserID(), RoomID: req.RoomID})
	}
}

func (s *Service) handleEndCall(c *hub.Client, frame hub.Frame) {
	var req hangupRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
		c.SendError(frame.AckID, "roomId is required")
		return
	}

	st := s.takeState(req.RoomID)
	if st == nil {
		c.SendError(frame.AckID, "no active call for this room")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	// A call torn down before anyone answered was missed, not completed.
	status := models.CallCompleted
	if !st.answered {
		status = models.CallMissed
	}
	ended := time.Now().UTC()
	if err := s.calls.SetStatus(ctx, st.callID, status, &ended); err != nil {
		slog.Error("setting call ended", "call_id", st.callID, "status", status, "error", err)
	}
	slog.Info("call ended", "call_id", st.callID, "room_id", req.RoomID,
		"status", status, "by", c.UserID())

	if peer := s.target(req.To); peer != nil {
		peer.Send(EventCallEnded, callClosedPayload{From: c.UserID(), RoomID: req.RoomID})
	}
}

// takeState removes and returns the live call state for a room.
func (s *Service) takeState(roomID string) *callState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.active[roomID]
	delete(s.active, roomID)
	return st
}

func (s *Service) handleICECandidate(c *hub.Client, frame hub.Frame) {
	var req iceCandidateRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.To == "" {
		c.SendError(frame.AckID, "to is required")
		return
	}
	// From carries the sending session, not the user, so a multi-device
	// peer answers the exact device that is negotiating.
	if peer := s.target(req.To); peer != nil {
		peer.Send(EventICECandidate, iceCandidatePayload{
			Candidate: req.Candidate, From: c.SessionID(),
		})
	}
}

// handleCallHistory acks the room's persisted calls, newest first. A request
// without a roomId acks an empty list rather than an error; clients poll
// this before the first call ever happens.
func (s *Service) handleCallHistory(c *hub.Client, frame hub.Frame) {
	var req callHistoryRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		c.AckError(frame.AckID, EventGetCallHistory, "malformed request")
		return
	}
	if req.RoomID == "" {
		c.Ack(frame.AckID, EventGetCallHistory, callHistoryAck{Success: true, Calls: []models.Call{}})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	calls, err := s.calls.ListByRoom(ctx, req.RoomID, req.Limit, req.Offset)
	if err != nil {
		slog.Error("listing call history", "room_id", req.RoomID, "error", err)
		c.AckError(frame.AckID, EventGetCallHistory, "could not load call history")
		return
	}
	if calls == nil {
		calls = []models.Call{}
	}
	c.Ack(frame.AckID, EventGetCallHistory, callHistoryAck{Success: true, Calls: calls})
}

func (s *Service) handleRecordings(c *hub.Client, frame hub.Frame) {
	var req recordingsRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.CallID == "" {
		c.AckError(frame.AckID, EventGetRecordings, "callId is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	recs, err := s.recordings.ListByCall(ctx, req.CallID)
	if err != nil {
		slog.Error("listing recordings", "call_id", req.CallID, "error", err)
		c.AckError(frame.AckID, EventGetRecordings, "could not load recordings")
		return
	}
	if recs == nil {
		recs = []models.Recording{}
	}
	c.Ack(frame.AckID, EventGetRecordings, recordingsAck{Success: true, Recordings: recs})
}
