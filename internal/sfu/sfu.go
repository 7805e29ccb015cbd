// Package sfu orchestrates per-room media routers and the peer graph of
// transports, producers and consumers on top of pion.
package sfu

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/parlorchat/parlor/internal/hub"
)

// Client-originated events.
const (
	EventJoinMediaRoom      = "join_media_room"
	EventSetRTPCapabilities = "set_rtp_capabilities"
	EventCreateTransport    = "create_transport"
	EventConnectTransport   = "connect_transport"
	EventProduce            = "produce"
	EventConsume            = "consume"
	EventResumeConsumer     = "resume_consumer"
	EventGetProducers       = "get_producers"
	EventLeaveMediaRoom     = "leave_media_room"
)

// Server-originated events.
const (
	EventNewProducer = "new_producer"
	EventPeerLeft    = "peer_left"
)

type joinRequest struct {
	RoomID string `json:"roomId"`
}

type joinAck struct {
	Success               bool            `json:"success"`
	RouterRTPCapabilities RTPCapabilities `json:"routerRtpCapabilities"`
}

type setCapabilitiesRequest struct {
	RoomID          string          `json:"roomId"`
	RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
}

type createTransportRequest struct {
	RoomID    string `json:"roomId"`
	Direction string `json:"direction"`
}

type createTransportAck struct {
	Success bool `json:"success"`
	transportDescriptor
}

type connectTransportRequest struct {
	RoomID         string               `json:"roomId"`
	TransportID    string               `json:"transportId"`
	DTLSParameters dtlsParametersInfo   `json:"dtlsParameters"`
	ICEParameters  webrtc.ICEParameters `json:"iceParameters"`
}

type produceRequest struct {
	RoomID        string            `json:"roomId"`
	TransportID   string            `json:"transportId"`
	Kind          string            `json:"kind"`
	RTPParameters rtpParametersInfo `json:"rtpParameters"`
	AppData       json.RawMessage   `json:"appData,omitempty"`
}

type produceAck struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

type consumeRequest struct {
	RoomID     string `json:"roomId"`
	ProducerID string `json:"producerId"`
}

type consumeAck struct {
	Success bool `json:"success"`
	consumerDescriptor
}

type resumeConsumerRequest struct {
	RoomID     string `json:"roomId"`
	ConsumerID string `json:"consumerId"`
}

type leaveRequest struct {
	RoomID string `json:"roomId"`
}

// producerInfo annotates a producer for discovery and new_producer events.
type producerInfo struct {
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
	Username   string `json:"username"`
	Kind       string `json:"kind"`
}

type producersAck struct {
	Success   bool           `json:"success"`
	Producers []producerInfo `json:"producers"`
}

type peerLeftPayload struct {
	PeerID string `json:"peerId"`
	RoomID string `json:"roomId"`
}

// Observer is notified after the peer graph changes in ways the recording
// policy cares about.
type Observer interface {
	ProducerAdded(room *Room)
	PeerRemoved(room *Room)
}

// Service owns the room map and wires media events into the hub.
type Service struct {
	hub     *hub.Hub
	workers []*Worker

	mu     sync.Mutex
	rooms  map[string]*Room
	roomOf map[string]string // session id -> room id
	next   int               // round-robin worker cursor

	obsMu    sync.RWMutex
	observer Observer
}

// New creates the SFU service. Call Register to attach it to the hub.
func New(h *hub.Hub, workers []*Worker) *Service {
	return &Service{
		hub:     h,
		workers: workers,
		rooms:   make(map[string]*Room),
		roomOf:  make(map[string]string),
	}
}

// Register attaches all media handlers plus the disconnect hook.
func (s *Service) Register() {
	s.hub.HandleFunc(EventJoinMediaRoom, s.handleJoin)
	s.hub.HandleFunc(EventSetRTPCapabilities, s.handleSetCapabilities)
	s.hub.HandleFunc(EventCreateTransport, s.handleCreateTransport)
	s.hub.HandleFunc(EventConnectTransport, s.handleConnectTransport)
	s.hub.HandleFunc(EventProduce, s.handleProduce)
	s.hub.HandleFunc(EventConsume, s.handleConsume)
	s.hub.HandleFunc(EventResumeConsumer, s.handleResumeConsumer)
	s.hub.HandleFunc(EventGetProducers, s.handleGetProducers)
	s.hub.HandleFunc(EventLeaveMediaRoom, s.handleLeave)
	s.hub.OnDisconnect(func(c *hub.Client) {
		s.removePeer(c.SessionID())
	})
}

// SetObserver installs the recording policy hook.
func (s *Service) SetObserver(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observer = o
}

func (s *Service) notifyProducerAdded(room *Room) {
	s.obsMu.RLock()
	o := s.observer
	s.obsMu.RUnlock()
	if o != nil {
		o.ProducerAdded(room)
	}
}

func (s *Service) notifyPeerRemoved(room *Room) {
	s.obsMu.RLock()
	o := s.observer
	s.obsMu.RUnlock()
	if o != nil {
		o.PeerRemoved(room)
	}
}

// Room returns the live media room for an id, or nil.
func (s *Service) Room(id string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[id]
}

// RoomCount returns the number of live media rooms.
func (s *Service) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// PeerCount returns the number of peers across all media rooms.
func (s *Service) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, room := range s.rooms {
		n += room.PeerCount()
	}
	return n
}

// getOrCreateRoom lazily allocates a router on the next worker.
func (s *Service) getOrCreateRoom(id string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[id]; ok {
		return room, nil
	}
	worker := s.workers[s.next%len(s.workers)]
	s.next++
	router, err := newRouter(worker)
	if err != nil {
		return nil, err
	}
	room := newRoom(id, router)
	s.rooms[id] = room
	slog.Info("media room created", "room_id", id, "worker", worker.id)
	return room, nil
}

// roomFor resolves the room a session has joined, verifying membership.
func (s *Service) roomFor(sessionID, roomID string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomOf[sessionID] != roomID {
		return nil
	}
	return s.rooms[roomID]
}

// emitToPeers sends a frame to every peer session in the room except one.
func (s *Service) emitToPeers(room *Room, exceptSessionID, event string, data any) {
	for _, id := range room.peerIDs() {
		if id == exceptSessionID {
			continue
		}
		if c := s.hub.SessionOf(id); c != nil {
			c.Send(event, data)
		}
	}
}

func (s *Service) handleJoin(c *hub.Client, frame hub.Frame) {
	var req joinRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
		c.AckError(frame.AckID, EventJoinMediaRoom, "roomId is required")
		return
	}

	room, err := s.getOrCreateRoom(req.RoomID)
	if err != nil {
		slog.Error("creating media room", "room_id", req.RoomID, "error", err)
		c.AckError(frame.AckID, EventJoinMediaRoom, "could not create media room")
		return
	}
	if room.peer(c.SessionID()) != nil {
		c.AckError(frame.AckID, EventJoinMediaRoom, "already joined")
		return
	}

	room.addPeer(newPeer(c.SessionID(), c.Username()))
	s.mu.Lock()
	s.roomOf[c.SessionID()] = req.RoomID
	s.mu.Unlock()

	slog.Info("peer joined media room", "room_id", req.RoomID,
		"session_id", c.SessionID(), "username", c.Username())
	c.Ack(frame.AckID, EventJoinMediaRoom, joinAck{
		Success:               true,
		RouterRTPCapabilities: room.Router().Capabilities(),
	})
}

func (s *Service) handleSetCapabilities(c *hub.Client, frame hub.Frame) {
	var req setCapabilitiesRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
		c.AckError(frame.AckID, EventSetRTPCapabilities, "roomId is required")
		return
	}
	room := s.roomFor(c.SessionID(), req.RoomID)
	if room == nil {
		c.AckError(frame.AckID, EventSetRTPCapabilities, "not in media room")
		return
	}
	room.peer(c.SessionID()).setCapabilities(req.RTPCapabilities)
	c.Ack(frame.AckID, EventSetRTPCapabilities, hub.AckOK)
}

func (s *Service) handleCreateTransport(c *hub.Client, frame hub.Frame) {
	var req createTransportRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
		c.AckError(frame.AckID, EventCreateTransport, "roomId is required")
		return
	}
	direction := Direction(req.Direction)
	if direction != DirectionSend && direction != DirectionRecv {
		c.AckError(frame.AckID, EventCreateTransport, "direction must be send or recv")
		return
	}
	room := s.roomFor(c.SessionID(), req.RoomID)
	if room == nil {
		c.AckError(frame.AckID, EventCreateTransport, "not in media room")
		return
	}

	transport, err := newTransport(room.Router().api, direction)
	if err != nil {
		slog.Error("creating transport", "room_id", req.RoomID, "direction", direction, "error", err)
		c.AckError(frame.AckID, EventCreateTransport, "could not create transport")
		return
	}
	desc, err := transport.describe()
	if err != nil {
		transport.Close()
		slog.Error("describing transport", "transport_id", transport.id, "error", err)
		c.AckError(frame.AckID, EventCreateTransport, "could not create transport")
		return
	}
	room.peer(c.SessionID()).setTransport(transport)
	c.Ack(frame.AckID, EventCreateTransport, createTransportAck{Success: true, transportDescriptor: desc})
}

func (s *Service) handleConnectTransport(c *hub.Client, frame hub.Frame) {
	var req connectTransportRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" || req.TransportID == "" {
		c.AckError(frame.AckID, EventConnectTransport, "roomId and transportId are required")
		return
	}
	room := s.roomFor(c.SessionID(), req.RoomID)
	if room == nil {
		c.AckError(frame.AckID, EventConnectTransport, "not in media room")
		return
	}
	transport := room.findTransport(req.TransportID)
	if transport == nil {
		c.AckError(frame.AckID, EventConnectTransport, "unknown transport: "+req.TransportID)
		return
	}
	if err := transport.Connect(req.ICEParameters, req.DTLSParameters); err != nil {
		slog.Error("connecting transport", "transport_id", req.TransportID, "error", err)
		c.AckError(frame.AckID, EventConnectTransport, "could not connect transport")
		return
	}
	c.Ack(frame.AckID, EventConnectTransport, hub.AckOK)
}

func (s *Service) handleProduce(c *hub.Client, frame hub.Frame) {
	var req produceRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" || req.TransportID == "" {
		c.AckError(frame.AckID, EventProduce, "roomId and transportId are required")
		return
	}
	if req.Kind != "audio" && req.Kind != "video" {
		c.AckError(frame.AckID, EventProduce, "kind must be audio or video")
		return
	}
	room := s.roomFor(c.SessionID(), req.RoomID)
	if room == nil {
		c.AckError(frame.AckID, EventProduce, "not in media room")
		return
	}
	peer := room.peer(c.SessionID())
	transport := peer.transportByID(req.TransportID)
	if transport == nil || transport.direction != DirectionSend {
		c.AckError(frame.AckID, EventProduce, "no send transport with id "+req.TransportID)
		return
	}

	producer, err := newProducer(room.Router(), transport, peer.id, req.Kind, req.RTPParameters)
	if err != nil {
		slog.Error("creating producer", "room_id", req.RoomID, "kind", req.Kind, "error", err)
		c.AckError(frame.AckID, EventProduce, "could not create producer")
		return
	}
	peer.addProducer(producer)

	// Ack before the broadcast so new_producer never names a producer a
	// fellow peer cannot consume yet.
	c.Ack(frame.AckID, EventProduce, produceAck{Success: true, ID: producer.id})
	s.emitToPeers(room, c.SessionID(), EventNewProducer, producerInfo{
		ProducerID: producer.id,
		PeerID:     peer.id,
		Username:   peer.username,
		Kind:       producer.kind,
	})

	slog.Info("producer created", "room_id", req.RoomID, "producer_id", producer.id,
		"peer_id", peer.id, "kind", req.Kind)
	s.notifyProducerAdded(room)
}

func (s *Service) handleConsume(c *hub.Client, frame hub.Frame) {
	var req consumeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" || req.ProducerID == "" {
		c.AckError(frame.AckID, EventConsume, "roomId and producerId are required")
		return
	}
	room := s.roomFor(c.SessionID(), req.RoomID)
	if room == nil {
		c.AckError(frame.AckID, EventConsume, "not in media room")
		return
	}
	peer := room.peer(c.SessionID())

	producer, owner := room.findProducer(req.ProducerID)
	if producer == nil {
		c.AckError(frame.AckID, EventConsume, "unknown producer: "+req.ProducerID)
		return
	}
	if owner.id == peer.id {
		// Clients string-match this message; the casing is part of the
		// protocol.
		c.AckError(frame.AckID, EventConsume, "Cannot consume own producer")
		return
	}
	caps := peer.capabilities()
	if caps == nil {
		c.AckError(frame.AckID, EventConsume, "rtp capabilities not set")
		return
	}
	if !room.Router().CanConsume(producer.codec.MimeType, caps) {
		c.AckError(frame.AckID, EventConsume, "cannot consume producer with given capabilities")
		return
	}
	recv := peer.recvTransport()
	if recv == nil {
		c.AckError(frame.AckID, EventConsume, "no recv transport")
		return
	}

	consumer, err := newConsumer(room.Router(), recv, producer)
	if err != nil {
		slog.Error("creating consumer", "producer_id", req.ProducerID, "error", err)
		c.AckError(frame.AckID, EventConsume, "could not create consumer")
		return
	}
	peer.addConsumer(consumer)
	c.Ack(frame.AckID, EventConsume, consumeAck{Success: true, consumerDescriptor: consumer.describe()})
}

func (s *Service) handleResumeConsumer(c *hub.Client, frame hub.Frame) {
	var req resumeConsumerRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" || req.ConsumerID == "" {
		c.AckError(frame.AckID, EventResumeConsumer, "roomId and consumerId are required")
		return
	}
	room := s.roomFor(c.SessionID(), req.RoomID)
	if room == nil {
		c.AckError(frame.AckID, EventResumeConsumer, "not in media room")
		return
	}
	consumer := room.peer(c.SessionID()).consumerByID(req.ConsumerID)
	if consumer == nil {
		c.AckError(frame.AckID, EventResumeConsumer, "unknown consumer: "+req.ConsumerID)
		return
	}
	consumer.Resume()
	c.Ack(frame.AckID, EventResumeConsumer, hub.AckOK)
}

func (s *Service) handleGetProducers(c *hub.Client, frame hub.Frame) {
	var req joinRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
		c.AckError(frame.AckID, EventGetProducers, "roomId is required")
		return
	}
	room := s.roomFor(c.SessionID(), req.RoomID)
	if room == nil {
		c.AckError(frame.AckID, EventGetProducers, "not in media room")
		return
	}

	producers := []producerInfo{}
	room.mu.RLock()
	for _, peer := range room.peers {
		if peer.id == c.SessionID() {
			continue
		}
		for _, prod := range peer.producerSnapshot() {
			producers = append(producers, producerInfo{
				ProducerID: prod.id,
				PeerID:     peer.id,
				Username:   peer.username,
				Kind:       prod.kind,
			})
		}
	}
	room.mu.RUnlock()
	c.Ack(frame.AckID, EventGetProducers, producersAck{Success: true, Producers: producers})
}

func (s *Service) handleLeave(c *hub.Client, frame hub.Frame) {
	var req leaveRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.RoomID == "" {
		c.SendError(frame.AckID, "roomId is required")
		return
	}
	s.removePeer(c.SessionID())
}

// removePeer is the single teardown path for both leave_media_room and
// transport disconnect.
func (s *Service) removePeer(sessionID string) {
	s.mu.Lock()
	roomID, ok := s.roomOf[sessionID]
	if ok {
		delete(s.roomOf, sessionID)
	}
	room := s.rooms[roomID]
	s.mu.Unlock()
	if !ok || room == nil {
		return
	}

	if room.removePeer(sessionID) == nil {
		return
	}
	slog.Info("peer left media room", "room_id", roomID, "session_id", sessionID)
	s.emitToPeers(room, sessionID, EventPeerLeft, peerLeftPayload{PeerID: sessionID, RoomID: roomID})
	s.notifyPeerRemoved(room)

	if room.empty() {
		s.mu.Lock()
		delete(s.rooms, roomID)
		s.mu.Unlock()
		slog.Info("media room destroyed", "room_id", roomID)
	}
}

// Shutdown tears down every room. Called on process exit.
func (s *Service) Shutdown() {
	s.mu.Lock()
	rooms := s.rooms
	s.rooms = make(map[string]*Room)
	s.roomOf = make(map[string]string)
	s.mu.Unlock()

	for _, room := range rooms {
		for _, id := range room.peerIDs() {
			room.removePeer(id)
		}
	}
}
