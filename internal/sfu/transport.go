package sfu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// Direction distinguishes the peer's uplink from its downlink transport.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// iceCandidateInfo is the wire form of a gathered host candidate.
type iceCandidateInfo struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

// dtlsParametersInfo carries DTLS role and fingerprints in both directions.
type dtlsParametersInfo struct {
	Role         string                    `json:"role,omitempty"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

func (d dtlsParametersInfo) toPion() webrtc.DTLSParameters {
	role := webrtc.DTLSRoleAuto
	switch strings.ToLower(d.Role) {
	case "client":
		role = webrtc.DTLSRoleClient
	case "server":
		role = webrtc.DTLSRoleServer
	}
	return webrtc.DTLSParameters{Role: role, Fingerprints: d.Fingerprints}
}

// transportDescriptor is returned from create_transport: everything the
// client needs to connect without SDP offer/answer.
type transportDescriptor struct {
	ID             string               `json:"id"`
	ICEParameters  webrtc.ICEParameters `json:"iceParameters"`
	ICECandidates  []iceCandidateInfo   `json:"iceCandidates"`
	DTLSParameters dtlsParametersInfo   `json:"dtlsParameters"`
}

// Transport wraps the ORTC triple (gatherer, ICE, DTLS) for one direction of
// one peer. Candidates are gathered eagerly at creation so the descriptor is
// complete when the ack goes out.
type Transport struct {
	id        string
	direction Direction

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	mu        sync.Mutex
	connected bool
	closed    bool
}

func newTransport(api *webrtc.API, direction Direction) (*Transport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, fmt.Errorf("creating dtls transport: %w", err)
	}

	t := &Transport{
		id:        uuid.NewString(),
		direction: direction,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
	}
	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		if state == webrtc.DTLSTransportStateClosed {
			t.Close()
		}
	})

	gathered := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gathered)
		}
	})
	if err := gatherer.Gather(); err != nil {
		t.Close()
		return nil, fmt.Errorf("gathering candidates: %w", err)
	}
	<-gathered
	return t, nil
}

// ID returns the transport id handed to the client.
func (t *Transport) ID() string { return t.id }

// DTLS exposes the DTLS transport for receiver/sender construction.
func (t *Transport) DTLS() *webrtc.DTLSTransport { return t.dtls }

func (t *Transport) describe() (transportDescriptor, error) {
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return transportDescriptor{}, fmt.Errorf("reading ice parameters: %w", err)
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return transportDescriptor{}, fmt.Errorf("reading ice candidates: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return transportDescriptor{}, fmt.Errorf("reading dtls parameters: %w", err)
	}

	desc := transportDescriptor{
		ID:            t.id,
		ICEParameters: iceParams,
		DTLSParameters: dtlsParametersInfo{
			Role:         "auto",
			Fingerprints: dtlsParams.Fingerprints,
		},
	}
	for _, c := range candidates {
		desc.ICECandidates = append(desc.ICECandidates, iceCandidateInfo{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	return desc, nil
}

// Connect starts ICE (controlled role, the client drives checks) and DTLS
// with the client's parameters. Safe to call once.
func (t *Transport) Connect(remoteICE webrtc.ICEParameters, remoteDTLS dtlsParametersInfo) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport %s is closed", t.id)
	}
	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("transport %s is already connected", t.id)
	}
	t.connected = true
	t.mu.Unlock()

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, remoteICE, &role); err != nil {
		return fmt.Errorf("starting ice: %w", err)
	}
	if err := t.dtls.Start(remoteDTLS.toPion()); err != nil {
		return fmt.Errorf("starting dtls: %w", err)
	}
	return nil
}

// Close tears down DTLS then ICE. Idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.dtls.Stop(); err != nil {
		slogDebugClose("dtls", t.id, err)
	}
	if err := t.ice.Stop(); err != nil {
		slogDebugClose("ice", t.id, err)
	}
}
