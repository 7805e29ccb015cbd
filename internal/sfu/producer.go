package sfu

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Sink receives a producer's RTP stream. Consumers and recording taps both
// implement it; a failing sink is detached, never allowed to stall the relay.
type Sink interface {
	WriteRTP(*rtp.Packet) error
}

// rtpParametersInfo is the client's description of the stream it is about
// to send. Only the first encoding's SSRC is load-bearing.
type rtpParametersInfo struct {
	Codecs []struct {
		MimeType    string `json:"mimeType"`
		PayloadType uint8  `json:"payloadType"`
		ClockRate   uint32 `json:"clockRate"`
		Channels    uint16 `json:"channels,omitempty"`
	} `json:"codecs"`
	Encodings []struct {
		SSRC uint32 `json:"ssrc"`
	} `json:"encodings"`
}

// Producer owns an inbound RTP stream and fans it out to attached sinks.
type Producer struct {
	id     string
	peerID string
	kind   string // audio | video
	codec  webrtc.RTPCodecParameters

	receiver *webrtc.RTPReceiver
	track    *webrtc.TrackRemote

	mu     sync.RWMutex
	sinks  map[string]Sink
	closed bool
	done   chan struct{}
}

func newProducer(router *Router, transport *Transport, peerID, kind string, params rtpParametersInfo) (*Producer, error) {
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, errors.New("rtpParameters must carry an encoding with an ssrc")
	}
	var preferredMime string
	if len(params.Codecs) > 0 {
		preferredMime = params.Codecs[0].MimeType
	}
	codec, ok := codecForKind(kind, preferredMime)
	if !ok {
		return nil, errors.New("unsupported media kind " + kind)
	}

	typ := webrtc.RTPCodecTypeVideo
	if kind == "audio" {
		typ = webrtc.RTPCodecTypeAudio
	}
	receiver, err := router.api.NewRTPReceiver(typ, transport.DTLS())
	if err != nil {
		return nil, err
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.Encodings[0].SSRC),
				PayloadType: codec.PayloadType,
			},
		}},
	}); err != nil {
		return nil, err
	}

	p := &Producer{
		id:       uuid.NewString(),
		peerID:   peerID,
		kind:     kind,
		codec:    codec,
		receiver: receiver,
		track:    receiver.Track(),
		sinks:    make(map[string]Sink),
		done:     make(chan struct{}),
	}
	go p.relay()
	return p, nil
}

// ID returns the producer id.
func (p *Producer) ID() string { return p.id }

// PeerID returns the session id of the producing peer.
func (p *Producer) PeerID() string { return p.peerID }

// Kind returns "audio" or "video".
func (p *Producer) Kind() string { return p.kind }

// Codec returns the negotiated codec parameters of the stream.
func (p *Producer) Codec() webrtc.RTPCodecParameters { return p.codec }

// Done is closed when the producer stops relaying.
func (p *Producer) Done() <-chan struct{} { return p.done }

// AttachSink subscribes a sink to the producer's stream.
func (p *Producer) AttachSink(id string, s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.sinks[id] = s
	}
}

// RemoveSink unsubscribes a sink.
func (p *Producer) RemoveSink(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, id)
}

// relay pumps inbound RTP to every attached sink until the track ends.
func (p *Producer) relay() {
	defer close(p.done)
	for {
		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("producer relay stopped", "producer_id", p.id, "error", err)
			}
			return
		}

		p.mu.RLock()
		var failed []string
		for id, sink := range p.sinks {
			if err := sink.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				failed = append(failed, id)
			}
		}
		p.mu.RUnlock()

		for _, id := range failed {
			slog.Debug("detaching failed sink", "producer_id", p.id, "sink_id", id)
			p.RemoveSink(id)
		}
	}
}

// Close stops the receiver and drops all sinks.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.sinks = make(map[string]Sink)
	p.mu.Unlock()

	if p.receiver != nil {
		if err := p.receiver.Stop(); err != nil {
			slogDebugClose("receiver", p.id, err)
		}
	}
}

func slogDebugClose(what, id string, err error) {
	slog.Debug("closing "+what, "id", id, "error", err)
}
