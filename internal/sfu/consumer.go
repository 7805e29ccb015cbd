package sfu

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Consumer forwards one producer's stream to a peer's recv transport. It is
// created paused; the client resumes it once its decoder is ready, which
// keeps the first keyframe from landing before anyone is listening.
type Consumer struct {
	id         string
	producerID string
	kind       string
	codec      webrtc.RTPCodecParameters

	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender

	paused atomic.Bool
	closed atomic.Bool
}

// consumerDescriptor is the ack payload for consume.
type consumerDescriptor struct {
	ID            string `json:"id"`
	ProducerID    string `json:"producerId"`
	Kind          string `json:"kind"`
	RTPParameters struct {
		Codecs    []CodecCapability `json:"codecs"`
		Encodings []struct {
			SSRC uint32 `json:"ssrc"`
		} `json:"encodings"`
	} `json:"rtpParameters"`
}

func newConsumer(router *Router, transport *Transport, producer *Producer) (*Consumer, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		producer.Codec().RTPCodecCapability, uuid.NewString(), uuid.NewString())
	if err != nil {
		return nil, err
	}
	sender, err := router.api.NewRTPSender(track, transport.DTLS())
	if err != nil {
		return nil, err
	}
	if err := sender.Send(sender.GetParameters()); err != nil {
		return nil, err
	}

	c := &Consumer{
		id:         uuid.NewString(),
		producerID: producer.ID(),
		kind:       producer.Kind(),
		codec:      producer.Codec(),
		track:      track,
		sender:     sender,
	}
	c.paused.Store(true)
	producer.AttachSink(c.id, c)
	return c, nil
}

// ID returns the consumer id.
func (c *Consumer) ID() string { return c.id }

// ProducerID returns the id of the producer being consumed.
func (c *Consumer) ProducerID() string { return c.producerID }

// WriteRTP implements Sink. Packets are dropped while paused.
func (c *Consumer) WriteRTP(pkt *rtp.Packet) error {
	if c.paused.Load() || c.closed.Load() {
		return nil
	}
	return c.track.WriteRTP(pkt)
}

// Resume starts delivery to the client.
func (c *Consumer) Resume() { c.paused.Store(false) }

// Close stops the sender. The producer side detaches the sink separately.
func (c *Consumer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if err := c.sender.Stop(); err != nil {
		slogDebugClose("sender", c.id, err)
	}
}

func (c *Consumer) describe() consumerDescriptor {
	desc := consumerDescriptor{ID: c.id, ProducerID: c.producerID, Kind: c.kind}
	desc.RTPParameters.Codecs = []CodecCapability{{
		MimeType:             c.codec.MimeType,
		Kind:                 c.kind,
		ClockRate:            c.codec.ClockRate,
		Channels:             c.codec.Channels,
		PreferredPayloadType: uint8(c.codec.PayloadType),
		SDPFmtpLine:          c.codec.SDPFmtpLine,
	}}
	for _, enc := range c.sender.GetParameters().Encodings {
		desc.RTPParameters.Encodings = append(desc.RTPParameters.Encodings, struct {
			SSRC uint32 `json:"ssrc"`
		}{SSRC: uint32(enc.SSRC)})
	}
	return desc
}
