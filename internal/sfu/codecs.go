package sfu

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// The fixed codec set every router advertises. Payload types are pinned so
// tap SDP files and client offers agree without negotiation.
var routerCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 125,
	},
}

// CodecCapability is the wire form of a single router codec.
type CodecCapability struct {
	MimeType             string `json:"mimeType"`
	Kind                 string `json:"kind"`
	ClockRate            uint32 `json:"clockRate"`
	Channels             uint16 `json:"channels,omitempty"`
	PreferredPayloadType uint8  `json:"preferredPayloadType,omitempty"`
	SDPFmtpLine          string `json:"parameters,omitempty"`
}

// RTPCapabilities is exchanged with clients: the router advertises its codec
// set on join, and clients report their decode capabilities before consuming.
type RTPCapabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

func kindOfMime(mime string) string {
	if strings.HasPrefix(strings.ToLower(mime), "audio/") {
		return "audio"
	}
	return "video"
}

func routerCapabilities() RTPCapabilities {
	caps := RTPCapabilities{Codecs: make([]CodecCapability, 0, len(routerCodecs))}
	for _, c := range routerCodecs {
		caps.Codecs = append(caps.Codecs, CodecCapability{
			MimeType:             c.MimeType,
			Kind:                 kindOfMime(c.MimeType),
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			PreferredPayloadType: uint8(c.PayloadType),
			SDPFmtpLine:          c.SDPFmtpLine,
		})
	}
	return caps
}

// codecForKind returns the router's preferred codec parameters for a media
// kind, preferring the mime type the client named when it matches.
func codecForKind(kind, preferredMime string) (webrtc.RTPCodecParameters, bool) {
	var fallback webrtc.RTPCodecParameters
	var found bool
	for _, c := range routerCodecs {
		if kindOfMime(c.MimeType) != kind {
			continue
		}
		if preferredMime != "" && strings.EqualFold(c.MimeType, preferredMime) {
			return c, true
		}
		if !found {
			fallback = c
			found = true
		}
	}
	return fallback, found
}

func newMediaEngine() (*webrtc.MediaEngine, error) {
	var me webrtc.MediaEngine
	for _, c := range routerCodecs {
		typ := webrtc.RTPCodecTypeVideo
		if kindOfMime(c.MimeType) == "audio" {
			typ = webrtc.RTPCodecTypeAudio
		}
		if err := me.RegisterCodec(c, typ); err != nil {
			return nil, err
		}
	}
	return &me, nil
}
