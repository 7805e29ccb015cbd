package recording

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

// writeTapSDP describes a single loopback RTP stream so the muxer can read
// it with -protocol_whitelist file,udp,rtp.
func writeTapSDP(path, kind string, codec webrtc.RTPCodecParameters, port int) error {
	name := codecName(codec.MimeType)
	if name == "" {
		return fmt.Errorf("no rtpmap name for %s", codec.MimeType)
	}

	sessionID := uint64(time.Now().UnixNano())
	desc := sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "parlor-recording",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "127.0.0.1"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(codec.PayloadType))},
		},
	}
	media = media.WithCodec(uint8(codec.PayloadType), name, codec.ClockRate, uint16(codec.Channels), codec.SDPFmtpLine)
	desc.MediaDescriptions = append(desc.MediaDescriptions, media)

	raw, err := desc.Marshal()
	if err != nil {
		return fmt.Errorf("marshalling sdp: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}

// codecName maps a mime type to its rtpmap encoding name.
func codecName(mime string) string {
	switch strings.ToLower(mime) {
	case strings.ToLower(webrtc.MimeTypeOpus):
		return "opus"
	case strings.ToLower(webrtc.MimeTypeVP8):
		return "VP8"
	case strings.ToLower(webrtc.MimeTypeH264):
		return "H264"
	}
	return ""
}
