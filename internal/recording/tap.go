package recording

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/parlorchat/parlor/internal/sfu"
)

// tapSource is the slice of a producer the tap needs: stream identity plus
// sink attachment.
type tapSource interface {
	PeerID() string
	Kind() string
	AttachSink(id string, s sfu.Sink)
	RemoveSink(id string)
}

// tap forwards one producer's RTP stream to a loopback UDP port where the
// muxer picks it up. It attaches to the producer paused and is resumed only
// after the muxer has bound its sockets.
type tap struct {
	id       string
	producer tapSource
	peerID   string
	kind     string
	port     int
	sdpPath  string

	conn   *net.UDPConn
	paused atomic.Bool
	closed atomic.Bool
}

func newTap(producer tapSource, port int, sdpPath string) (*tap, error) {
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing tap port %d: %w", port, err)
	}

	t := &tap{
		id:       uuid.NewString(),
		producer: producer,
		peerID:   producer.PeerID(),
		kind:     producer.Kind(),
		port:     port,
		sdpPath:  sdpPath,
		conn:     conn,
	}
	t.paused.Store(true)
	producer.AttachSink(t.id, t)
	return t, nil
}

// WriteRTP implements sfu.Sink. Packets are dropped while paused.
func (t *tap) WriteRTP(pkt *rtp.Packet) error {
	if t.paused.Load() || t.closed.Load() {
		return nil
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = t.conn.Write(buf)
	return err
}

func (t *tap) resume() { t.paused.Store(false) }

// close detaches from the producer, drops the socket and removes the SDP
// file. Idempotent.
func (t *tap) close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.producer.RemoveSink(t.id)
	t.conn.Close()
	os.Remove(t.sdpPath)
}
