// Package recording watches the SFU peer graph and captures calls to disk
// automatically: taps every producer over loopback RTP and muxes the streams
// with an external ffmpeg process.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parlorchat/parlor/internal/database"
	"github.com/parlorchat/parlor/internal/database/models"
	"github.com/parlorchat/parlor/internal/sfu"
)

const dbTimeout = 5 * time.Second

// CallResolver maps a room to its live call so recording rows can reference
// the call they belong to.
type CallResolver interface {
	ActiveCallID(roomID string) string
}

// shouldStart is the trigger policy: a recording begins when no recording
// exists and at least two peers are each sending media.
func shouldStart(alreadyRecording bool, producingPeers int) bool {
	return !alreadyRecording && producingPeers >= 2
}

// shouldStop is the stop policy: an active recording ends once fewer than
// two peers remain in the room.
func shouldStop(recording bool, peers int) bool {
	return recording && peers < 2
}

// session is one in-flight recording. ready is closed once the taps are
// resumed (or startup failed), so stop never races startup.
type session struct {
	id         string
	roomID     string
	outputPath string
	hasVideo   bool
	startedAt  time.Time

	ready chan struct{}
	ok    bool
	taps  []*tap
	mux   *muxer
}

// Config carries the capture settings for the controller.
type Config struct {
	Dir        string // where artifacts and transient SDP files land
	FFmpegPath string
	PortMin    int // UDP window for the loopback taps
	PortMax    int
}

// Controller implements sfu.Observer and owns the recording lifecycle.
type Controller struct {
	recordings database.RecordingRepository
	calls      CallResolver
	cfg        Config

	mu     sync.Mutex
	active map[string]*session // room id -> in-flight recording
}

// NewController creates the controller. Attach it with sfu.SetObserver.
func NewController(recordings database.RecordingRepository, calls CallResolver, cfg Config) *Controller {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &Controller{
		recordings: recordings,
		calls:      calls,
		cfg:        cfg,
		active:     make(map[string]*session),
	}
}

// ProducerAdded implements sfu.Observer. Late producers never join an
// ongoing recording; the policy only fires while no recording exists.
func (c *Controller) ProducerAdded(room *sfu.Room) {
	c.mu.Lock()
	_, recording := c.active[room.ID()]
	if !shouldStart(recording, room.ProducingPeerCount()) {
		c.mu.Unlock()
		return
	}
	sess := &session{
		id:        fmt.Sprintf("%s_%d", room.ID(), time.Now().UnixMilli()),
		roomID:    room.ID(),
		startedAt: time.Now().UTC(),
		ready:     make(chan struct{}),
	}
	c.active[room.ID()] = sess
	c.mu.Unlock()

	go c.start(room, sess)
}

// PeerRemoved implements sfu.Observer.
func (c *Controller) PeerRemoved(room *sfu.Room) {
	c.mu.Lock()
	sess, recording := c.active[room.ID()]
	if !shouldStop(recording, room.PeerCount()) {
		c.mu.Unlock()
		return
	}
	delete(c.active, room.ID())
	c.mu.Unlock()

	go c.stop(sess)
}

// ActiveCount returns the number of in-flight recording sessions.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Shutdown stops every in-flight recording. Called on process exit.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	active := c.active
	c.active = make(map[string]*session)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range active {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			c.stop(s)
		}(sess)
	}
	wg.Wait()
}

// start snapshots the room's producers, builds one tap + SDP file per
// producer (audio first), spawns the muxer, persists the recording row,
// and resumes the taps after the muxer has had time to bind.
func (c *Controller) start(room *sfu.Room, sess *session) {
	defer close(sess.ready)

	producers := room.Producers()
	for _, p := range producers {
		if p.Kind() == "video" {
			sess.hasVideo = true
			break
		}
	}
	ext := ".mp3"
	if sess.hasVideo {
		ext = ".mp4"
	}
	sess.outputPath = filepath.Join(c.cfg.Dir, sess.id+ext)

	var audioTaps, videoTaps []*tap
	for _, p := range producers {
		t, err := c.buildTap(sess.id, p)
		if err != nil {
			slog.Warn("skipping tap", "recording_id", sess.id,
				"producer_id", p.ID(), "error", err)
			continue
		}
		if p.Kind() == "audio" {
			audioTaps = append(audioTaps, t)
		} else {
			videoTaps = append(videoTaps, t)
		}
	}
	sess.taps = append(audioTaps, videoTaps...)
	if len(sess.taps) == 0 {
		slog.Error("no usable taps, aborting recording", "recording_id", sess.id)
		c.abort(sess)
		return
	}

	audioSDPs := make([]string, len(audioTaps))
	for i, t := range audioTaps {
		audioSDPs[i] = t.sdpPath
	}
	videoSDPs := make([]string, len(videoTaps))
	for i, t := range videoTaps {
		videoSDPs[i] = t.sdpPath
	}

	mux, err := startMuxer(c.cfg.FFmpegPath, buildMuxerArgs(audioSDPs, videoSDPs, sess.outputPath), sess.id)
	if err != nil {
		slog.Error("spawning muxer, aborting recording", "recording_id", sess.id, "error", err)
		c.abort(sess)
		return
	}
	sess.mux = mux

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	if err := c.recordings.Create(ctx, &models.Recording{
		ID:        sess.id,
		CallID:    c.calls.ActiveCallID(sess.roomID),
		RoomID:    sess.roomID,
		FilePath:  sess.outputPath,
		HasVideo:  sess.hasVideo,
		StartedAt: sess.startedAt,
	}); err != nil {
		slog.Error("persisting recording row", "recording_id", sess.id, "error", err)
	}
	cancel()

	// Resuming before the muxer binds its sockets drops the first packets.
	time.Sleep(muxerBindDelay)
	for _, t := range sess.taps {
		t.resume()
	}
	sess.ok = true
	slog.Info("recording started", "recording_id", sess.id, "room_id", sess.roomID,
		"taps", len(sess.taps), "has_video", sess.hasVideo, "output", sess.outputPath)
}

func (c *Controller) buildTap(recordingID string, p *sfu.Producer) (*tap, error) {
	port, err := allocateTapPort(c.cfg.PortMin, c.cfg.PortMax)
	if err != nil {
		return nil, err
	}
	sdpPath := filepath.Join(c.cfg.Dir, fmt.Sprintf("%s_%s.sdp", recordingID, p.ID()))
	if err := writeTapSDP(sdpPath, p.Kind(), p.Codec(), port); err != nil {
		return nil, err
	}
	t, err := newTap(p, port, sdpPath)
	if err != nil {
		// The tap owns the SDP file once it exists; until then the file must
		// not outlive the failed attempt.
		os.Remove(sdpPath)
		return nil, err
	}
	return t, nil
}

// abort tears down a recording that never got going and clears its slot.
func (c *Controller) abort(sess *session) {
	for _, t := range sess.taps {
		t.close()
	}
	c.mu.Lock()
	if c.active[sess.roomID] == sess {
		delete(c.active, sess.roomID)
	}
	c.mu.Unlock()
}

// stop flushes the muxer, closes the taps (which removes the SDP files) and
// finalizes the recording row with the measured duration.
func (c *Controller) stop(sess *session) {
	<-sess.ready
	if !sess.ok {
		return
	}

	sess.mux.stop()
	for _, t := range sess.taps {
		t.close()
	}

	duration := int(time.Since(sess.startedAt).Seconds())
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := c.recordings.Finalize(ctx, sess.id, duration); err != nil {
		slog.Error("finalizing recording row", "recording_id", sess.id, "error", err)
	}
	slog.Info("recording stopped", "recording_id", sess.id,
		"room_id", sess.roomID, "duration_secs", duration)
}
