package recording

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	muxerBindDelay = time.Second
	muxerQuitGrace = 2 * time.Second
	muxerKillGrace = 2 * time.Second
	audioBitrate   = "192k"
	videoPreset    = "fast"
	videoCRF       = "23"
)

// buildMuxerArgs assembles the ffmpeg invocation: probing flags, one input
// per SDP file (audio first), a filter graph mixing audio and stacking
// video, then the encoders for the chosen container.
func buildMuxerArgs(audioSDPs, videoSDPs []string, output string) []string {
	args := []string{
		"-y",
		"-protocol_whitelist", "file,udp,rtp",
		"-analyzeduration", "10M",
		"-probesize", "10M",
		"-fflags", "+genpts+discardcorrupt",
	}
	for _, p := range audioSDPs {
		args = append(args, "-i", p)
	}
	for _, p := range videoSDPs {
		args = append(args, "-i", p)
	}

	nAudio, nVideo := len(audioSDPs), len(videoSDPs)
	var filters []string
	if nAudio > 1 {
		var in strings.Builder
		for i := 0; i < nAudio; i++ {
			fmt.Fprintf(&in, "[%d:a]", i)
		}
		filters = append(filters, fmt.Sprintf("%samix=inputs=%d:duration=longest[aout]", in.String(), nAudio))
	} else if nAudio == 1 {
		filters = append(filters, "[0:a]acopy[aout]")
	}
	if nVideo >= 2 {
		filters = append(filters, fmt.Sprintf("[%d:v][%d:v]hstack=inputs=2[vout]", nAudio, nAudio+1))
	} else if nVideo == 1 {
		filters = append(filters, fmt.Sprintf("[%d:v]copy[vout]", nAudio))
	}
	if len(filters) > 0 {
		args = append(args, "-filter_complex", strings.Join(filters, ";"))
	}

	if nAudio > 0 {
		args = append(args, "-map", "[aout]")
		if nVideo > 0 {
			args = append(args, "-c:a", "aac", "-b:a", audioBitrate)
		} else {
			args = append(args, "-c:a", "libmp3lame", "-b:a", audioBitrate)
		}
	}
	if nVideo > 0 {
		args = append(args,
			"-map", "[vout]",
			"-c:v", "libx264", "-preset", videoPreset, "-crf", videoCRF)
	}
	return append(args, output)
}

// muxer wraps the external ffmpeg process.
type muxer struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
}

func startMuxer(bin string, args []string, recordingID string) (*muxer, error) {
	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening muxer stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning muxer: %w", err)
	}

	m := &muxer{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	go func() {
		defer close(m.done)
		if err := cmd.Wait(); err != nil {
			// Death before stop leaves a partial file on disk.
			slog.Warn("muxer exited", "recording_id", recordingID, "error", err)
		}
	}()
	slog.Info("muxer started", "recording_id", recordingID, "pid", cmd.Process.Pid)
	return m, nil
}

// stop escalates: graceful quit over stdin, SIGTERM after the grace period,
// SIGKILL after another.
func (m *muxer) stop() {
	io.WriteString(m.stdin, "q")
	m.stdin.Close()

	select {
	case <-m.done:
		return
	case <-time.After(muxerQuitGrace):
		m.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-m.done:
	case <-time.After(muxerKillGrace):
		m.cmd.Process.Kill()
		<-m.done
	}
}
