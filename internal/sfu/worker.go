package sfu

import (
	"fmt"
	"log/slog"
	"net"
	"runtime"

	"github.com/pion/webrtc/v3"
)

// Worker owns the port range and address configuration for the routers
// assigned to it. One worker is spawned per CPU; rooms are handed out
// round-robin. A worker that cannot open a UDP socket in its range is
// unusable, and SpawnWorkers treats that as fatal configuration.
type Worker struct {
	id       int
	portMin  uint16
	portMax  uint16
	publicIP string
}

// WorkerConfig carries the media-plane settings shared by all workers.
type WorkerConfig struct {
	PortMin  int
	PortMax  int
	PublicIP string // announced in ICE host candidates; empty disables rewriting
}

// SpawnWorkers creates one worker per CPU and verifies the UDP range is
// usable before any of them is handed a room.
func SpawnWorkers(cfg WorkerConfig) ([]*Worker, error) {
	if err := probeUDPRange(cfg.PortMin, cfg.PortMax); err != nil {
		return nil, fmt.Errorf("media port range %d-%d unusable: %w", cfg.PortMin, cfg.PortMax, err)
	}

	n := runtime.NumCPU()
	workers := make([]*Worker, n)
	for i := 0; i < n; i++ {
		workers[i] = &Worker{
			id:       i,
			portMin:  uint16(cfg.PortMin),
			portMax:  uint16(cfg.PortMax),
			publicIP: cfg.PublicIP,
		}
	}
	slog.Info("media workers spawned", "count", n,
		"port_min", cfg.PortMin, "port_max", cfg.PortMax, "public_ip", cfg.PublicIP)
	return workers, nil
}

// probeUDPRange binds and releases one socket inside the configured window.
func probeUDPRange(min, max int) error {
	var lastErr error
	for port := min; port <= max && port < min+16; port++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return lastErr
}

// newAPI builds a webrtc API for a single router. Each router gets its own
// media engine because pion mutates it during negotiation.
func (w *Worker) newAPI() (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := se.SetEphemeralUDPPortRange(w.portMin, w.portMax); err != nil {
		return nil, fmt.Errorf("setting udp port range: %w", err)
	}
	if w.publicIP != "" {
		se.SetNAT1To1IPs([]string{w.publicIP}, webrtc.ICECandidateTypeHost)
	}
	se.SetLite(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})

	me, err := newMediaEngine()
	if err != nil {
		return nil, fmt.Errorf("building media engine: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)), nil
}
