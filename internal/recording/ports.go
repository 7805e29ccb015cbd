package recording

import (
	"fmt"
	"math/rand"
	"net"
)

// allocateTapPort picks an even port in the tap window and verifies it is
// free by binding and releasing it. The muxer binds it for real shortly
// after; the window between the two is accepted.
func allocateTapPort(min, max int) (int, error) {
	var lastErr error
	for attempt := 0; attempt < 50; attempt++ {
		port := min + rand.Intn(max-min)
		if port%2 != 0 {
			port++ // RTP convention: even ports; round up to stay in the window
		}
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free tap port in %d-%d: %w", min, max, lastErr)
}
