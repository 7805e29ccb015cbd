package sfu

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// Router is the per-room media fabric: a webrtc API bound to one worker's
// setting engine plus the advertised codec set.
type Router struct {
	worker *Worker
	api    *webrtc.API
	caps   RTPCapabilities
}

func newRouter(w *Worker) (*Router, error) {
	api, err := w.newAPI()
	if err != nil {
		return nil, err
	}
	return &Router{worker: w, api: api, caps: routerCapabilities()}, nil
}

// Capabilities returns the codec set advertised to joining peers.
func (r *Router) Capabilities() RTPCapabilities { return r.caps }

// CanConsume reports whether a client with the given decode capabilities can
// receive a stream of the producer's mime type.
func (r *Router) CanConsume(producerMime string, caps *RTPCapabilities) bool {
	if caps == nil {
		return false
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, producerMime) {
			return true
		}
	}
	return false
}
