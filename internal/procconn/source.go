package procconn

import (
	"errors"

	"github.com/mrzor/activity-monitor/internal/dispatch"
	"github.com/mrzor/activity-monitor/internal/tracking"
)

// ErrUnsupported is returned by Run on platforms without a proc connector.
var ErrUnsupported = errors.New("proc connector is only available on linux")

// maxConsecutiveErrors stops the read loop when the socket keeps failing.
const maxConsecutiveErrors = 10

// Source reads the proc connector and drives a handler.
type Source struct {
	handler  dispatch.Handler
	resolver tracking.ImageResolver
}

// New returns a source delivering to handler. resolver maps exec
// notifications to image paths.
func New(handler dispatch.Handler, resolver tracking.ImageResolver) *Source {
	return &Source{handler: handler, resolver: resolver}
}

func (s *Source) deliver(datagram []byte) {
	for _, n := range parseDatagram(datagram) {
		route(n, s.handler, s.resolver)
	}
}
