// ABOUTME: One SSE stream session: outbound event queue plus shutdown signal
// ABOUTME: The HTTP handler goroutine drains the queue; the hub only enqueues

package stream

import (
	"fmt"
	"io"
	"sync"
)

const outboundSize = 64

// event is one server-sent event. A zero id means the id line is
// omitted (handshake, error, and shutdown events are not replayable).
type event struct {
	id   int64
	name string
	data string
}

// Session is one live event stream.
type Session struct {
	agentID string
	token   string

	out  chan event
	stop chan struct{}

	stopOnce sync.Once
}

func newSession(agentID, token string) *Session {
	return &Session{
		agentID: agentID,
		token:   token,
		out:     make(chan event, outboundSize),
		stop:    make(chan struct{}),
	}
}

// send enqueues an event. A full queue drops the event; the client
// recovers missed entries via Last-Event-ID replay on reconnect.
func (s *Session) send(ev event) bool {
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}

// shutdown tells the serving goroutine to emit the shutdown event and end.
func (s *Session) shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// writeEvent writes one SSE frame: optional id line, event line, data
// line, blank terminator.
func writeEvent(w io.Writer, ev event) error {
	if ev.id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.id); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
	return err
}
