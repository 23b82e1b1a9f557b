package engine

import (
	"sync"

	"github.com/haasonsaas/ensemble/pkg/models"
)

// EventKind discriminates UI events.
type EventKind string

const (
	// KindStream wraps a provider stream event.
	KindStream EventKind = "stream"

	// KindNotice carries an engine status line (transfer, tool start,
	// snapshot warnings).
	KindNotice EventKind = "notice"

	// KindToolResult reports a completed tool invocation.
	KindToolResult EventKind = "tool_result"

	// KindTurnEnd marks the turn finished; the engine is IDLE again.
	KindTurnEnd EventKind = "turn_end"

	// KindError carries a turn-fatal failure.
	KindError EventKind = "error"
)

// Event is one UI delivery: a provider stream event or an engine notice.
type Event struct {
	Kind   EventKind
	Agent  string
	Stream models.StreamEvent
	Notice string
	Tool   string
	Result string
	Err    error
}

// DefaultEventBuffer is the UI channel capacity.
const DefaultEventBuffer = 256

// emitter delivers events over a bounded channel. When the consumer lags,
// the oldest buffered event is dropped to make room; conversation history is
// unaffected, only the UI feed thins out.
type emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEmitter(size int) *emitter {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	return &emitter{ch: make(chan Event, size)}
}

func (e *emitter) events() <-chan Event { return e.ch }

// emit enqueues without blocking, dropping the oldest event on overflow.
func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for {
		select {
		case e.ch <- ev:
			return
		default:
			select {
			case <-e.ch:
			default:
			}
		}
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
