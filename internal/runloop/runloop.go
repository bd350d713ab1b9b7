// Package runloop provides the single serialized execution context the
// streaming core runs on. Every state transition in the channel, the
// negotiation engine and the coordinator happens on one loop goroutine;
// background callbacks (websocket reads, pion media callbacks, timers)
// are posted here instead of mutating state in place.
package runloop

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Loop is a single-consumer function queue drained by one goroutine.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// New creates a loop. Call Run on a dedicated goroutine before posting.
func New() *Loop {
	return &Loop{
		tasks: make(chan func(), 1024),
		done:  make(chan struct{}),
	}
}

// Run drains tasks until Close. It executes tasks strictly in post order.
func (l *Loop) Run() {
	for {
		select {
		case <-l.done:
			// Drain what was already queued so teardown tasks run.
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post enqueues fn for execution on the loop goroutine. Posting after
// Close is a no-op: late callbacks from torn-down components land here
// and must not block or panic.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.tasks <- fn:
	case <-l.done:
	default:
		log.Warn().Str("module", "runloop").Msg("task queue full, dropping task")
	}
}

// Sync posts fn and waits for it to finish. Must not be called from the
// loop goroutine itself.
func (l *Loop) Sync(fn func()) {
	doneCh := make(chan struct{})
	l.Post(func() {
		defer close(doneCh)
		fn()
	})
	select {
	case <-doneCh:
	case <-l.done:
	}
}

// Close stops the loop after the currently queued tasks complete.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.done) })
}
