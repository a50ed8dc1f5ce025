// Package eventloop provides the Go-native stand-in for the libev reactor
// rtptun's core is specified against: a single dispatcher goroutine that
// serializes every callback the data plane invokes, so flow tables, dest
// maps, nonce counters, and sequence numbers are only ever touched from one
// place at a time, with no locks.
//
// Reader goroutines (one per UDP endpoint, blocked in ReadFromUDP) and timer
// goroutines (one per periodic timer, blocked on a time.Ticker) never touch
// shared state directly — they post a closure and the dispatcher runs it.
package eventloop

import (
	"context"
	"sync"
	"time"
)

// defaultQueueSize bounds how many pending posts a loop will buffer before
// Post blocks the calling goroutine. A blocked reader goroutine is fine: it
// simply stops pulling more datagrams off its own socket until the
// dispatcher catches up.
const defaultQueueSize = 256

// Loop is a single-threaded, serially-executing dispatcher.
type Loop struct {
	queue  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	closers []func()
}

// New creates a Loop. Call Run to start dispatching.
func New() *Loop {
	return &Loop{
		queue:  make(chan func(), defaultQueueSize),
		stopCh: make(chan struct{}),
	}
}

// Post enqueues fn to run on the dispatcher goroutine. Post is safe to call
// from any goroutine, including the dispatcher itself. Once the loop has
// stopped, Post drops fn rather than blocking forever on a queue nobody
// drains anymore — harmless, since every data-plane effect a dropped post
// would have had is moot once the process is shutting down.
func (l *Loop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.stopCh:
	}
}

// Spawn runs fn in its own goroutine tracked by the loop's shutdown
// bookkeeping. fn is expected to block (e.g. on a UDP read) and communicate
// back to the loop only via Post.
func (l *Loop) Spawn(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

// Every starts a periodic timer that posts fn to the loop on every tick.
// The returned function stops the timer; it is idempotent.
func (l *Loop) Every(d time.Duration, fn func()) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(d)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				l.Post(fn)
			}
		}
	}()

	stopFn := func() {
		once.Do(func() { close(done) })
	}

	l.mu.Lock()
	l.closers = append(l.closers, stopFn)
	l.mu.Unlock()

	return stopFn
}

// Run drains and executes posted closures in order until ctx is canceled.
// It then stops every timer registered via Every and waits for all spawned
// goroutines to exit before returning.
func (l *Loop) Run(ctx context.Context) {
	defer l.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			fn()
		}
	}
}

func (l *Loop) shutdown() {
	close(l.stopCh)

	l.mu.Lock()
	closers := l.closers
	l.closers = nil
	l.mu.Unlock()

	for _, stop := range closers {
		stop()
	}

	l.wg.Wait()
}
