package engine

import (
	"context"
	"sync"
	"time"
)

// Loop is a single-goroutine event loop. The guest, the filesystem and every
// backend run on the goroutine that calls Run; other goroutines hand work to
// it with Post.
type Loop struct {
	wake  chan struct{}
	queue []func()
	err   error
	mu    sync.Mutex
	quit  bool
}

// NewLoop creates an idle loop.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues fn. It never blocks and is safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it. It must not be called from the
// loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc runs fn on the loop once d has elapsed. The returned cancel must
// be called on the loop goroutine; it reports whether fn was still pending.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (cancel func() bool) {
	fired, canceled := false, false
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			if canceled {
				return
			}
			fired = true
			fn()
		})
	})
	return func() bool {
		t.Stop()
		if fired || canceled {
			return false
		}
		canceled = true
		return true
	}
}

// Quit makes Run return err after the closure currently running.
func (l *Loop) Quit(err error) {
	l.mu.Lock()
	if !l.quit {
		l.quit, l.err = true, err
	}
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run processes posted closures in order until Quit is called or ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.quit {
			err := l.err
			l.mu.Unlock()
			return err
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for i, fn := range batch {
			fn()
			if l.stopped() {
				l.requeue(batch[i+1:])
				break
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quit
}

func (l *Loop) requeue(rest []func()) {
	if len(rest) == 0 {
		return
	}
	l.mu.Lock()
	l.queue = append(rest, l.queue...)
	l.mu.Unlock()
}

// Pending reports how many closures are queued.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
