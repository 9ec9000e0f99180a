package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-kernel/errors"
)

// State is the suspension state of a process.
type State int32

const (
	StateNormal State = iota
	StateUnwinding
	StateRewinding
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateUnwinding:
		return "unwinding"
	case StateRewinding:
		return "rewinding"
	case StateDisabled:
		return "disabled"
	}
	return "unknown"
}

// ErrUnwound is returned by Call when the export unwound to wait for an
// asynchronous event. Its result arrives later through the done callback.
var ErrUnwound = errors.New(errors.PhaseSuspend, errors.KindProtocol).
	Detail("call unwound").
	Build()

// Scheduler posts closures to the goroutine that runs the guest and fires
// timers on it. *Loop implements it.
type Scheduler interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) (cancel func() bool)
}

type frame struct {
	fn   Func
	done func([]uint64, error)
	name string
	args []uint64
}

// Suspender makes asynchronous host operations look like blocking calls to
// the guest. A blocking host function calls HandleSleep; when the operation
// does not complete synchronously, the guest stack is unwound back to the
// export entered through Call, and replayed once the operation completes.
//
// Only one cycle can be in flight. Every method must run on the scheduler's
// goroutine.
type Suspender struct {
	ctl        Controller
	sched      Scheduler
	rewindHook func()
	bottom     *frame
	stack      []string
	result     uint64
	keepAlive  int
	state      State
	cycle      bool
}

// NewSuspender creates a suspender driving ctl.
func NewSuspender(ctl Controller, sched Scheduler) *Suspender {
	return &Suspender{ctl: ctl, sched: sched}
}

func (s *Suspender) State() State   { return s.state }
func (s *Suspender) KeepAlive() int { return s.keepAlive }

// InFlight reports whether an unwind/rewind cycle has started and not yet
// finished.
func (s *Suspender) InFlight() bool { return s.cycle }

// SetRewindHook registers fn to run right before every rewind.
func (s *Suspender) SetRewindHook(fn func()) { s.rewindHook = fn }

// Disable moves to the terminal state. Later blocking calls complete only if
// their operation finishes synchronously.
func (s *Suspender) Disable() {
	s.state = StateDisabled
	s.bottom = nil
}

// Call invokes an export and tracks it on the call stack. If the export
// completes, done receives its results immediately. If it unwinds, Call
// returns ErrUnwound and done runs after the final rewind completes.
func (s *Suspender) Call(ctx context.Context, name string, fn Func, done func([]uint64, error), args ...uint64) error {
	f := &frame{fn: fn, name: name, args: args, done: done}
	results, err := s.invoke(ctx, f)
	if err == ErrUnwound {
		return err
	}
	if done != nil {
		done(results, err)
	}
	return err
}

func (s *Suspender) invoke(ctx context.Context, f *frame) ([]uint64, error) {
	s.stack = append(s.stack, f.name)
	results, err := f.fn.Call(ctx, f.args...)
	s.stack = s.stack[:len(s.stack)-1]

	if s.state != StateUnwinding {
		if err != nil && s.cycle {
			s.fail(err)
		}
		return results, err
	}
	if err != nil {
		s.fail(err)
		return nil, err
	}
	if len(s.stack) > 0 {
		return nil, ErrUnwound
	}

	if err := s.ctl.StopUnwind(ctx); err != nil {
		s.fail(err)
		return nil, err
	}
	s.state = StateNormal
	s.keepAlive++
	if s.bottom == nil {
		s.bottom = f
	}
	Logger().Debug("unwound", zap.String("export", f.name), zap.Int("keepAlive", s.keepAlive))
	return nil, ErrUnwound
}

func (s *Suspender) fail(err error) {
	Logger().Error("suspension failed", zap.Stringer("state", s.state), zap.Error(err))
	s.state = StateDisabled
	s.cycle = false
	s.bottom = nil
}

// HandleSleep runs start, which begins an asynchronous operation and calls
// wakeUp with its result. If wakeUp runs before start returns, the result is
// returned directly. Otherwise the guest unwinds and the same call returns the
// result once rewound.
func (s *Suspender) HandleSleep(ctx context.Context, start func(wakeUp func(uint64))) (uint64, error) {
	switch s.state {
	case StateRewinding:
		if err := s.ctl.StopRewind(ctx); err != nil {
			s.fail(err)
			return 0, err
		}
		s.state = StateNormal
		s.cycle = false
		s.keepAlive--
		return s.result, nil

	case StateUnwinding:
		err := errors.Protocol("blocking call while unwinding")
		s.fail(err)
		return 0, err

	case StateDisabled:
		var (
			value uint64
			woke  bool
		)
		start(func(v uint64) { value, woke = v, true })
		if !woke {
			return 0, errors.Domain(errors.PhaseSuspend, errors.ENOSYS, "blocking call after shutdown")
		}
		return value, nil
	}

	if s.cycle {
		err := errors.Protocol("blocking call while another is in flight")
		s.fail(err)
		return 0, err
	}

	var (
		value    uint64
		woke     bool
		returned bool
	)
	start(func(v uint64) {
		if woke {
			Logger().Warn("wakeUp called twice")
			return
		}
		woke = true
		value = v
		if returned {
			s.rewind(ctx, v)
		}
	})
	returned = true
	if woke {
		return value, nil
	}

	if err := s.ctl.StartUnwind(ctx); err != nil {
		s.fail(err)
		return 0, err
	}
	s.state = StateUnwinding
	s.cycle = true
	return 0, nil
}

func (s *Suspender) rewind(ctx context.Context, v uint64) {
	if s.state == StateDisabled {
		return
	}
	f := s.bottom
	if f == nil || s.state != StateNormal {
		err := errors.Protocol("rewind in state %s", s.state)
		s.fail(err)
		if f != nil && f.done != nil {
			f.done(nil, err)
		}
		return
	}
	s.bottom = nil
	s.result = v
	if s.rewindHook != nil {
		s.rewindHook()
	}
	if err := s.ctl.StartRewind(ctx); err != nil {
		s.fail(err)
		if f.done != nil {
			f.done(nil, err)
		}
		return
	}
	s.state = StateRewinding

	results, err := s.invoke(ctx, f)
	if err == ErrUnwound {
		return
	}
	if err == nil && s.state == StateRewinding {
		err = errors.Protocol("rewind did not reach the suspended call")
		s.fail(err)
	}
	if f.done != nil {
		f.done(results, err)
	}
}

// Sleep blocks the guest for d.
func (s *Suspender) Sleep(ctx context.Context, d time.Duration) error {
	_, err := s.HandleSleep(ctx, func(wakeUp func(uint64)) {
		s.sched.AfterFunc(d, func() { wakeUp(0) })
	})
	return err
}

// Post schedules fn on the guest goroutine.
func (s *Suspender) Post(fn func()) { s.sched.Post(fn) }

// AfterFunc schedules fn on the guest goroutine after d.
func (s *Suspender) AfterFunc(d time.Duration, fn func()) (cancel func() bool) {
	return s.sched.AfterFunc(d, fn)
}
