package tasks

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/danielberg/mirror/pkg/errors"
)

// loopLogic runs until stopped, counting iterations.
type loopLogic struct {
	name  string
	loops int64
	err   error
	panic bool
}

func (l *loopLogic) Name() string {
	return l.name
}

func (l *loopLogic) Run(stop <-chan struct{}) error {
	if l.panic {
		panic("boom")
	}
	if l.err != nil {
		return l.err
	}
	for {
		select {
		case <-stop:
			return nil
		case <-time.After(time.Millisecond):
			atomic.AddInt64(&l.loops, 1)
		}
	}
}

func TestRunAndStopTask(t *testing.T) {
	factory := NewFactory()
	logic := &loopLogic{name: "worker"}

	failures := int64(0)
	handle := factory.RunTask(logic, func() {
		atomic.AddInt64(&failures, 1)
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&logic.loops) > 0
	}, time.Second, time.Millisecond)

	// Stop joins the worker; a second stop is a no-op.
	handle.Stop()
	handle.Stop()
	assert.Zero(t, atomic.LoadInt64(&failures))
}

func TestStopUnknownTask(t *testing.T) {
	factory := NewFactory()
	err := factory.StopTask(&loopLogic{name: "never-started"})
	assert.IsType(t, errors.NoSuchTask{}, err)
}

func TestFailureInvokesCallbackOnce(t *testing.T) {
	factory := NewFactory()
	logic := &loopLogic{name: "failing", err: errors.New("io broke")}

	failures := int64(0)
	factory.RunTask(logic, func() {
		atomic.AddInt64(&failures, 1)
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&failures) == 1
	}, time.Second, time.Millisecond)

	// The task is stopped now; stopping it again is still fine and
	// doesn't re-fire the callback.
	assert.NoError(t, factory.StopTask(logic))
	assert.Equal(t, int64(1), atomic.LoadInt64(&failures))
}

func TestPanicIsAFailure(t *testing.T) {
	factory := NewFactory()
	logic := &loopLogic{name: "panicking", panic: true}

	failures := int64(0)
	factory.RunTask(logic, func() {
		atomic.AddInt64(&failures, 1)
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&failures) == 1
	}, time.Second, time.Millisecond)
}

func TestErrorAfterStopIsNotAFailure(t *testing.T) {
	factory := NewFactory()
	stopping := make(chan struct{})
	logic := &funcLogic{name: "io-bound", run: func(stop <-chan struct{}) error {
		close(stopping)
		<-stop
		// Workers blocked in I/O surface an error when the session
		// closes their handle out from under them.
		return errors.New("use of closed connection")
	}}

	failures := int64(0)
	factory.RunTask(logic, func() {
		atomic.AddInt64(&failures, 1)
	})
	<-stopping

	assert.NoError(t, factory.StopTask(logic))
	assert.Zero(t, atomic.LoadInt64(&failures))
}

type funcLogic struct {
	name string
	run  func(stop <-chan struct{}) error
}

func (l *funcLogic) Name() string {
	return l.name
}

func (l *funcLogic) Run(stop <-chan struct{}) error {
	return l.run(stop)
}
