// Package tasks runs each long-lived session worker on a dedicated
// goroutine, kind of like actors, only more expensive. A worker that
// fails reports through its onFailure hook exactly once, which is how
// the session learns it has to tear everything down.
package tasks

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/danielberg/mirror/pkg/errors"
)

// Logic is one worker loop. Run must return promptly once stop closes;
// a nil return is a clean exit, anything else is a failure.
type Logic interface {
	Name() string
	Run(stop <-chan struct{}) error
}

// Handle controls a running task.
type Handle interface {
	// Stop signals the task and waits for its goroutine to exit. It's
	// safe to call more than once.
	Stop()
}

// Factory starts and stops tasks.
type Factory interface {
	RunTask(logic Logic, onFailure func()) Handle
	StopTask(logic Logic) error
}

// NewFactory returns a goroutine-per-task factory.
func NewFactory() Factory {
	return &goroutineFactory{tasks: map[Logic]*task{}}
}

type goroutineFactory struct {
	mu    sync.Mutex
	tasks map[Logic]*task
}

type task struct {
	logic    Logic
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	failOnce sync.Once
}

// RunTask starts logic on its own goroutine. If logic fails, onFailure
// is invoked exactly once after the failure is logged.
func (f *goroutineFactory) RunTask(logic Logic, onFailure func()) Handle {
	t := &task{
		logic: logic,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	f.mu.Lock()
	f.tasks[logic] = t
	f.mu.Unlock()

	go t.run(onFailure)
	return handle{factory: f, logic: logic}
}

// StopTask stops a previously started task by identity. Stopping a task
// that already stopped is a no-op; stopping one that was never started
// is a NoSuchTask error.
func (f *goroutineFactory) StopTask(logic Logic) error {
	f.mu.Lock()
	t, ok := f.tasks[logic]
	f.mu.Unlock()
	if !ok {
		return errors.NoSuchTask{Name: logic.Name()}
	}
	t.requestStop()
	<-t.done
	return nil
}

type handle struct {
	factory *goroutineFactory
	logic   Logic
}

func (h handle) Stop() {
	if err := h.factory.StopTask(h.logic); err != nil {
		log.WithError(err).WithField("task", h.logic.Name()).Warn("Failed to stop task")
	}
}

func (t *task) requestStop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}

func (t *task) run(onFailure func()) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("task", t.logic.Name()).Errorf("Task panicked: %v", r)
			t.fail(onFailure)
		}
	}()

	err := t.logic.Run(t.stop)
	if err == nil || t.stopRequested() {
		return
	}
	log.WithError(err).WithField("task", t.logic.Name()).Error("Task failed")
	t.fail(onFailure)
}

func (t *task) fail(onFailure func()) {
	t.failOnce.Do(func() {
		if onFailure != nil {
			onFailure()
		}
	})
}

func (t *task) stopRequested() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}
