package preempt

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/config"
	"github.com/determined-ai/determined-sub004/srcs/go/log"
)

type State int32

const (
	StateUnstarted State = iota
	StatePolling
	StateKnownFalse
	StateKnownTrue
	StateClosed
)

var stateNames = map[State]string{
	StateUnstarted:  "unstarted",
	StatePolling:    "polling",
	StateKnownFalse: "known-false",
	StateKnownTrue:  "known-true",
	StateClosed:     "closed",
}

func (s State) String() string {
	return stateNames[s]
}

// Watcher tracks whether the allocation has been asked to stop.
type Watcher interface {
	Start()
	ShouldPreempt() bool
	Close()
}

type signalSource interface {
	Preemption(ctx context.Context, timeout time.Duration) (bool, error)
}

type watcher struct {
	source       signalSource
	longPoll     time.Duration
	errorBackoff time.Duration
	log          *log.Logger

	mu        sync.Mutex
	state     State
	preempted bool
	cancel    context.CancelFunc

	checked chan struct{}
	done    chan struct{}
}

func NewWatcher(source signalSource, logger *log.Logger) *watcher {
	if logger == nil {
		logger = log.Default()
	}
	return &watcher{
		source:       source,
		longPoll:     config.LongPollTimeout,
		errorBackoff: config.ErrorBackoff,
		log:          logger,
		checked:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (w *watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start launches the background poller. Calls after the first are ignored.
func (w *watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateUnstarted {
		return
	}
	w.state = StatePolling
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

func (w *watcher) record(preempted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if preempted {
		w.preempted = true
	}
	if w.state == StateClosed {
		return
	}
	if w.preempted {
		w.state = StateKnownTrue
	} else {
		w.state = StateKnownFalse
	}
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.done)
	preempted, err := w.source.Preemption(ctx, 0)
	if err != nil {
		w.log.Warnf("initial preemption check failed, assuming no preemption: %v", err)
	}
	w.record(preempted)
	close(w.checked)
	if preempted {
		w.log.Infof("preemption signal received")
		return
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(w.errorBackoff), ctx)
	for ctx.Err() == nil {
		preempted, err := w.source.Preemption(ctx, w.longPoll)
		switch {
		case err == nil:
			b.Reset()
			w.record(preempted)
			if preempted {
				w.log.Infof("preemption signal received")
				return
			}
		case ctx.Err() != nil:
			return
		case isTimeout(err):
			w.log.Debugf("preemption long poll timed out: %v", err)
		default:
			d := b.NextBackOff()
			if d == backoff.Stop {
				return
			}
			w.log.Warnf("preemption check failed, retrying in %s: %v", d, err)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return
			}
		}
	}
}

// ShouldPreempt blocks until the first check has completed. After that it
// returns the latest known answer without waiting. Once true, it stays true.
func (w *watcher) ShouldPreempt() bool {
	w.Start()
	select {
	case <-w.checked:
	case <-w.done:
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.preempted
}

// Close stops polling, waiting at most config.CloseTimeout for the poller.
func (w *watcher) Close() {
	w.mu.Lock()
	prev := w.state
	w.state = StateClosed
	cancel := w.cancel
	w.mu.Unlock()
	switch prev {
	case StateClosed:
		return
	case StateUnstarted:
		close(w.done)
		return
	}
	cancel()
	select {
	case <-w.done:
	case <-time.After(config.CloseTimeout):
		w.log.Warnf("preemption watcher did not stop within %s", config.CloseTimeout)
	}
}

// NoopWatcher never preempts.
type NoopWatcher struct{}

func (NoopWatcher) Start()              {}
func (NoopWatcher) ShouldPreempt() bool { return false }
func (NoopWatcher) Close()              {}
