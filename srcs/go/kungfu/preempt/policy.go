package preempt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/determined-ai/determined-sub004/srcs/go/log"
)

// Mode decides which workers talk to the master.
type Mode int

const (
	// WorkersAskChief lets only the chief poll; every worker must call
	// ShouldPreempt in lock-step and receives the chief's answer.
	WorkersAskChief Mode = iota
	// ChiefOnly lets only the chief call ShouldPreempt.
	ChiefOnly
	// WorkersAskMaster lets every worker poll on its own.
	WorkersAskMaster
)

var modeNames = map[Mode]string{
	WorkersAskChief:  "WorkersAskChief",
	ChiefOnly:        "ChiefOnly",
	WorkersAskMaster: "WorkersAskMaster",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts the mode names case-insensitively. The empty string
// selects WorkersAskChief.
func ParseMode(val string) (Mode, error) {
	if val == "" {
		return WorkersAskChief, nil
	}
	for m, name := range modeNames {
		if strings.EqualFold(val, name) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("invalid preemption mode: %q", val)
}

// PolicyViolationError is returned when a worker calls an operation its
// mode does not allow.
type PolicyViolationError struct {
	Mode Mode
	Rank int
	Op   string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("%s is not allowed at rank %d in %s mode", e.Op, e.Rank, e.Mode)
}

// Broadcaster distributes the chief's value to all workers.
type Broadcaster interface {
	Broadcast(v []byte) ([]byte, error)
}

type acker interface {
	AckPreemption(ctx context.Context) error
}

type Options struct {
	Mode Mode
	Rank int
	// Broadcaster is the global scope. It may be nil for a single worker.
	Broadcaster Broadcaster
	// Client is nil when no master is reachable, in which case preemption
	// is never signalled.
	Client *SignalClient
	Logger *log.Logger
}

// Context applies a Mode on top of a Watcher.
type Context struct {
	mode    Mode
	rank    int
	dist    Broadcaster
	watcher Watcher
	acker   acker
	log     *log.Logger

	mu        sync.Mutex
	autoAcked bool
}

func NewContext(opts Options) *Context {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	c := &Context{
		mode:    opts.Mode,
		rank:    opts.Rank,
		dist:    opts.Broadcaster,
		watcher: NoopWatcher{},
		log:     logger.With("rank", opts.Rank, "mode", opts.Mode.String()),
	}
	if opts.Client != nil && c.ownsWatcher() {
		c.watcher = NewWatcher(opts.Client, c.log)
		c.acker = opts.Client
	}
	return c
}

func (c *Context) ownsWatcher() bool {
	return c.mode == WorkersAskMaster || c.rank == 0
}

// Start begins polling in the background on workers that own a watcher.
func (c *Context) Start() {
	c.watcher.Start()
}

// ShouldPreempt reports whether training should stop. With autoAck, the
// first true answer is acknowledged to the master.
func (c *Context) ShouldPreempt(autoAck bool) (bool, error) {
	var preempted bool
	switch c.mode {
	case ChiefOnly:
		if c.rank != 0 {
			return false, &PolicyViolationError{Mode: c.mode, Rank: c.rank, Op: "ShouldPreempt"}
		}
		preempted = c.watcher.ShouldPreempt()
	case WorkersAskMaster:
		preempted = c.watcher.ShouldPreempt()
	default:
		var err error
		if preempted, err = c.fromChief(); err != nil {
			return false, err
		}
	}
	if preempted && autoAck && c.acker != nil {
		c.mu.Lock()
		first := !c.autoAcked
		c.autoAcked = true
		c.mu.Unlock()
		if first {
			if err := c.acker.AckPreemption(context.Background()); err != nil {
				c.log.Warnf("failed to acknowledge preemption: %v", err)
			}
		}
	}
	return preempted, nil
}

func (c *Context) fromChief() (bool, error) {
	var b []byte
	if c.rank == 0 {
		b = []byte{0}
		if c.watcher.ShouldPreempt() {
			b[0] = 1
		}
	}
	if c.dist == nil {
		return len(b) == 1 && b[0] == 1, nil
	}
	b, err := c.dist.Broadcast(b)
	if err != nil {
		return false, fmt.Errorf("distribute preemption signal: %w", err)
	}
	return len(b) == 1 && b[0] == 1, nil
}

// AcknowledgePreemptionSignal tells the master that this job will stop.
// Only workers that poll the master may call it.
func (c *Context) AcknowledgePreemptionSignal(ctx context.Context) error {
	if c.acker == nil {
		if !c.ownsWatcher() {
			return &PolicyViolationError{Mode: c.mode, Rank: c.rank, Op: "AcknowledgePreemptionSignal"}
		}
		return nil
	}
	return c.acker.AckPreemption(ctx)
}

func (c *Context) Close() {
	c.watcher.Close()
}
