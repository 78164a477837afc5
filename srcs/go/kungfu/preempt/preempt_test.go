package preempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/execution"
	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/session"
	"github.com/determined-ai/determined-sub004/srcs/go/plan"
)

const allocationID = "alloc-1"

type fakeMaster struct {
	preempt atomic.Bool
	fail    atomic.Bool
	polls   atomic.Int32
	acks    atomic.Int32

	mu        sync.Mutex
	userAgent string

	srv *httptest.Server
}

func newFakeMaster(t *testing.T) *fakeMaster {
	m := &fakeMaster{}
	prefix := "/api/v1/allocations/" + allocationID + "/signal"
	mux := http.NewServeMux()
	mux.HandleFunc(prefix+"/preemption", func(w http.ResponseWriter, r *http.Request) {
		m.polls.Add(1)
		m.mu.Lock()
		m.userAgent = r.UserAgent()
		m.mu.Unlock()
		if m.fail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("timeout_seconds") != "0" {
			select {
			case <-time.After(20 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
		json.NewEncoder(w).Encode(preemptionResponse{Preempt: m.preempt.Load()})
	})
	mux.HandleFunc(prefix+"/ack_preemption", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "", http.StatusMethodNotAllowed)
			return
		}
		m.acks.Add(1)
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *fakeMaster) client(rank int) *SignalClient {
	return NewSignalClient(m.srv.URL, allocationID, rank)
}

func fastWatcher(source signalSource) *watcher {
	w := NewWatcher(source, nil)
	w.longPoll = time.Second
	w.errorBackoff = 20 * time.Millisecond
	return w
}

func Test_SignalClient(t *testing.T) {
	m := newFakeMaster(t)
	c := m.client(3)
	ctx := context.Background()
	preempted, err := c.Preemption(ctx, 0)
	require.NoError(t, err)
	assert.False(t, preempted)
	m.preempt.Store(true)
	preempted, err = c.Preemption(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, preempted)
	m.mu.Lock()
	assert.Equal(t, "KungFu Peer: 3", m.userAgent)
	m.mu.Unlock()
	require.NoError(t, c.AckPreemption(ctx))
	assert.Equal(t, int32(1), m.acks.Load())

	m.fail.Store(true)
	_, err = c.Preemption(ctx, 0)
	assert.ErrorContains(t, err, "503")
}

func Test_Watcher_memoizes_true(t *testing.T) {
	m := newFakeMaster(t)
	w := fastWatcher(m.client(0))
	w.Start()
	defer w.Close()
	assert.False(t, w.ShouldPreempt())
	m.preempt.Store(true)
	require.Eventually(t, w.ShouldPreempt, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateKnownTrue, w.State())

	polls := m.polls.Load()
	m.preempt.Store(false)
	time.Sleep(100 * time.Millisecond)
	assert.True(t, w.ShouldPreempt())
	assert.Equal(t, polls, m.polls.Load())
}

func Test_Watcher_failed_initial_check(t *testing.T) {
	m := newFakeMaster(t)
	m.fail.Store(true)
	w := fastWatcher(m.client(0))
	w.Start()
	assert.False(t, w.ShouldPreempt())
	m.fail.Store(false)
	m.preempt.Store(true)
	require.Eventually(t, w.ShouldPreempt, 5*time.Second, 10*time.Millisecond)
	w.Close()
	assert.Equal(t, StateClosed, w.State())
	assert.True(t, w.ShouldPreempt())
}

type stuckSource struct{}

func (stuckSource) Preemption(context.Context, time.Duration) (bool, error) {
	select {}
}

func Test_Watcher_close_is_bounded(t *testing.T) {
	w := NewWatcher(stuckSource{}, nil)
	w.Start()
	t0 := time.Now()
	w.Close()
	assert.Less(t, time.Since(t0), 3*time.Second)
	w.Close()
	assert.Equal(t, StateClosed, w.State())
}

func Test_Watcher_close_unstarted(t *testing.T) {
	w := NewWatcher(stuckSource{}, nil)
	w.Close()
	assert.False(t, w.ShouldPreempt())
}

func Test_ParseMode(t *testing.T) {
	for val, want := range map[string]Mode{
		"":                 WorkersAskChief,
		"WorkersAskChief":  WorkersAskChief,
		"chiefonly":        ChiefOnly,
		"WorkersAskMaster": WorkersAskMaster,
	} {
		got, err := ParseMode(val)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("everyone")
	assert.Error(t, err)
}

func Test_ChiefOnly(t *testing.T) {
	m := newFakeMaster(t)
	worker := NewContext(Options{Mode: ChiefOnly, Rank: 1, Client: m.client(1)})
	_, err := worker.ShouldPreempt(true)
	var pe *PolicyViolationError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, 1, pe.Rank)

	m.preempt.Store(true)
	chief := NewContext(Options{Mode: ChiefOnly, Rank: 0, Client: m.client(0)})
	chief.Start()
	defer chief.Close()
	preempted, err := chief.ShouldPreempt(false)
	require.NoError(t, err)
	assert.True(t, preempted)
	assert.Equal(t, int32(0), m.acks.Load())
	require.NoError(t, chief.AcknowledgePreemptionSignal(context.Background()))
	assert.Equal(t, int32(1), m.acks.Load())
}

func Test_WorkersAskMaster(t *testing.T) {
	m := newFakeMaster(t)
	m.preempt.Store(true)
	for rank := 0; rank < 2; rank++ {
		c := NewContext(Options{Mode: WorkersAskMaster, Rank: rank, Client: m.client(rank)})
		c.Start()
		for i := 0; i < 3; i++ {
			preempted, err := c.ShouldPreempt(true)
			require.NoError(t, err)
			assert.True(t, preempted)
		}
		c.Close()
	}
	assert.Equal(t, int32(2), m.acks.Load())
}

func Test_WorkersAskChief_without_master(t *testing.T) {
	c := NewContext(Options{Mode: WorkersAskChief, Rank: 1})
	preempted, err := c.ShouldPreempt(true)
	require.NoError(t, err)
	assert.False(t, preempted)
	var pe *PolicyViolationError
	assert.True(t, errors.As(c.AcknowledgePreemptionSignal(context.Background()), &pe))
}

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func Test_WorkersAskChief_lock_step(t *testing.T) {
	const n = 3
	const flipAt = 5
	m := newFakeMaster(t)
	bcastPort, gatherPort := freePort(t), freePort(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	seenAt := make([]int, n)
	err := execution.Par(n, func(rank int) error {
		topology, err := plan.NewTopology(plan.TopologySpec{
			Rank:      plan.IntPtr(rank),
			Size:      plan.IntPtr(n),
			LocalRank: plan.IntPtr(rank),
			LocalSize: plan.IntPtr(n),
			CrossRank: plan.IntPtr(0),
			CrossSize: plan.IntPtr(1),
		})
		if err != nil {
			return err
		}
		sess, err := session.New(ctx, session.Config{
			Topology:      topology,
			BroadcastPort: bcastPort,
			GatherPort:    gatherPort,
		})
		if err != nil {
			return err
		}
		defer sess.Close()
		c := NewContext(Options{
			Mode:        WorkersAskChief,
			Rank:        rank,
			Broadcaster: sess.Global(),
			Client:      m.client(rank),
		})
		c.Start()
		defer c.Close()
		for step := 0; step < 1000; step++ {
			if rank == 0 && step == flipAt {
				m.preempt.Store(true)
			}
			preempted, err := c.ShouldPreempt(true)
			if err != nil {
				return err
			}
			if preempted {
				seenAt[rank] = step
				return nil
			}
			time.Sleep(5 * time.Millisecond)
		}
		return fmt.Errorf("rank %d never saw the preemption signal", rank)
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, seenAt[0], flipAt)
	for rank := 1; rank < n; rank++ {
		assert.Equal(t, seenAt[0], seenAt[rank])
	}
	assert.Equal(t, int32(1), m.acks.Load())
}
