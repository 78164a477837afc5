package hub

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/unixpickle/essentials"

	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/config"
	"github.com/determined-ai/determined-sub004/srcs/go/log"
	"github.com/determined-ai/determined-sub004/srcs/go/plan"
	"github.com/determined-ai/determined-sub004/srcs/go/rchannel/connection"
	"github.com/determined-ai/determined-sub004/srcs/go/rchannel/server"
)

// HealthCheck is polled while a hub waits on its peers. A non-nil error
// aborts the wait and is returned to the caller.
type HealthCheck func() error

type Options struct {
	Scope          string
	NumConnections int
	BroadcastAddr  plan.Addr
	GatherAddr     plan.Addr
	Token          uint32
	PollInterval   time.Duration
	Logger         *log.Logger
}

// Hub is owned by the chief of a scope. It publishes to every peer over the
// broadcast endpoint and collects their replies over the gather endpoint.
type Hub struct {
	scope        string
	numConns     int
	pollInterval time.Duration
	log          *log.Logger

	bcast   *server.Server
	gather  *server.Server
	servers server.Group

	mu          sync.Mutex
	subscribers map[int]*subscriber
	lost        map[int]error

	inbox     chan *connection.Envelope
	backlog   []*connection.Envelope
	closed    chan struct{}
	closeOnce sync.Once

	sendSerial uint64
	recvSerial uint64
}

// New binds the hub's endpoints. A hub without peers binds nothing and all
// of its operations are local no-ops.
func New(opts Options) (*Hub, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = config.GatherPollInterval
	}
	h := &Hub{
		scope:        opts.Scope,
		numConns:     opts.NumConnections,
		pollInterval: pollInterval,
		log:          logger.With("scope", opts.Scope, "role", "hub"),
		subscribers:  make(map[int]*subscriber),
		lost:         make(map[int]error),
		inbox:        make(chan *connection.Envelope, 4*opts.NumConnections),
		closed:       make(chan struct{}),
	}
	if h.numConns == 0 {
		return h, nil
	}
	h.bcast = server.New(opts.BroadcastAddr, opts.Token, connection.HandlerFunc(h.handleBroadcast), h.log)
	h.gather = server.New(opts.GatherAddr, opts.Token, connection.HandlerFunc(h.handleGather), h.log)
	h.servers = server.Group{h.bcast, h.gather}
	if err := h.servers.Start(); err != nil {
		return nil, &SetupError{Scope: h.scope, Rank: 0, Op: "bind", Err: err}
	}
	return h, nil
}

func (h *Hub) NumConnections() int {
	return h.numConns
}

// BroadcastAddr is the address peers subscribe to.
func (h *Hub) BroadcastAddr() plan.Addr {
	if h.bcast == nil {
		return plan.Addr{}
	}
	return h.bcast.Addr()
}

// GatherAddr is the address peers send their replies to.
func (h *Hub) GatherAddr() plan.Addr {
	if h.gather == nil {
		return plan.Addr{}
	}
	return h.gather.Addr()
}

func (h *Hub) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *Hub) checkConn(conn *connection.Connection, t connection.ConnType) error {
	if conn.Type() != t {
		return fmt.Errorf("%w: %s connection on the %s endpoint", connection.ErrInvalidConnectionType, conn.Type(), t)
	}
	if idx := conn.Index(); idx < 1 || idx > h.numConns {
		return fmt.Errorf("peer index %d out of range [1, %d]", idx, h.numConns)
	}
	return nil
}

func (h *Hub) handleBroadcast(conn *connection.Connection) (int, error) {
	if err := h.checkConn(conn, connection.ConnBroadcast); err != nil {
		return 0, err
	}
	idx := conn.Index()
	sub := newSubscriber(conn)
	h.mu.Lock()
	if h.isClosed() {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	if _, ok := h.subscribers[idx]; ok {
		h.mu.Unlock()
		return 0, fmt.Errorf("peer %d subscribed twice", idx)
	}
	h.subscribers[idx] = sub
	h.mu.Unlock()
	// The subscription is in place before the peer learns it is connected.
	if err := conn.Accept(); err != nil {
		h.markLost(idx, err)
		return 0, err
	}
	h.log.Debugf("peer %d subscribed from %s", idx, conn.RemoteAddr())
	n, err := sub.run()
	if err != nil {
		h.markLost(idx, err)
	}
	return n, err
}

func (h *Hub) handleGather(conn *connection.Connection) (int, error) {
	if err := h.checkConn(conn, connection.ConnGather); err != nil {
		return 0, err
	}
	idx := conn.Index()
	if err := conn.Accept(); err != nil {
		return 0, err
	}
	n, err := connection.Stream(conn, func(e *connection.Envelope, _ *connection.Connection) {
		// the handshake, not the envelope, decides who sent it
		e.Index = idx
		select {
		case h.inbox <- e:
		case <-h.closed:
		}
	})
	if err != nil {
		h.markLost(idx, err)
	} else {
		h.markLost(idx, io.EOF)
	}
	return n, err
}

func (h *Hub) markLost(idx int, err error) {
	if h.isClosed() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.lost[idx]; !ok {
		h.log.Warnf("lost connection to peer %d: %v", idx, err)
		h.lost[idx] = err
	}
}

// LostPeers returns the indices of peers whose connection has dropped.
func (h *Hub) LostPeers() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var idxs []int
	for idx := range h.lost {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	return idxs
}

// Start waits until every peer has subscribed and announced itself over the
// gather path, polling healthCheck in the meantime. Replies from peers that
// are already running are kept for the next gather.
func (h *Hub) Start(ctx context.Context, healthCheck HealthCheck) error {
	connected := make(map[int]bool)
	tk := time.NewTicker(h.pollInterval)
	defer tk.Stop()
	for len(connected) < h.numConns {
		select {
		case e := <-h.inbox:
			if e.Kind != connection.KindConnected {
				h.backlog = append(h.backlog, e)
				continue
			}
			if connected[e.Index] {
				return &SetupError{Scope: h.scope, Op: "start", Err: fmt.Errorf("%w: peer %d connected twice", ErrUnexpectedMessage, e.Index)}
			}
			connected[e.Index] = true
			h.log.Debugf("peer %d connected, %d/%d", e.Index, len(connected), h.numConns)
		case <-tk.C:
			if healthCheck != nil {
				if err := healthCheck(); err != nil {
					return &SetupError{Scope: h.scope, Op: "start", Err: err}
				}
			}
		case <-ctx.Done():
			return &SetupError{Scope: h.scope, Op: "start", Err: fmt.Errorf("%d of %d peers connected: %w", len(connected), h.numConns, ctx.Err())}
		case <-h.closed:
			return ErrClosed
		}
	}
	if h.numConns > 0 {
		h.log.Debugf("all %d peers connected", h.numConns)
	}
	return nil
}

// Broadcast publishes payload to all peers. It never waits for them.
func (h *Hub) Broadcast(payload []byte) {
	if h.numConns == 0 {
		return
	}
	e := connection.Envelope{
		Kind:    connection.KindSerial,
		Serial:  h.sendSerial,
		Payload: payload,
	}
	h.sendSerial++
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.push(e)
	}
}

// GatherWithPolling collects one reply from every peer, sorted by peer index.
// healthCheck is called every poll interval while waiting. If a peer sends
// an exception marker, the replies collected so far are returned with true.
func (h *Hub) GatherWithPolling(healthCheck HealthCheck) ([][]byte, bool, error) {
	if h.numConns == 0 {
		return nil, false, nil
	}
	var idxs []int
	var payloads [][]byte
	var early []*connection.Envelope
	seen := make(map[int]bool)
	defer func() { h.backlog = append(early, h.backlog...) }()
	result := func() [][]byte {
		essentials.VoodooSort(idxs, func(i, j int) bool { return idxs[i] < idxs[j] }, payloads)
		return payloads
	}
	// accept reports whether the gather was cut short by an exception.
	accept := func(e *connection.Envelope) (bool, error) {
		switch e.Kind {
		case connection.KindException:
			h.log.Warnf("peer %d reported an exception", e.Index)
			return true, nil
		case connection.KindSerial:
			if seen[e.Index] && e.Serial == h.recvSerial+1 {
				// a reply to the next gather
				early = append(early, e)
				return false, nil
			}
			if e.Serial != h.recvSerial {
				return false, &OrderingError{Scope: h.scope, Op: "gather", From: e.Index, Expected: h.recvSerial, Got: e.Serial}
			}
			if seen[e.Index] {
				return false, &OrderingError{Scope: h.scope, Op: "gather", From: e.Index, Expected: h.recvSerial, Got: e.Serial, Detail: "duplicate reply"}
			}
			seen[e.Index] = true
			idxs = append(idxs, e.Index)
			payloads = append(payloads, e.Payload)
			return false, nil
		default:
			return false, fmt.Errorf("%s gather: %w: %s", h.scope, ErrUnexpectedMessage, e)
		}
	}
	tk := time.NewTicker(h.pollInterval)
	defer tk.Stop()
	for len(payloads) < h.numConns {
		var e *connection.Envelope
		if len(h.backlog) > 0 {
			e, h.backlog = h.backlog[0], h.backlog[1:]
		} else {
			select {
			case e = <-h.inbox:
			case <-tk.C:
				if healthCheck != nil {
					if err := healthCheck(); err != nil {
						return nil, false, err
					}
				}
				continue
			case <-h.closed:
				return nil, false, ErrClosed
			}
		}
		exception, err := accept(e)
		if err != nil {
			return nil, false, err
		}
		if exception {
			return result(), true, nil
		}
	}
	h.recvSerial++
	return result(), false, nil
}

// Close flushes pending broadcasts, bounded by config.CloseTimeout, and
// releases the endpoints. It is safe to call more than once.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		close(h.closed)
		subs := make([]*subscriber, 0, len(h.subscribers))
		for _, s := range h.subscribers {
			subs = append(subs, s)
		}
		h.mu.Unlock()
		for _, s := range subs {
			s.stop()
		}
		timeout := time.After(config.CloseTimeout)
		for _, s := range subs {
			select {
			case <-s.finished:
			case <-timeout:
			}
		}
		h.servers.Close()
	})
	return nil
}
