package hub

import (
	"sync"

	"github.com/determined-ai/determined-sub004/srcs/go/rchannel/connection"
)

// subscriber is the hub side of one broadcast connection. Messages are queued
// without bound so that publishing never waits for the peer.
type subscriber struct {
	conn *connection.Connection

	mu       sync.Mutex
	pending  []connection.Envelope
	notify   chan struct{}
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
}

func newSubscriber(conn *connection.Connection) *subscriber {
	return &subscriber{
		conn:     conn,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// push queues e for the peer. Once run has exited nothing will write the
// queue, so e is dropped.
func (s *subscriber) push(e connection.Envelope) {
	select {
	case <-s.finished:
		return
	default:
	}
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []connection.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	es := s.pending
	s.pending = nil
	return es
}

// run writes queued messages until stop is called or the connection fails.
// Messages queued before stop are flushed first.
func (s *subscriber) run() (int, error) {
	defer close(s.finished)
	var n int
	for {
		select {
		case <-s.notify:
		case <-s.done:
			for _, e := range s.drain() {
				if err := s.conn.Send(e); err != nil {
					return n, err
				}
				n++
			}
			return n, nil
		}
		for _, e := range s.drain() {
			if err := s.conn.Send(e); err != nil {
				return n, err
			}
			n++
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
