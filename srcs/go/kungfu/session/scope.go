package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/config"
	"github.com/determined-ai/determined-sub004/srcs/go/log"
	"github.com/determined-ai/determined-sub004/srcs/go/rchannel/connection"
	"github.com/determined-ai/determined-sub004/srcs/go/rchannel/hub"
	"github.com/determined-ai/determined-sub004/srcs/go/utils"
)

// ErrPeerFailed is returned by a chief when a peer of the scope has
// signalled failure, or when its connection was lost.
var ErrPeerFailed = errors.New("peer failed")

const (
	globalScope = "global"
	localScope  = "local"
)

// Scope runs collectives among one group of workers: either all workers of
// the job, or the workers of one machine. Exactly one of hub and peer is set
// when the scope has more than one member.
type Scope struct {
	sync.Mutex

	name string
	rank int
	size int

	hub         *hub.Hub
	peer        *hub.Peer
	healthCheck hub.HealthCheck

	log *log.Logger
}

func (s *Scope) Name() string { return s.name }
func (s *Scope) Rank() int    { return s.rank }
func (s *Scope) Size() int    { return s.size }

func (s *Scope) IsChief() bool {
	return s.rank == 0
}

func (s *Scope) stallDetector(op string) func() {
	if !config.EnableStallDetection {
		return func() {}
	}
	d := utils.InstallStallDetector(fmt.Sprintf("%s %s at rank %d", s.name, op, s.rank))
	return d.Stop
}

func (s *Scope) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s at rank %d: %w", s.name, op, s.rank, err)
}

// Broadcast returns the chief's v on every worker.
func (s *Scope) Broadcast(v []byte) ([]byte, error) {
	if s.size == 1 {
		return v, nil
	}
	s.Lock()
	defer s.Unlock()
	defer s.stallDetector("broadcast")()
	if s.hub != nil {
		s.hub.Broadcast(v)
		return v, nil
	}
	got, err := s.peer.Recv()
	return got, s.wrap("broadcast", err)
}

// Gather returns the values of all workers in rank order on the chief, and
// nil elsewhere. It returns once the chief has received every value.
func (s *Scope) Gather(v []byte) ([][]byte, error) {
	if s.size == 1 {
		return [][]byte{v}, nil
	}
	s.Lock()
	defer s.Unlock()
	defer s.stallDetector("gather")()
	if s.hub != nil {
		all, err := s.gather(v)
		if err != nil {
			return nil, s.wrap("gather", err)
		}
		s.hub.Broadcast(nil)
		return all, nil
	}
	if err := s.peer.Send(v); err != nil {
		return nil, s.wrap("gather", err)
	}
	_, err := s.peer.Recv()
	return nil, s.wrap("gather", err)
}

// AllGather returns the values of all workers in rank order on every worker.
func (s *Scope) AllGather(v []byte) ([][]byte, error) {
	if s.size == 1 {
		return [][]byte{v}, nil
	}
	s.Lock()
	defer s.Unlock()
	defer s.stallDetector("allgather")()
	if s.hub != nil {
		all, err := s.gather(v)
		if err != nil {
			return nil, s.wrap("allgather", err)
		}
		s.hub.Broadcast(connection.EncodeList(all))
		return all, nil
	}
	if err := s.peer.Send(v); err != nil {
		return nil, s.wrap("allgather", err)
	}
	b, err := s.peer.Recv()
	if err != nil {
		return nil, s.wrap("allgather", err)
	}
	all, err := connection.DecodeList(b)
	return all, s.wrap("allgather", err)
}

func (s *Scope) gather(v []byte) ([][]byte, error) {
	replies, exception, err := s.hub.GatherWithPolling(s.healthCheck)
	if err != nil {
		return nil, err
	}
	if exception {
		return nil, ErrPeerFailed
	}
	return append([][]byte{v}, replies...), nil
}

func (s *Scope) signalFailure() error {
	if s.peer == nil {
		return nil
	}
	return s.wrap("signal failure", s.peer.SendException())
}

func (s *Scope) close() error {
	if s.hub != nil {
		return s.hub.Close()
	}
	if s.peer != nil {
		return s.peer.Close()
	}
	return nil
}
