package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/config"
	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/env"
	"github.com/determined-ai/determined-sub004/srcs/go/log"
	"github.com/determined-ai/determined-sub004/srcs/go/plan"
	"github.com/determined-ai/determined-sub004/srcs/go/rchannel/hub"
)

type Config struct {
	Topology      plan.Topology
	BroadcastPort int
	GatherPort    int
	PortOffset    int
	Token         uint32

	// HealthCheck is polled by chiefs while they wait for their peers.
	// It is nil by default, in which case a dead peer blocks the chief
	// until the process is torn down.
	HealthCheck hub.HealthCheck
	// DetectPeerLoss makes chiefs fail with ErrPeerFailed once a peer's
	// connection has dropped.
	DetectPeerLoss bool

	SetupTimeout time.Duration
	Logger       *log.Logger
}

// FromEnv converts a bootstrap configuration.
func FromEnv(c *env.Config) Config {
	return Config{
		Topology:      c.Topology,
		BroadcastPort: c.BroadcastPort,
		GatherPort:    c.GatherPort,
		PortOffset:    c.PortOffset,
		Token:         c.Token(),
	}
}

// Session holds the global and local fabrics of one worker.
type Session struct {
	topology plan.Topology
	global   *Scope
	local    *Scope

	closeOnce sync.Once
	log       *log.Logger
}

// New connects this worker to the global fabric, then to the local fabric of
// its machine. Every worker of the job must call New concurrently.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Topology == nil {
		cfg.Topology = plan.DummyTopology{}
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = config.SetupTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.SetupTimeout)
	defer cancel()

	t := cfg.Topology
	sess := &Session{
		topology: t,
		log:      cfg.Logger.With("rank", t.Rank()),
	}
	global, err := sess.newGlobalScope(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sess.global = global
	local, err := sess.newLocalScope(ctx, cfg)
	if err != nil {
		global.close()
		return nil, err
	}
	sess.local = local
	sess.log.Debugf("session ready: %s", t)
	return sess, nil
}

func (sess *Session) healthCheck(cfg Config, h *hub.Hub) hub.HealthCheck {
	if !cfg.DetectPeerLoss || h == nil {
		return cfg.HealthCheck
	}
	return func() error {
		if lost := h.LostPeers(); len(lost) > 0 {
			return fmt.Errorf("%w: lost connection to %v", ErrPeerFailed, lost)
		}
		if cfg.HealthCheck != nil {
			return cfg.HealthCheck()
		}
		return nil
	}
}

func (sess *Session) newGlobalScope(ctx context.Context, cfg Config) (*Scope, error) {
	t := sess.topology
	s := &Scope{
		name: globalScope,
		rank: t.Rank(),
		size: t.Size(),
		log:  sess.log.With("scope", globalScope),
	}
	if s.size == 1 {
		return s, nil
	}
	bcastPort, err := plan.WithPortOffset(cfg.BroadcastPort, cfg.PortOffset)
	if err != nil {
		return nil, err
	}
	gatherPort, err := plan.WithPortOffset(cfg.GatherPort, cfg.PortOffset)
	if err != nil {
		return nil, err
	}
	if s.IsChief() {
		h, err := hub.New(hub.Options{
			Scope:          globalScope,
			NumConnections: s.size - 1,
			BroadcastAddr:  plan.TCPAddr("", bcastPort),
			GatherAddr:     plan.TCPAddr("", gatherPort),
			Token:          cfg.Token,
			Logger:         s.log,
		})
		if err != nil {
			return nil, err
		}
		s.hub = h
		s.healthCheck = sess.healthCheck(cfg, h)
		if err := h.Start(ctx, s.healthCheck); err != nil {
			h.Close()
			return nil, err
		}
		return s, nil
	}
	p, err := hub.Connect(ctx, hub.PeerOptions{
		Scope:         globalScope,
		Index:         s.rank,
		BroadcastAddr: plan.TCPAddr(t.ChiefAddress(), bcastPort),
		GatherAddr:    plan.TCPAddr(t.ChiefAddress(), gatherPort),
		Token:         cfg.Token,
		Logger:        s.log,
	})
	if err != nil {
		return nil, err
	}
	s.peer = p
	return s, nil
}

func (sess *Session) Topology() plan.Topology {
	return sess.topology
}

func (sess *Session) Global() *Scope {
	return sess.global
}

func (sess *Session) Local() *Scope {
	return sess.local
}

func (sess *Session) Broadcast(v []byte) ([]byte, error) {
	return sess.global.Broadcast(v)
}

func (sess *Session) Gather(v []byte) ([][]byte, error) {
	return sess.global.Gather(v)
}

func (sess *Session) AllGather(v []byte) ([][]byte, error) {
	return sess.global.AllGather(v)
}

func (sess *Session) LocalBroadcast(v []byte) ([]byte, error) {
	return sess.local.Broadcast(v)
}

func (sess *Session) LocalGather(v []byte) ([][]byte, error) {
	return sess.local.Gather(v)
}

func (sess *Session) LocalAllGather(v []byte) ([][]byte, error) {
	return sess.local.AllGather(v)
}

// SignalFailure tells the chiefs of this worker's scopes that it has failed,
// so that their pending collectives return ErrPeerFailed instead of waiting.
func (sess *Session) SignalFailure() error {
	return errors.Join(sess.global.signalFailure(), sess.local.signalFailure())
}

// Close tears down the global fabric, then the local one.
func (sess *Session) Close() error {
	var err error
	sess.closeOnce.Do(func() {
		err = errors.Join(sess.global.close(), sess.local.close())
	})
	return err
}
