package session

import (
	"context"
	"fmt"

	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/config"
	"github.com/determined-ai/determined-sub004/srcs/go/plan"
	"github.com/determined-ai/determined-sub004/srcs/go/rchannel/hub"
)

// localHubInfo is what each worker contributes to the bootstrap allgather.
// Only local chiefs of multi-worker machines advertise addresses.
type localHubInfo struct {
	CrossRank     int    `json:"cross_rank"`
	IsLocalChief  bool   `json:"is_local_chief"`
	BroadcastAddr string `json:"broadcast_addr,omitempty"`
	GatherAddr    string `json:"gather_addr,omitempty"`
}

// unixHubAddrs returns socket paths for a local hub, or false if filesystem
// sockets are disabled or the paths would not fit.
func unixHubAddrs() (plan.Addr, plan.Addr, bool) {
	if !config.UseUnixSock || !plan.UnixSockSupported() {
		return plan.Addr{}, plan.Addr{}, false
	}
	bcast, gather := plan.SockFile("b"), plan.SockFile("g")
	if !plan.SockPathFits(bcast) || !plan.SockPathFits(gather) {
		return plan.Addr{}, plan.Addr{}, false
	}
	return plan.UnixAddr(bcast), plan.UnixAddr(gather), true
}

// newLocalHub binds the local hub on filesystem sockets when possible and on
// loopback TCP otherwise.
func newLocalHub(opts hub.Options) (*hub.Hub, error) {
	if bcast, gather, ok := unixHubAddrs(); ok {
		opts.BroadcastAddr, opts.GatherAddr = bcast, gather
		h, err := hub.New(opts)
		if err == nil {
			return h, nil
		}
		opts.Logger.Warnf("falling back to loopback tcp: %v", err)
	}
	opts.BroadcastAddr = plan.TCPAddr(plan.LoopbackAddr, 0)
	opts.GatherAddr = plan.TCPAddr(plan.LoopbackAddr, 0)
	return hub.New(opts)
}

func (sess *Session) newLocalScope(ctx context.Context, cfg Config) (*Scope, error) {
	t := sess.topology
	s := &Scope{
		name: localScope,
		rank: t.LocalRank(),
		size: t.LocalSize(),
		log:  sess.log.With("scope", localScope),
	}
	if t.Size() == 1 {
		return s, nil
	}
	info := localHubInfo{
		CrossRank:    t.CrossRank(),
		IsLocalChief: t.IsLocalChief(),
	}
	if s.size > 1 && s.IsChief() {
		h, err := newLocalHub(hub.Options{
			Scope:          localScope,
			NumConnections: s.size - 1,
			Token:          cfg.Token,
			Logger:         s.log,
		})
		if err != nil {
			return nil, err
		}
		s.hub = h
		s.healthCheck = sess.healthCheck(cfg, h)
		info.BroadcastAddr = h.BroadcastAddr().String()
		info.GatherAddr = h.GatherAddr().String()
	}
	infos, err := AllGatherOf(sess.global, info)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("bootstrap local fabric: %w", err)
	}
	if s.size == 1 {
		return s, nil
	}
	if s.hub != nil {
		if err := s.hub.Start(ctx, s.healthCheck); err != nil {
			s.close()
			return nil, err
		}
		return s, nil
	}
	chief, err := findLocalChief(infos, t.CrossRank())
	if err != nil {
		return nil, err
	}
	p, err := hub.Connect(ctx, hub.PeerOptions{
		Scope:         localScope,
		Index:         s.rank,
		BroadcastAddr: chief.bcast,
		GatherAddr:    chief.gather,
		Token:         cfg.Token,
		Logger:        s.log,
	})
	if err != nil {
		return nil, err
	}
	s.peer = p
	return s, nil
}

type hubAddrs struct {
	bcast, gather plan.Addr
}

func findLocalChief(infos []localHubInfo, crossRank int) (*hubAddrs, error) {
	for _, info := range infos {
		if info.CrossRank != crossRank || !info.IsLocalChief {
			continue
		}
		bcast, err := plan.ParseAddr(info.BroadcastAddr)
		if err != nil {
			return nil, fmt.Errorf("local chief of machine %d: %w", crossRank, err)
		}
		gather, err := plan.ParseAddr(info.GatherAddr)
		if err != nil {
			return nil, fmt.Errorf("local chief of machine %d: %w", crossRank, err)
		}
		return &hubAddrs{bcast: bcast, gather: gather}, nil
	}
	return nil, &plan.ConfigError{Reason: fmt.Sprintf("no local chief advertised for machine %d", crossRank)}
}
