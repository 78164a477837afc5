package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/determined-ai/determined-sub004/srcs/go/log"
	"github.com/determined-ai/determined-sub004/srcs/go/plan"
	"github.com/determined-ai/determined-sub004/srcs/go/rchannel/connection"
)

type PeerOptions struct {
	Scope         string
	Index         int
	BroadcastAddr plan.Addr
	GatherAddr    plan.Addr
	Token         uint32
	Logger        *log.Logger
}

// Peer is the non-chief side of a scope.
type Peer struct {
	scope string
	index int
	log   *log.Logger

	bcast  *connection.Connection
	gather *connection.Connection

	sendSerial uint64
	recvSerial uint64

	closeOnce sync.Once
}

// Connect subscribes to the hub's broadcast endpoint, then opens the gather
// path and announces itself. The hub's Start returns once every peer has
// done so, hence no broadcast can be missed.
func Connect(ctx context.Context, opts PeerOptions) (*Peer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	p := &Peer{
		scope: opts.Scope,
		index: opts.Index,
		log:   logger.With("scope", opts.Scope, "role", "peer", "index", opts.Index),
	}
	setupErr := func(op string, err error) error {
		return &SetupError{Scope: p.scope, Rank: p.index, Op: op, Err: err}
	}
	var err error
	if p.bcast, err = connection.Open(ctx, opts.BroadcastAddr, connection.ConnBroadcast, opts.Index, opts.Token); err != nil {
		return nil, setupErr("subscribe", err)
	}
	if p.gather, err = connection.Open(ctx, opts.GatherAddr, connection.ConnGather, opts.Index, opts.Token); err != nil {
		p.bcast.Close()
		return nil, setupErr("connect", err)
	}
	if err := p.gather.Send(connection.Envelope{Kind: connection.KindConnected, Index: p.index}); err != nil {
		p.Close()
		return nil, setupErr("announce", err)
	}
	p.log.Debugf("connected to %s and %s", opts.BroadcastAddr, opts.GatherAddr)
	return p, nil
}

func (p *Peer) Index() int {
	return p.index
}

// Send delivers payload to the hub as this peer's reply for the next gather.
func (p *Peer) Send(payload []byte) error {
	e := connection.Envelope{
		Kind:    connection.KindSerial,
		Serial:  p.sendSerial,
		Index:   p.index,
		Payload: payload,
	}
	p.sendSerial++
	return p.gather.Send(e)
}

// SendException tells the hub that this peer has failed.
func (p *Peer) SendException() error {
	return p.gather.Send(connection.Envelope{Kind: connection.KindException, Index: p.index})
}

// Recv blocks until the next broadcast arrives.
func (p *Peer) Recv() ([]byte, error) {
	e, err := p.bcast.Read()
	if err != nil {
		if errors.Is(err, io.EOF) || connection.IsNetClosingErr(err) {
			return nil, fmt.Errorf("%s recv at rank %d: %w", p.scope, p.index, ErrClosed)
		}
		return nil, err
	}
	if e.Kind != connection.KindSerial {
		return nil, fmt.Errorf("%s recv at rank %d: %w: %s", p.scope, p.index, ErrUnexpectedMessage, e)
	}
	if e.Serial != p.recvSerial {
		return nil, &OrderingError{Scope: p.scope, Rank: p.index, Op: "recv", From: 0, Expected: p.recvSerial, Got: e.Serial}
	}
	p.recvSerial++
	return e.Payload, nil
}

func (p *Peer) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		if p.gather != nil {
			errs = append(errs, p.gather.Close())
		}
		if p.bcast != nil {
			errs = append(errs, p.bcast.Close())
		}
	})
	return errors.Join(errs...)
}
