package connection

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/config"
	"github.com/determined-ai/determined-sub004/srcs/go/log"
	"github.com/determined-ai/determined-sub004/srcs/go/plan"
)

type ConnType uint16

const (
	ConnBroadcast ConnType = iota + 1 // hub -> peer fan-out
	ConnGather    ConnType = iota + 1 // peer -> hub fan-in
)

var ErrInvalidConnectionType = errors.New("invalid connection type")

func (t ConnType) String() string {
	switch t {
	case ConnBroadcast:
		return "Broadcast"
	case ConnGather:
		return "Gather"
	default:
		return ""
	}
}

type connectionHeader struct {
	Version uint16
	Type    uint16
	Index   uint32
	Token   uint32
}

func (h connectionHeader) WriteTo(w io.Writer) error {
	return binary.Write(w, endian, &h)
}

func (h *connectionHeader) ReadFrom(r io.Reader) error {
	return binary.Read(r, endian, h)
}

type connectionACK struct {
	Version uint16
	Token   uint32
}

func (a connectionACK) WriteTo(w io.Writer) error {
	return binary.Write(w, endian, &a)
}

func (a *connectionACK) ReadFrom(r io.Reader) error {
	return binary.Read(r, endian, a)
}

var (
	errInvalidToken            = errors.New("invalid token")
	errCantEstablishConnection = errors.New("can't establish connection")
)

// Connection is a simplex logical connection between a hub and one of its peers.
type Connection struct {
	conn     net.Conn
	connType ConnType
	index    int
	token    uint32

	rmu sync.Mutex
	wmu sync.Mutex
}

// UpgradeFrom performs the acceptor side of the handshake up to, but not
// including, the acknowledgment. The caller acknowledges with Accept once it
// is ready to use the connection.
func UpgradeFrom(conn net.Conn, token uint32) (*Connection, error) {
	var h connectionHeader
	if err := h.ReadFrom(conn); err != nil {
		return nil, err
	}
	if h.Version != Version {
		connectionACK{Version: Version, Token: token}.WriteTo(conn)
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, Version)
	}
	if h.Token != token {
		connectionACK{Version: Version, Token: token}.WriteTo(conn)
		return nil, fmt.Errorf("%w from %s", errInvalidToken, conn.RemoteAddr())
	}
	t := ConnType(h.Type)
	if t != ConnBroadcast && t != ConnGather {
		return nil, ErrInvalidConnectionType
	}
	return &Connection{
		conn:     conn,
		connType: t,
		index:    int(h.Index),
		token:    token,
	}, nil
}

// Accept completes the acceptor side of the handshake.
func (c *Connection) Accept() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return connectionACK{Version: Version, Token: c.token}.WriteTo(c.conn)
}

// Open dials remote until the handshake succeeds, retrying every
// config.ConnRetryPeriod at most config.ConnRetryCount times or until ctx is done.
func Open(ctx context.Context, remote plan.Addr, t ConnType, index int, token uint32) (*Connection, error) {
	var conn *Connection
	var trials int
	t0 := time.Now()
	op := func() error {
		trials++
		var err error
		conn, err = open(ctx, remote, t, index, token)
		if errors.Is(err, errInvalidToken) || errors.Is(err, ErrVersionMismatch) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		log.Debugf("failed to establish %s connection to %s for %d times: %v", t, remote, trials, err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(config.ConnRetryPeriod), config.ConnRetryCount), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("%w to %s after %d trials: %w", errCantEstablishConnection, remote, trials, err)
	}
	log.Debugf("%s connection to %s established after %d trials, took %s", t, remote, trials, time.Since(t0))
	return conn, nil
}

func open(ctx context.Context, remote plan.Addr, t ConnType, index int, token uint32) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, remote.Network, remote.Address)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	h := connectionHeader{
		Version: Version,
		Type:    uint16(t),
		Index:   uint32(index),
		Token:   token,
	}
	if err := h.WriteTo(conn); err != nil {
		conn.Close()
		return nil, err
	}
	var ack connectionACK
	if err := ack.ReadFrom(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if ack.Version != Version {
		conn.Close()
		return nil, fmt.Errorf("%w: acceptor speaks %d, want %d", ErrVersionMismatch, ack.Version, Version)
	}
	if ack.Token != token {
		conn.Close()
		return nil, errInvalidToken
	}
	conn.SetDeadline(time.Time{})
	return &Connection{
		conn:     conn,
		connType: t,
		index:    index,
		token:    token,
	}, nil
}

func (c *Connection) Type() ConnType {
	return c.connType
}

// Index is the rank within the scope of the peer end of the connection.
func (c *Connection) Index() int {
	return c.index
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) Send(e Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return e.WriteTo(c.conn)
}

func (c *Connection) Read() (*Envelope, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	var e Envelope
	if err := e.ReadFrom(c.conn); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Connection) Close() error {
	return c.conn.Close()
}
