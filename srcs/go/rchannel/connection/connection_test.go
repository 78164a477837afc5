package connection

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/config"
	"github.com/determined-ai/determined-sub004/srcs/go/plan"
)

func listen(t *testing.T) (net.Listener, plan.Addr) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, plan.FromNetAddr(l.Addr())
}

func Test_Open_handshake(t *testing.T) {
	l, addr := listen(t)
	const token = 1234
	accepted := make(chan *Connection, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		conn, err := UpgradeFrom(c, token)
		if err != nil {
			c.Close()
			return
		}
		conn.Accept()
		accepted <- conn
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Open(ctx, addr, ConnGather, 3, token)
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()
	assert.Equal(t, ConnGather, server.Type())
	assert.Equal(t, 3, server.Index())

	require.NoError(t, client.Send(Envelope{Kind: KindConnected, Index: 3}))
	e, err := server.Read()
	require.NoError(t, err)
	assert.Equal(t, KindConnected, e.Kind)
	assert.Equal(t, 3, e.Index)
}

func Test_Open_invalid_token(t *testing.T) {
	l, addr := listen(t)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			if _, err := UpgradeFrom(c, 1); err != nil {
				c.Close()
			}
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Open(ctx, addr, ConnBroadcast, 1, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errCantEstablishConnection))
	assert.Contains(t, err.Error(), errInvalidToken.Error())
}

func Test_Open_gives_up_with_context(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := plan.FromNetAddr(l.Addr())
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	t0 := time.Now()
	_, err = Open(ctx, dead, ConnGather, 1, 0)
	assert.Error(t, err)
	assert.Less(t, time.Since(t0), 5*time.Second)
}

func Test_Open_rejects_other_version(t *testing.T) {
	l, addr := listen(t)
	const token = 42
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			var h connectionHeader
			if err := h.ReadFrom(c); err == nil {
				connectionACK{Version: Version + 1, Token: h.Token}.WriteTo(c)
			}
			c.Close()
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t0 := time.Now()
	_, err := Open(ctx, addr, ConnGather, 1, token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.Less(t, time.Since(t0), config.ConnRetryPeriod)
}

func Test_UpgradeFrom_rejects_other_version(t *testing.T) {
	l, addr := listen(t)
	const token = 42
	upgraded := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			upgraded <- err
			return
		}
		defer c.Close()
		_, err = UpgradeFrom(c, token)
		upgraded <- err
	}()
	c, err := net.Dial(addr.Network, addr.Address)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, connectionHeader{Version: Version + 1, Type: uint16(ConnGather), Index: 1, Token: token}.WriteTo(c))
	var ack connectionACK
	require.NoError(t, ack.ReadFrom(c))
	assert.Equal(t, uint16(Version), ack.Version)
	assert.ErrorIs(t, <-upgraded, ErrVersionMismatch)
}
