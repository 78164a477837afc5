package connection

import (
	"errors"
	"io"
	"net"
)

type Handler interface {
	Handle(conn *Connection) (int, error)
}

type HandlerFunc func(*Connection) (int, error)

func (f HandlerFunc) Handle(c *Connection) (int, error) { return f(c) }

type MsgHandleFunc func(e *Envelope, conn *Connection)

// Stream reads envelopes from conn until the remote end closes it.
func Stream(conn *Connection, handle MsgHandleFunc) (int, error) {
	for i := 0; ; i++ {
		e, err := conn.Read()
		if err != nil {
			if err == io.EOF || IsNetClosingErr(err) {
				return i, nil
			}
			return i, err
		}
		handle(e, conn)
	}
}

// IsNetClosingErr reports whether err comes from using a connection or
// listener that was closed locally.
func IsNetClosingErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
