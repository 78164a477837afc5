package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Hub or Peer.
	ErrClosed = errors.New("fabric endpoint closed")
	// ErrUnexpectedMessage is returned when an envelope of the wrong kind arrives.
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// SetupError reports that a fabric endpoint could not be bound or reached.
type SetupError struct {
	Scope string
	Rank  int
	Op    string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s setup failed at rank %d (%s): %v", e.Scope, e.Rank, e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// OrderingError reports that a message arrived with an unexpected serial
// number, i.e. participants invoked collectives in different orders.
type OrderingError struct {
	Scope    string
	Rank     int
	Op       string
	From     int
	Expected uint64
	Got      uint64
	Detail   string
}

func (e *OrderingError) Error() string {
	msg := fmt.Sprintf("%s %s at rank %d: message from %d has serial %d, expected %d", e.Scope, e.Op, e.Rank, e.From, e.Got, e.Expected)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
