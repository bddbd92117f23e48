package core

import "errors"

// Frame is a raw binary payload.
type Frame []byte

// ConnID identifies one live transport connection.
type ConnID string

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend never blocks: a full buffer yields ErrBackpressure.
	TrySend(Frame) error
	Close()
}
