// Package transport defines the broadcast channel tabs use to reach each
// other. Delivery is best effort: no acknowledgements, no replay for
// subscribers that join late.
package transport

import (
	"errors"
)

var (
	// ErrUnsupported is returned by Open when the backend is unavailable in
	// this environment.
	ErrUnsupported = errors.New("broadcast transport not supported")

	// ErrClosed is returned by Post after Close.
	ErrClosed = errors.New("broadcast channel closed")
)

// Handler receives raw frames posted by other subscribers of a channel.
// It may be called from a transport-owned goroutine.
type Handler func(data []byte)

// Channel is an open subscription to a named broadcast channel.
type Channel interface {
	// Post sends data to every other subscriber of the channel.
	Post(data []byte) error
	Close() error
}

// Dialer opens named channels on one backend.
type Dialer interface {
	// Supported reports whether Open can work at all, without side effects.
	Supported() bool
	Open(name string, onMessage Handler) (Channel, error)
}
