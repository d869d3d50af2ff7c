package client

import "errors"

var (
	// ErrProtocolMalformed means a frame could not be parsed as the JSON
	// or body payload its position in the stream requires.
	ErrProtocolMalformed = errors.New("client: malformed protocol frame")

	// ErrConnectionLost means the socket closed, or failed to open,
	// before the exchange ended normally.
	ErrConnectionLost = errors.New("client: connection lost")

	// ErrExchangeClosed is returned by Write/End once End has already
	// been called.
	ErrExchangeClosed = errors.New("client: exchange already closed")
)
