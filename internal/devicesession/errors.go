package devicesession

import "errors"

var (
	// ErrHandshake is returned when the version/setup handshake with a
	// device doesn't follow the expected shape.
	ErrHandshake = errors.New("devicesession: handshake failed")

	// ErrProtocol covers any post-handshake frame that violates the
	// connection's expected sequencing (wrong port, unexpected header).
	ErrProtocol = errors.New("devicesession: protocol violation")

	// ErrPortsExhausted is returned once every source port in the 16-bit
	// space has been handed out.
	ErrPortsExhausted = errors.New("devicesession: no source ports left")

	// ErrConnNotFound is returned when an operation names a connection
	// (by destination port) this session never opened.
	ErrConnNotFound = errors.New("devicesession: connection not found")

	// ErrClosed is returned by any operation on a session that has
	// already been torn down.
	ErrClosed = errors.New("devicesession: session closed")
)
