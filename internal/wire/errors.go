// Package wire implements the on-the-wire codecs shared by every other
// package in this daemon: the device-mux framing spoken to attached Apple
// devices over USB, and the host-frame framing spoken to local UNIX-socket
// clients.
package wire

import "errors"

// Sentinel errors returned (wrapped with fmt.Errorf("...: %w", ...)) by the
// decoders in this package. Callers compare against these with errors.Is.
var (
	// ErrFraming covers any malformed or unsupported wire layout: a bad
	// magic number, a length field that doesn't agree with the bytes
	// actually available, or a split length-prefix we don't reassemble.
	ErrFraming = errors.New("wire: framing error")

	// ErrUnknownProtocol is returned when a device-mux header names a
	// protocol tag this codec doesn't know how to decode.
	ErrUnknownProtocol = errors.New("wire: unknown device-mux protocol")
)
