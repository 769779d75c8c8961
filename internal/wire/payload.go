package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"howett.net/plist"
)

// Payload is the device-mux payload carried after the (optional) TCP
// sub-header. The concrete types below are the only payload shapes this
// daemon produces or understands.
type Payload interface {
	encode() ([]byte, error)
}

// VersionPayload is exchanged during the initial version handshake.
type VersionPayload struct {
	Major   uint32
	Minor   uint32
	Padding uint32
}

const versionPayloadSize = 12

func (v VersionPayload) encode() ([]byte, error) {
	var b [versionPayloadSize]byte
	binary.BigEndian.PutUint32(b[0:4], v.Major)
	binary.BigEndian.PutUint32(b[4:8], v.Minor)
	binary.BigEndian.PutUint32(b[8:12], v.Padding)
	return b[:], nil
}

func decodeVersionPayload(data []byte) (Payload, error) {
	if len(data) != versionPayloadSize {
		return nil, fmt.Errorf("%w: version payload is %d bytes, want %d", ErrFraming, len(data), versionPayloadSize)
	}
	return VersionPayload{
		Major:   binary.BigEndian.Uint32(data[0:4]),
		Minor:   binary.BigEndian.Uint32(data[4:8]),
		Padding: binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// RawPayload is an uninterpreted byte payload: the Setup handshake frame,
// TCP-subset control frames (bare SYN/ACK/RST with no data), and any
// non-plist application data relayed between a client and a device service.
type RawPayload struct {
	Data []byte
}

func (r RawPayload) encode() ([]byte, error) {
	return r.Data, nil
}

// PlistPayload carries a decoded property-list value. On the wire it is a
// 4-byte big-endian length prefix, the XML document, and a trailing '\n'.
type PlistPayload struct {
	Value interface{}
}

func (p PlistPayload) encode() ([]byte, error) {
	xmlBytes, err := plist.MarshalIndent(p.Value, plist.XMLFormat, "")
	if err != nil {
		return nil, fmt.Errorf("wire: marshal plist payload: %w", err)
	}
	var buf bytes.Buffer
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(xmlBytes)))
	buf.Write(lenPrefix[:])
	buf.Write(xmlBytes)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ErrorPayload reports a protocol-level failure: a one-byte code and an
// optional human-readable message. Decode never infers this shape from
// incoming bytes; it is only ever produced by this daemon's own encoder.
type ErrorPayload struct {
	Code    byte
	Message string
}

func (e ErrorPayload) encode() ([]byte, error) {
	b := make([]byte, 0, 1+len(e.Message))
	b = append(b, e.Code)
	b = append(b, []byte(e.Message)...)
	return b, nil
}

// decodePayload implements the decode priority spelled out by the protocol:
// a Version frame's payload is always the fixed 12-byte version record;
// everything else is tried as a whole plist document, then as a
// length-prefixed plist document, and falls back to an opaque raw payload.
// Only XML and binary plist documents count; bytes that parse solely as an
// OpenStep/GNUstep text plist (such as a bare word) stay raw.
func decodePayload(proto Protocol, data []byte) (Payload, error) {
	if !knownProtocols[proto] {
		return nil, fmt.Errorf("%w: protocol tag %d", ErrUnknownProtocol, uint32(proto))
	}
	if proto == ProtoVersion {
		return decodeVersionPayload(data)
	}

	if v, ok := tryDecodePlistWhole(data); ok {
		return PlistPayload{Value: v}, nil
	}
	if v, ok := tryDecodePlistPrefixed(data); ok {
		return PlistPayload{Value: v}, nil
	}
	return RawPayload{Data: append([]byte(nil), data...)}, nil
}

func tryDecodePlistWhole(data []byte) (interface{}, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var v interface{}
	format, err := plist.Unmarshal(data, &v)
	if err != nil || (format != plist.XMLFormat && format != plist.BinaryFormat) {
		return nil, false
	}
	return v, true
}

func tryDecodePlistPrefixed(data []byte) (interface{}, bool) {
	if len(data) < 4 {
		return nil, false
	}
	length := binary.BigEndian.Uint32(data[0:4])
	if uint32(len(data)-4) < length {
		return nil, false
	}
	var v interface{}
	format, err := plist.Unmarshal(data[4:4+length], &v)
	if err != nil || (format != plist.XMLFormat && format != plist.BinaryFormat) {
		return nil, false
	}
	return v, true
}

// EncodePayload renders p exactly as it would appear on the wire, without
// the surrounding device-mux header. Used by callers that need to account
// for a payload's wire length without re-deriving the encoding rules.
func EncodePayload(p Payload) ([]byte, error) {
	return p.encode()
}

// EncodePlistXML renders v as an XML plist document, without the device-mux
// length-prefix framing. Used by the host-frame and relay codecs, which
// have their own framing conventions.
func EncodePlistXML(v interface{}) ([]byte, error) {
	b, err := plist.MarshalIndent(v, plist.XMLFormat, "")
	if err != nil {
		return nil, fmt.Errorf("wire: marshal plist: %w", err)
	}
	return b, nil
}

// DecodePlist parses a plist document into v. Any format the plist library
// reads is accepted: XML, binary, or OpenStep/GNUstep text.
func DecodePlist(data []byte, v interface{}) error {
	if _, err := plist.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal plist: %w", err)
	}
	return nil
}
