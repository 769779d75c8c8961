package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HostVersion selects how a host frame's payload is encoded.
type HostVersion uint32

const (
	HostVersionBinary HostVersion = 0
	HostVersionPlist  HostVersion = 1
)

// HostMsgType is the host frame's message_type field.
type HostMsgType uint32

const (
	HostMsgResult       HostMsgType = 1
	HostMsgConnect      HostMsgType = 2
	HostMsgListen       HostMsgType = 3
	HostMsgDeviceAdd    HostMsgType = 4
	HostMsgDeviceRemove HostMsgType = 5
	HostMsgDevicePaired HostMsgType = 6
	HostMsgPlist        HostMsgType = 8
)

// Result codes used in a HostMsgResult payload (4-byte LE number).
const (
	ResultOK          uint32 = 0
	ResultBadCommand  uint32 = 1
	ResultBadDevice   uint32 = 2
	ResultConnRefused uint32 = 3
	ResultBadVersion  uint32 = 6
)

// PlistMessageType is the MessageType field inside a plist-framed host
// message (HostMsgPlist).
type PlistMessageType string

const (
	PlistListen           PlistMessageType = "Listen"
	PlistListDevices       PlistMessageType = "ListDevices"
	PlistListListeners    PlistMessageType = "ListListeners"
	PlistReadBUID         PlistMessageType = "ReadBUID"
	PlistReadPairRecord   PlistMessageType = "ReadPairRecord"
	PlistSavePairRecord   PlistMessageType = "SavePairRecord"
	PlistDeletePairRecord PlistMessageType = "DeletePairRecord"
	PlistConnect          PlistMessageType = "Connect"
)

const hostHeaderSize = 16

// HostFrame is one message in the local UNIX-socket client protocol: a
// fixed 16-byte little-endian header followed by a payload whose encoding
// is named by Version.
type HostFrame struct {
	Version HostVersion
	MsgType HostMsgType
	Tag     uint32
	Payload []byte
}

// Encode serializes f to w, computing Length itself.
func (f HostFrame) Encode(w io.Writer) error {
	total := hostHeaderSize + len(f.Payload)
	var hdr [hostHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(total))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(f.Version))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(f.MsgType))
	binary.LittleEndian.PutUint32(hdr[12:16], f.Tag)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

// maxHostFrameLength bounds a single client frame to guard against a
// malicious or confused peer claiming a gigantic length and exhausting
// memory on the read side.
const maxHostFrameLength = 64 << 20

// DecodeHostFrame reads one HostFrame from r.
func DecodeHostFrame(r io.Reader) (HostFrame, error) {
	var hdr [hostHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return HostFrame{}, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	if length < hostHeaderSize {
		return HostFrame{}, fmt.Errorf("%w: host frame length %d shorter than header", ErrFraming, length)
	}
	if length > maxHostFrameLength {
		return HostFrame{}, fmt.Errorf("%w: host frame length %d exceeds cap", ErrFraming, length)
	}
	f := HostFrame{
		Version: HostVersion(binary.LittleEndian.Uint32(hdr[4:8])),
		MsgType: HostMsgType(binary.LittleEndian.Uint32(hdr[8:12])),
		Tag:     binary.LittleEndian.Uint32(hdr[12:16]),
	}
	payloadLen := length - hostHeaderSize
	if payloadLen == 0 {
		return f, nil
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return HostFrame{}, fmt.Errorf("%w: short host frame payload: %v", ErrFraming, err)
	}
	f.Payload = payload
	return f, nil
}

// NewResultFrame builds a HostMsgResult frame carrying a 4-byte little
// endian result code.
func NewResultFrame(tag uint32, code uint32) HostFrame {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], code)
	return HostFrame{Version: HostVersionBinary, MsgType: HostMsgResult, Tag: tag, Payload: b[:]}
}

// NewPlistFrame builds a HostMsgPlist frame carrying v encoded as an XML
// plist document.
func NewPlistFrame(tag uint32, v interface{}) (HostFrame, error) {
	xmlBytes, err := EncodePlistXML(v)
	if err != nil {
		return HostFrame{}, err
	}
	return HostFrame{Version: HostVersionPlist, MsgType: HostMsgPlist, Tag: tag, Payload: xmlBytes}, nil
}
