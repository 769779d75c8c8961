package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Protocol is the device-mux header's protocol tag.
type Protocol uint32

const (
	ProtoVersion Protocol = 0
	ProtoControl Protocol = 1
	ProtoSetup   Protocol = 2
	ProtoTCP     Protocol = 6
)

func (p Protocol) String() string {
	switch p {
	case ProtoVersion:
		return "version"
	case ProtoControl:
		return "control"
	case ProtoSetup:
		return "setup"
	case ProtoTCP:
		return "tcp"
	default:
		return fmt.Sprintf("protocol(%d)", uint32(p))
	}
}

// headerV2Magic is the constant that follows the protocol/length pair in
// every V2 header.
const headerV2Magic uint32 = 0xfeedface

const (
	headerV1Size = 8  // protocol u32 + length u32
	headerV2Size = 16 // headerV1Size + magic u32 + send_seq u16 + recv_seq u16
)

// Header is a device-mux frame header. Only Version frames use the short
// (V1) layout; every other protocol tag uses V2, carrying the rolling
// sequence counters.
type Header struct {
	Protocol Protocol
	Length   uint32 // total frame length, header included
	SendSeq  uint16 // V2 only
	RecvSeq  uint16 // V2 only
}

// isV1 reports whether this header uses the short, sequence-less layout.
// Only Version frames do.
func (h Header) isV1() bool {
	return h.Protocol == ProtoVersion
}

func (h Header) size() uint32 {
	if h.isV1() {
		return headerV1Size
	}
	return headerV2Size
}

func (h Header) encode(buf *bytes.Buffer) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(h.Protocol)); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, h.Length); err != nil {
		return err
	}
	if h.isV1() {
		return nil
	}
	if err := binary.Write(buf, binary.BigEndian, headerV2Magic); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, h.SendSeq); err != nil {
		return err
	}
	return binary.Write(buf, binary.BigEndian, h.RecvSeq)
}

// knownProtocols is the set of device-mux protocol tags this codec
// understands. Anything else is a decode error per the protocol's own
// framing rule: unknown values are never silently passed through.
var knownProtocols = map[Protocol]bool{
	ProtoVersion: true,
	ProtoControl: true,
	ProtoSetup:   true,
	ProtoTCP:     true,
}

func decodeHeader(r io.Reader) (Header, error) {
	var prefix [headerV1Size]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Protocol: Protocol(binary.BigEndian.Uint32(prefix[0:4])),
		Length:   binary.BigEndian.Uint32(prefix[4:8]),
	}
	if !knownProtocols[h.Protocol] {
		return Header{}, fmt.Errorf("%w: protocol tag %d", ErrUnknownProtocol, uint32(h.Protocol))
	}
	if h.isV1() {
		return h, nil
	}
	var rest [headerV2Size - headerV1Size]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return Header{}, fmt.Errorf("%w: short v2 header: %v", ErrFraming, err)
	}
	magic := binary.BigEndian.Uint32(rest[0:4])
	if magic != headerV2Magic {
		return Header{}, fmt.Errorf("%w: bad v2 magic %#x", ErrFraming, magic)
	}
	h.SendSeq = binary.BigEndian.Uint16(rest[4:6])
	h.RecvSeq = binary.BigEndian.Uint16(rest[6:8])
	return h, nil
}

// TCP flag bits, at their real wire positions (not the device-mux header's
// own bit layout, which has none of these).
const (
	TCPFlagFIN byte = 0x01
	TCPFlagSYN byte = 0x02
	TCPFlagRST byte = 0x04
	TCPFlagPSH byte = 0x08
	TCPFlagACK byte = 0x10
	TCPFlagURG byte = 0x20
)

const tcpHeaderSize = 20
const tcpWindow uint16 = 512

// TCPHeader is the TCP-subset header device-mux uses to carry Tcp-protocol
// frames. Only SrcPort, DstPort, SeqNum, AckNum and Flags are meaningful;
// Window is always 512 and Checksum/Urgent are never validated.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	SeqNum  uint32
	AckNum  uint32
	Flags   byte
}

func (t TCPHeader) encode(buf *bytes.Buffer) error {
	var b [tcpHeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], t.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], t.DstPort)
	binary.BigEndian.PutUint32(b[4:8], t.SeqNum)
	binary.BigEndian.PutUint32(b[8:12], t.AckNum)
	b[12] = 0x50 // data offset = 5 words, reserved bits zero
	b[13] = t.Flags
	binary.BigEndian.PutUint16(b[14:16], tcpWindow)
	binary.BigEndian.PutUint16(b[16:18], 0) // checksum, unvalidated
	binary.BigEndian.PutUint16(b[18:20], 0) // urgent pointer, unused
	_, err := buf.Write(b[:])
	return err
}

func decodeTCPHeader(r io.Reader) (TCPHeader, error) {
	var b [tcpHeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return TCPHeader{}, fmt.Errorf("%w: short tcp header: %v", ErrFraming, err)
	}
	return TCPHeader{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		SeqNum:  binary.BigEndian.Uint32(b[4:8]),
		AckNum:  binary.BigEndian.Uint32(b[8:12]),
		Flags:   b[13],
	}, nil
}

// Packet is one fully decoded device-mux frame.
type Packet struct {
	Header  Header
	TCP     *TCPHeader // non-nil only for ProtoTCP frames
	Payload Payload
}

// Encode serializes p to w.
func (p Packet) Encode(w io.Writer) error {
	var body bytes.Buffer
	if p.TCP != nil {
		if err := p.TCP.encode(&body); err != nil {
			return err
		}
	}
	payloadBytes, err := p.Payload.encode()
	if err != nil {
		return err
	}
	body.Write(payloadBytes)

	h := p.Header
	h.Length = h.size() + uint32(body.Len())

	var out bytes.Buffer
	if err := h.encode(&out); err != nil {
		return err
	}
	out.Write(body.Bytes())
	_, err = w.Write(out.Bytes())
	return err
}

// Decode reads one device-mux frame from r.
func Decode(r io.Reader) (Packet, error) {
	h, err := decodeHeader(r)
	if err != nil {
		return Packet{}, err
	}
	if h.Length < h.size() {
		return Packet{}, fmt.Errorf("%w: length %d shorter than header", ErrFraming, h.Length)
	}
	body := make([]byte, h.Length-h.size())
	if _, err := io.ReadFull(r, body); err != nil {
		return Packet{}, fmt.Errorf("%w: short body: %v", ErrFraming, err)
	}

	pkt := Packet{Header: h}
	rest := body
	if h.Protocol == ProtoTCP {
		if len(rest) < tcpHeaderSize {
			return Packet{}, fmt.Errorf("%w: tcp frame too short for tcp header", ErrFraming)
		}
		tcp, err := decodeTCPHeader(bytes.NewReader(rest[:tcpHeaderSize]))
		if err != nil {
			return Packet{}, err
		}
		pkt.TCP = &tcp
		rest = rest[tcpHeaderSize:]
	}

	payload, err := decodePayload(h.Protocol, rest)
	if err != nil {
		return Packet{}, err
	}
	pkt.Payload = payload
	return pkt, nil
}
