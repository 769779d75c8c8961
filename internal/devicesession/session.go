// Package devicesession implements the per-device handshake, sequence
// counters, connection table and demultiplex/reassembly engine that sit on
// top of a raw device-mux byte stream.
package devicesession

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"usbmuxd/internal/usbtransport"
	"usbmuxd/internal/wire"
)

// deviceMuxMajor/Minor are the version this daemon speaks during the
// handshake.
const (
	deviceMuxMajor uint32 = 2
	deviceMuxMinor uint32 = 0
)

// setupPayload is the single byte sent in the Setup frame once a device
// has reported its version.
var setupPayload = []byte{0x07}

// Connection is one logical device-mux TCP connection multiplexed over a
// device session.
type Connection struct {
	SourcePort      uint16
	DestinationPort uint16
	SentBytes       uint32
	RecvdBytes      uint32
}

// Session is a live, handshaken device-mux conversation with one attached
// device. All of its mutable state — sequence counters, the port
// allocator, the connection table and the spill queue — is guarded by a
// single mutex: at most one caller drives a session's USB channel at a
// time, since the sequence counters and interleaving rules require strict
// per-device ordering.
type Session struct {
	mu sync.Mutex

	transport usbtransport.Transport
	version   wire.VersionPayload

	sendSeq        uint16
	recvSeq        uint16
	nextSourcePort uint16

	connsByDest map[uint16]*Connection
	spill       []wire.Packet

	closed bool
}

// Open performs the version/setup handshake against t and returns a ready
// Session.
func Open(ctx context.Context, t usbtransport.Transport) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := wire.NewVersionPacket(deviceMuxMajor, deviceMuxMinor).Encode(t); err != nil {
		return nil, fmt.Errorf("devicesession: send version: %w", err)
	}

	reply, err := wire.Decode(t)
	if err != nil {
		return nil, fmt.Errorf("%w: read version reply: %v", ErrHandshake, err)
	}
	v, ok := reply.Payload.(wire.VersionPayload)
	if !ok || reply.Header.Protocol != wire.ProtoVersion {
		return nil, fmt.Errorf("%w: expected version reply, got %s", ErrHandshake, reply.Header.Protocol)
	}

	setup := wire.NewSetupPacket(setupPayload)
	if err := setup.Encode(t); err != nil {
		return nil, fmt.Errorf("devicesession: send setup: %w", err)
	}

	s := &Session{
		transport:      t,
		version:        v,
		sendSeq:        1,
		recvSeq:        0,
		nextSourcePort: 1,
		connsByDest:    make(map[uint16]*Connection),
	}
	return s, nil
}

// Version returns the device-mux version the device reported.
func (s *Session) Version() wire.VersionPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Close tears the session down, sending a RST for every live connection.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, conn := range s.connsByDest {
		_ = s.sendLocked(conn, wire.RawPayload{}, wire.TCPFlagRST)
	}
	s.closed = true
	return s.transport.Close()
}

// Connect opens a new device-mux TCP connection to destPort via the
// SYN / SYN-ACK / ACK handshake.
func (s *Session) Connect(ctx context.Context, destPort uint16) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.openConnectionLocked(ctx, destPort)
}

func (s *Session) openConnectionLocked(ctx context.Context, destPort uint16) (*Connection, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.nextSourcePort == 0 {
		return nil, ErrPortsExhausted
	}
	sourcePort := s.nextSourcePort
	s.nextSourcePort++

	conn := &Connection{SourcePort: sourcePort, DestinationPort: destPort}

	synSeq := s.sendSeq
	synTCP := wire.TCPHeader{SrcPort: sourcePort, DstPort: destPort, SeqNum: 0, AckNum: 0, Flags: wire.TCPFlagSYN}
	pkt := wire.NewTCPPacket(s.sendSeq, s.recvSeq, synTCP, wire.RawPayload{})
	if err := pkt.Encode(s.transport); err != nil {
		return nil, fmt.Errorf("devicesession: send syn: %w", err)
	}
	s.sendSeq++

	reply, err := s.readPacketLocked()
	if err != nil {
		return nil, fmt.Errorf("%w: read syn-ack: %v", ErrHandshake, err)
	}
	if reply.Header.Protocol != wire.ProtoTCP || reply.TCP == nil {
		return nil, fmt.Errorf("%w: expected tcp syn-ack, got %s", ErrHandshake, reply.Header.Protocol)
	}
	if reply.Header.RecvSeq != synSeq {
		return nil, fmt.Errorf("%w: syn-ack recv_seq %d != sent syn seq %d", ErrHandshake, reply.Header.RecvSeq, synSeq)
	}

	conn.SentBytes += reply.TCP.AckNum
	conn.RecvdBytes++

	ackTCP := wire.TCPHeader{
		SrcPort: sourcePort,
		DstPort: destPort,
		SeqNum:  conn.SentBytes,
		AckNum:  conn.RecvdBytes,
		Flags:   wire.TCPFlagACK,
	}
	ackPkt := wire.NewTCPPacket(s.sendSeq, s.recvSeq, ackTCP, wire.RawPayload{})
	if err := ackPkt.Encode(s.transport); err != nil {
		return nil, fmt.Errorf("devicesession: send ack: %w", err)
	}
	s.sendSeq++

	s.connsByDest[destPort] = conn
	return conn, nil
}

// Send transmits payload on an already-open connection.
func (s *Session) Send(ctx context.Context, conn *Connection, payload wire.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.sendLocked(conn, payload, wire.TCPFlagACK)
}

func (s *Session) sendLocked(conn *Connection, payload wire.Payload, flags byte) error {
	if s.closed {
		return ErrClosed
	}
	tcp := wire.TCPHeader{
		SrcPort: conn.SourcePort,
		DstPort: conn.DestinationPort,
		SeqNum:  conn.SentBytes,
		AckNum:  conn.RecvdBytes,
		Flags:   flags,
	}
	pkt := wire.NewTCPPacket(s.sendSeq, s.recvSeq, tcp, payload)
	if err := pkt.Encode(s.transport); err != nil {
		return fmt.Errorf("devicesession: send: %w", err)
	}
	s.sendSeq++

	encoded, err := wire.EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("devicesession: re-encode payload for byte accounting: %w", err)
	}
	conn.SentBytes += uint32(len(encoded))
	return nil
}

// readPacketLocked reads one frame off the wire and advances recv_seq. It
// is the single low-level read site every post-handshake operation goes
// through, so recv_seq stays in lock-step with frames actually taken off
// the wire regardless of which connection they belong to.
func (s *Session) readPacketLocked() (wire.Packet, error) {
	pkt, err := wire.Decode(s.transport)
	if err != nil {
		return wire.Packet{}, err
	}
	s.recvSeq++
	return pkt, nil
}

// takeMatchingLocked returns the next frame addressed to destPort, first
// checking frames already spilled by an earlier receive on a different
// connection, then reading fresh frames off the wire and spilling any that
// don't match.
func (s *Session) takeMatchingLocked(destPort uint16) (wire.Packet, error) {
	for i, pkt := range s.spill {
		if pkt.TCP != nil && pkt.TCP.SrcPort == destPort {
			s.spill = append(s.spill[:i], s.spill[i+1:]...)
			return pkt, nil
		}
	}
	for {
		pkt, err := s.readPacketLocked()
		if err != nil {
			return wire.Packet{}, err
		}
		if pkt.TCP != nil && pkt.TCP.SrcPort == destPort {
			return pkt, nil
		}
		s.spill = append(s.spill, pkt)
	}
}

// Receive reads and reassembles the next logical message addressed to
// conn's destination port, sending a single ACK once the message is
// complete.
func (s *Session) Receive(ctx context.Context, conn *Connection) (wire.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return wire.Packet{}, err
	}
	return s.receiveLocked(conn)
}

func (s *Session) receiveLocked(conn *Connection) (wire.Packet, error) {
	if s.closed {
		return wire.Packet{}, ErrClosed
	}

	first, err := s.takeMatchingLocked(conn.DestinationPort)
	if err != nil {
		return wire.Packet{}, err
	}
	conn.RecvdBytes += frameByteCount(first)

	switch first.Payload.(type) {
	case wire.VersionPayload, wire.ErrorPayload:
		if err := s.ackLocked(conn); err != nil {
			return wire.Packet{}, err
		}
		return first, nil
	}

	raw, isRaw := first.Payload.(wire.RawPayload)
	if !isRaw {
		// A plist decoded whole, with no length prefix to reassemble.
		if err := s.ackLocked(conn); err != nil {
			return wire.Packet{}, err
		}
		return first, nil
	}
	body := raw.Data
	if len(body) == 0 {
		if err := s.ackLocked(conn); err != nil {
			return wire.Packet{}, err
		}
		return first, nil
	}
	if len(body) < 4 {
		return wire.Packet{}, fmt.Errorf("%w: split length prefix not supported", wire.ErrFraming)
	}

	length := binary.BigEndian.Uint32(body[:4])
	if uint32(len(body)) == 4+length {
		if err := s.ackLocked(conn); err != nil {
			return wire.Packet{}, err
		}
		first.Payload = wire.RawPayload{Data: append([]byte(nil), body[4:]...)}
		return first, nil
	}

	accumulated := append([]byte(nil), body[4:]...)
	last := first
	for uint32(len(accumulated)) < length {
		pkt, err := s.takeMatchingLocked(conn.DestinationPort)
		if err != nil {
			return wire.Packet{}, err
		}
		conn.RecvdBytes += frameByteCount(pkt)
		if raw, ok := pkt.Payload.(wire.RawPayload); ok {
			accumulated = append(accumulated, raw.Data...)
		}
		last = pkt
	}

	last.Payload = wire.RawPayload{Data: accumulated}
	if err := s.ackLocked(conn); err != nil {
		return wire.Packet{}, err
	}
	return last, nil
}

// frameByteCount returns the number of payload bytes a single wire frame
// contributes to a connection's received-byte counter.
func frameByteCount(pkt wire.Packet) uint32 {
	if raw, ok := pkt.Payload.(wire.RawPayload); ok {
		return uint32(len(raw.Data))
	}
	return 0
}

// ackLocked sends a bare TCP(ACK) frame reflecting the connection's
// current byte counters, advancing send_seq.
func (s *Session) ackLocked(conn *Connection) error {
	return s.sendLocked(conn, wire.RawPayload{}, wire.TCPFlagACK)
}

// SendToPort sends payload to destPort, lazily opening a connection via the
// full SYN/SYN-ACK/ACK handshake first if this session has never talked to
// that port before. The lazy path never skips the handshake.
func (s *Session) SendToPort(ctx context.Context, destPort uint16, payload wire.Payload) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, ok := s.connsByDest[destPort]
	if !ok {
		var err error
		conn, err = s.openConnectionLocked(ctx, destPort)
		if err != nil {
			return nil, err
		}
	}
	if err := s.sendLocked(conn, payload, wire.TCPFlagACK); err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnectionFor returns the connection this session has open to destPort,
// if any.
func (s *Session) ConnectionFor(destPort uint16) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connsByDest[destPort]
	return conn, ok
}
