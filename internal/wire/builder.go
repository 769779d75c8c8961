package wire

// Constructors below replace what the original implementation expressed as
// a compile-time typed-staging builder (one generic type per
// header/payload combination). Go has no lightweight equivalent of that
// type-state trick, so construction is collapsed into plain functions that
// build a fully-formed Packet directly; Decode is what performs runtime
// validation on the way back in.

// NewVersionPacket builds the V1 Version frame sent at the start of a
// device-mux handshake.
func NewVersionPacket(major, minor uint32) Packet {
	return Packet{
		Header:  Header{Protocol: ProtoVersion},
		Payload: VersionPayload{Major: major, Minor: minor},
	}
}

// NewSetupPacket builds the V2 Setup frame sent once a device has reported
// its version. recv_seq is set to the fixed value 0xFFFF; it is not a
// counter on this frame, and the session's own recv_seq starts at 0.
func NewSetupPacket(raw []byte) Packet {
	return Packet{
		Header: Header{
			Protocol: ProtoSetup,
			SendSeq:  0,
			RecvSeq:  0xFFFF,
		},
		Payload: RawPayload{Data: raw},
	}
}

// NewTCPPacket builds a V2 Tcp-protocol frame carrying tcp as its
// sub-header and payload as its body.
func NewTCPPacket(sendSeq, recvSeq uint16, tcp TCPHeader, payload Payload) Packet {
	return Packet{
		Header: Header{
			Protocol: ProtoTCP,
			SendSeq:  sendSeq,
			RecvSeq:  recvSeq,
		},
		TCP:     &tcp,
		Payload: payload,
	}
}
