package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionPacketRoundTrip(t *testing.T) {
	pkt := NewVersionPacket(2, 0)
	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, ProtoVersion, got.Header.Protocol)
	require.Nil(t, got.TCP)
	v, ok := got.Payload.(VersionPayload)
	require.True(t, ok)
	require.Equal(t, uint32(2), v.Major)
	require.Equal(t, uint32(0), v.Minor)
}

func TestSetupPacketRoundTrip(t *testing.T) {
	pkt := NewSetupPacket([]byte{0x07})
	pkt.Header.RecvSeq = 0xFFFF
	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, ProtoSetup, got.Header.Protocol)
	require.Equal(t, uint16(0xFFFF), got.Header.RecvSeq)
	raw, ok := got.Payload.(RawPayload)
	require.True(t, ok)
	require.Equal(t, []byte{0x07}, raw.Data)
}

func TestTCPPacketPlistRoundTrip(t *testing.T) {
	tcp := TCPHeader{SrcPort: 1, DstPort: 62078, SeqNum: 10, AckNum: 20, Flags: TCPFlagACK}
	pkt := NewTCPPacket(5, 7, tcp, PlistPayload{Value: map[string]interface{}{"Hello": "World"}})
	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, ProtoTCP, got.Header.Protocol)
	require.Equal(t, uint16(5), got.Header.SendSeq)
	require.Equal(t, uint16(7), got.Header.RecvSeq)
	require.NotNil(t, got.TCP)
	require.Equal(t, uint16(1), got.TCP.SrcPort)
	require.Equal(t, uint16(62078), got.TCP.DstPort)
	require.Equal(t, TCPFlagACK, got.TCP.Flags)

	pl, ok := got.Payload.(PlistPayload)
	require.True(t, ok)
	m, ok := pl.Value.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "World", m["Hello"])
}

func TestTCPPacketRawPayloadRoundTrip(t *testing.T) {
	tcp := TCPHeader{SrcPort: 2, DstPort: 3, SeqNum: 1, AckNum: 1, Flags: TCPFlagSYN}
	pkt := NewTCPPacket(1, 0, tcp, RawPayload{Data: []byte("not a plist")})
	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	raw, ok := got.Payload.(RawPayload)
	require.True(t, ok)
	require.Equal(t, []byte("not a plist"), raw.Data)
}

func TestDecodeRejectsBadV2Magic(t *testing.T) {
	var buf bytes.Buffer
	tcp := TCPHeader{Flags: TCPFlagRST}
	pkt := NewTCPPacket(0, 0, tcp, RawPayload{})
	require.NoError(t, pkt.Encode(&buf))
	corrupted := buf.Bytes()
	corrupted[8] ^= 0xFF // flip a byte inside the magic field
	_, err := Decode(bytes.NewReader(corrupted))
	require.ErrorIs(t, err, ErrFraming)
}

func TestDecodeShortFrameIsFramingError(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0, 0, 0, 6, 0, 0, 0, 200}))
	require.ErrorIs(t, err, ErrFraming)
}

func TestDecodeRejectsUnknownProtocolTag(t *testing.T) {
	var buf bytes.Buffer
	tcp := TCPHeader{Flags: TCPFlagACK}
	pkt := NewTCPPacket(0, 0, tcp, RawPayload{})
	require.NoError(t, pkt.Encode(&buf))
	corrupted := buf.Bytes()
	// Protocol tag occupies the first 4 bytes; 5 is not a known tag.
	corrupted[3] = 5
	_, err := Decode(bytes.NewReader(corrupted))
	require.ErrorIs(t, err, ErrUnknownProtocol)
}

func TestHostFrameRoundTrip(t *testing.T) {
	f, err := NewPlistFrame(42, map[string]interface{}{"MessageType": string(PlistListDevices)})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.Encode(&buf))

	got, err := DecodeHostFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, HostVersionPlist, got.Version)
	require.Equal(t, HostMsgPlist, got.MsgType)
	require.Equal(t, uint32(42), got.Tag)

	var v map[string]interface{}
	require.NoError(t, DecodePlist(got.Payload, &v))
	require.Equal(t, "ListDevices", v["MessageType"])
}

func TestResultFrameRoundTrip(t *testing.T) {
	f := NewResultFrame(1, ResultBadDevice)
	var buf bytes.Buffer
	require.NoError(t, f.Encode(&buf))

	got, err := DecodeHostFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, HostMsgResult, got.MsgType)
	require.Len(t, got.Payload, 4)
}
