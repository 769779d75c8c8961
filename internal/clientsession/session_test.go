package clientsession

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"usbmuxd/internal/devicesession"
	"usbmuxd/internal/hotplug"
	"usbmuxd/internal/pairing"
	"usbmuxd/internal/registry"
	"usbmuxd/internal/wire"
)

func newHandshakenSession(t *testing.T) (*devicesession.Session, net.Conn) {
	t.Helper()
	hostSide, devSide := net.Pipe()

	done := make(chan struct{})
	var sess *devicesession.Session
	var openErr error
	go func() {
		defer close(done)
		sess, openErr = devicesession.Open(context.Background(), hostSide)
	}()

	reply, err := wire.Decode(devSide)
	require.NoError(t, err)
	require.Equal(t, wire.ProtoVersion, reply.Header.Protocol)
	require.NoError(t, wire.NewVersionPacket(2, 0).Encode(devSide))
	_, err = wire.Decode(devSide) // Setup frame
	require.NoError(t, err)

	<-done
	require.NoError(t, openErr)
	return sess, devSide
}

func newTestHandler(t *testing.T) (*Handler, *registry.Registry, net.Conn) {
	t.Helper()
	reg := registry.New()
	sess, devSide := newHandshakenSession(t)

	reg.Seed([]hotplug.Event{
		{Kind: hotplug.EventAttached, Key: hotplug.DeviceKey{Bus: 1, Address: 1}, Info: hotplug.DeviceInfo{Serial: "serial-1", Speed: 480, ProductID: 0x1234}},
	})
	reg.SetSession(1, sess)

	store := pairing.NewStore(t.TempDir())
	h := &Handler{Registry: reg, Pairing: store, BUID: "test-buid"}
	return h, reg, devSide
}

func TestHandleListDevicesReturnsSeededDevice(t *testing.T) {
	h, _, devSide := newTestHandler(t)
	defer devSide.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, serverConn)

	req, err := wire.NewPlistFrame(1, map[string]interface{}{"MessageType": "ListDevices"})
	require.NoError(t, err)
	require.NoError(t, req.Encode(clientConn))

	reply, err := wire.DecodeHostFrame(clientConn)
	require.NoError(t, err)
	var body struct {
		DeviceList []struct {
			DeviceID   uint32 `plist:"DeviceID"`
			Properties struct {
				ConnectionType string `plist:"ConnectionType"`
				LocationID     uint8  `plist:"LocationID"`
			} `plist:"Properties"`
		} `plist:"DeviceList"`
	}
	require.NoError(t, wire.DecodePlist(reply.Payload, &body))
	require.Len(t, body.DeviceList, 1)
	require.Equal(t, uint32(1), body.DeviceList[0].DeviceID)
	require.Equal(t, "USB", body.DeviceList[0].Properties.ConnectionType)
}

func TestHandleReadBUID(t *testing.T) {
	h, _, devSide := newTestHandler(t)
	defer devSide.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, serverConn)

	req, err := wire.NewPlistFrame(1, map[string]interface{}{"MessageType": "ReadBUID"})
	require.NoError(t, err)
	require.NoError(t, req.Encode(clientConn))

	reply, err := wire.DecodeHostFrame(clientConn)
	require.NoError(t, err)
	var body struct {
		BUID string `plist:"BUID"`
	}
	require.NoError(t, wire.DecodePlist(reply.Payload, &body))
	require.Equal(t, "test-buid", body.BUID)
}

func TestHandleConnectRefusesUnknownDevice(t *testing.T) {
	h, _, devSide := newTestHandler(t)
	defer devSide.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, serverConn)

	req, err := wire.NewPlistFrame(1, map[string]interface{}{
		"MessageType": "Connect", "DeviceID": uint32(99), "PortNumber": uint16(22),
	})
	require.NoError(t, err)
	require.NoError(t, req.Encode(clientConn))

	reply, err := wire.DecodeHostFrame(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.HostMsgResult, reply.MsgType)
	require.Equal(t, wire.ResultConnRefused, binary.LittleEndian.Uint32(reply.Payload))
}

func TestHandleReadPairRecordNotFound(t *testing.T) {
	h, _, devSide := newTestHandler(t)
	defer devSide.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, serverConn)

	req, err := wire.NewPlistFrame(1, map[string]interface{}{
		"MessageType": "ReadPairRecord", "PairRecordID": "deadbeefcafef00d",
	})
	require.NoError(t, err)
	require.NoError(t, req.Encode(clientConn))

	reply, err := wire.DecodeHostFrame(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.HostMsgResult, reply.MsgType)
	require.Equal(t, wire.ResultBadDevice, binary.LittleEndian.Uint32(reply.Payload))
}

func TestHandleReadPairRecordFound(t *testing.T) {
	h, _, devSide := newTestHandler(t)
	defer devSide.Close()

	id := "deadbeefcafef00d"
	path := id[:8] + "-" + id[8:] + ".plist"
	tmpDir := t.TempDir()
	h.Pairing = pairing.NewStore(tmpDir)
	require.NoError(t, os.WriteFile(tmpDir+"/"+path, []byte("<plist/>"), 0644))

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, serverConn)

	req, err := wire.NewPlistFrame(1, map[string]interface{}{
		"MessageType": "ReadPairRecord", "PairRecordID": id,
	})
	require.NoError(t, err)
	require.NoError(t, req.Encode(clientConn))

	reply, err := wire.DecodeHostFrame(clientConn)
	require.NoError(t, err)
	var body struct {
		PairRecordData []byte `plist:"PairRecordData"`
	}
	require.NoError(t, wire.DecodePlist(reply.Payload, &body))
	require.Equal(t, []byte("<plist/>"), body.PairRecordData)
}

func TestHandleListenReceivesBroadcast(t *testing.T) {
	h, reg, devSide := newTestHandler(t)
	defer devSide.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, serverConn)

	req, err := wire.NewPlistFrame(1, map[string]interface{}{"MessageType": "Listen"})
	require.NoError(t, err)
	require.NoError(t, req.Encode(clientConn))

	ack, err := wire.DecodeHostFrame(clientConn)
	require.NoError(t, err)
	require.Equal(t, wire.HostMsgPlist, ack.MsgType)

	// Wait for the Listen handler to actually subscribe before publishing.
	require.Eventually(t, func() bool { return reg.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	reg.HandleEvent(hotplug.Event{
		Kind: hotplug.EventAttached,
		Key:  hotplug.DeviceKey{Bus: 2, Address: 2},
		Info: hotplug.DeviceInfo{Serial: "serial-2"},
	})

	evFrame, err := wire.DecodeHostFrame(clientConn)
	require.NoError(t, err)
	var entry struct {
		DeviceID    uint32 `plist:"DeviceID"`
		MessageType string `plist:"MessageType"`
	}
	require.NoError(t, wire.DecodePlist(evFrame.Payload, &entry))
	require.Equal(t, "Attached", entry.MessageType)
	require.Equal(t, uint32(2), entry.DeviceID)
}

func TestHandleListListenersReportsStubShape(t *testing.T) {
	h, reg, devSide := newTestHandler(t)
	defer devSide.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, serverConn)

	// Hold one Listen subscription open so ListListeners has a live
	// subscriber to report.
	listenConn, listenServer := net.Pipe()
	defer listenConn.Close()
	go h.Serve(ctx, listenServer)
	listenReq, err := wire.NewPlistFrame(1, map[string]interface{}{"MessageType": "Listen"})
	require.NoError(t, err)
	require.NoError(t, listenReq.Encode(listenConn))
	_, err = wire.DecodeHostFrame(listenConn)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reg.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	req, err := wire.NewPlistFrame(1, map[string]interface{}{"MessageType": "ListListeners"})
	require.NoError(t, err)
	require.NoError(t, req.Encode(clientConn))

	reply, err := wire.DecodeHostFrame(clientConn)
	require.NoError(t, err)
	var body struct {
		ListenerList []struct {
			Blacklisted bool   `plist:"Blacklisted"`
			ConnType    uint32 `plist:"ConnType"`
			IDString    string `plist:"ID String"`
			ProgName    string `plist:"ProgName"`
		} `plist:"ListenerList"`
	}
	require.NoError(t, wire.DecodePlist(reply.Payload, &body))
	require.Len(t, body.ListenerList, 1)
	require.False(t, body.ListenerList[0].Blacklisted)
	require.Equal(t, uint32(0), body.ListenerList[0].ConnType)
	require.Equal(t, "unknown", body.ListenerList[0].IDString)
	require.Equal(t, "unknown", body.ListenerList[0].ProgName)
}

func TestHandleUnknownMessageTypeTerminatesSession(t *testing.T) {
	h, _, devSide := newTestHandler(t)
	defer devSide.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	serveDone := make(chan error, 1)
	go func() { serveDone <- h.Serve(context.Background(), serverConn) }()

	req, err := wire.NewPlistFrame(1, map[string]interface{}{"MessageType": "NotARealMessageType"})
	require.NoError(t, err)
	require.NoError(t, req.Encode(clientConn))

	// The session must terminate without replying: Serve returns an
	// ErrProtocol error and the connection closes instead of sending a
	// Result frame back.
	select {
	case err := <-serveDone:
		require.ErrorIs(t, err, ErrProtocol)
	case <-time.After(time.Second):
		t.Fatal("Serve did not terminate on unknown MessageType")
	}

	_, err = clientConn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestHandleNonPlistFrameTerminatesSession(t *testing.T) {
	h, _, devSide := newTestHandler(t)
	defer devSide.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	serveDone := make(chan error, 1)
	go func() { serveDone <- h.Serve(context.Background(), serverConn) }()

	require.NoError(t, wire.NewResultFrame(1, wire.ResultOK).Encode(clientConn))

	select {
	case err := <-serveDone:
		require.ErrorIs(t, err, ErrProtocol)
	case <-time.After(time.Second):
		t.Fatal("Serve did not terminate on non-plist frame")
	}
}
