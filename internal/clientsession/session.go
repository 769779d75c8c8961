// Package clientsession dispatches requests arriving on a client's
// UNIX-socket connection: the plist-framed control messages (ListDevices,
// Listen, ListListeners, pairing record lookups) and the Connect relay
// that tunnels a client's traffic to a device service.
package clientsession

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"

	"usbmuxd/internal/devicesession"
	"usbmuxd/internal/hotplug"
	"usbmuxd/internal/pairing"
	"usbmuxd/internal/registry"
	"usbmuxd/internal/wire"
)

// maxRelayMessage bounds a single Connect-relay message so a bad length
// prefix can't make the daemon try to allocate an unbounded buffer.
const maxRelayMessage = 16 << 20

// Handler dispatches one client connection's requests against the shared
// device registry.
type Handler struct {
	Registry *registry.Registry
	Pairing  *pairing.Store
	BUID     string
}

type baseRequest struct {
	MessageType string `plist:"MessageType"`
}

type connectRequest struct {
	MessageType string `plist:"MessageType"`
	PortNumber  uint16 `plist:"PortNumber"`
	DeviceID    uint32 `plist:"DeviceID"`
}

type pairRecordRequest struct {
	MessageType  string `plist:"MessageType"`
	PairRecordID string `plist:"PairRecordID"`
}

type deviceProperties struct {
	SerialNumber    string `plist:"SerialNumber"`
	ConnectionSpeed uint32 `plist:"ConnectionSpeed"`
	ConnectionType  string `plist:"ConnectionType"`
	ProductID       uint16 `plist:"ProductID"`
	DeviceID        uint32 `plist:"DeviceID"`
	LocationID      uint8  `plist:"LocationID"`
}

type deviceEntry struct {
	DeviceID    uint32           `plist:"DeviceID"`
	MessageType string           `plist:"MessageType"`
	Properties  deviceProperties `plist:"Properties"`
}

type deviceListReply struct {
	DeviceList []deviceEntry `plist:"DeviceList"`
}

type resultReply struct {
	MessageType string `plist:"MessageType"`
	Number      uint32 `plist:"Number"`
}

type listenerEntry struct {
	Blacklisted bool   `plist:"Blacklisted"`
	ConnType    uint32 `plist:"ConnType"`
	IDString    string `plist:"ID String"`
	ProgName    string `plist:"ProgName"`
}

type listenersListReply struct {
	MessageType  string          `plist:"MessageType"`
	ListenerList []listenerEntry `plist:"ListenerList"`
}

type buidReply struct {
	MessageType string `plist:"MessageType"`
	BUID        string `plist:"BUID"`
}

type pairRecordReply struct {
	MessageType    string `plist:"MessageType"`
	PairRecordData []byte `plist:"PairRecordData"`
}

// Serve reads and dispatches host frames from conn until the client
// disconnects or a Connect request hands the connection over to the relay
// loop for the rest of its lifetime.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	for {
		frame, err := wire.DecodeHostFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("clientsession: read frame: %w", err)
		}

		if frame.MsgType != wire.HostMsgPlist {
			return fmt.Errorf("%w: non-plist frame type %d", ErrProtocol, frame.MsgType)
		}

		var base baseRequest
		if err := wire.DecodePlist(frame.Payload, &base); err != nil {
			return fmt.Errorf("%w: undecodable plist request: %v", ErrProtocol, err)
		}

		done, err := h.dispatch(ctx, conn, frame, base.MessageType)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// dispatch handles one plist request. It returns done=true once Connect has
// taken over the connection for its relay loop.
func (h *Handler) dispatch(ctx context.Context, conn net.Conn, frame wire.HostFrame, msgType string) (bool, error) {
	switch wire.PlistMessageType(msgType) {
	case wire.PlistListDevices:
		return false, h.handleListDevices(conn, frame.Tag)
	case wire.PlistListen:
		return false, h.handleListen(ctx, conn, frame.Tag)
	case wire.PlistListListeners:
		return false, h.handleListListeners(conn, frame.Tag)
	case wire.PlistReadBUID:
		return false, h.handleReadBUID(conn, frame.Tag)
	case wire.PlistReadPairRecord:
		return false, h.handleReadPairRecord(conn, frame)
	case wire.PlistSavePairRecord, wire.PlistDeletePairRecord:
		return false, writeResult(conn, frame.Tag, wire.ResultBadCommand)
	case wire.PlistConnect:
		err := h.handleConnect(ctx, conn, frame)
		return true, err
	default:
		return false, fmt.Errorf("%w: unknown MessageType %q", ErrProtocol, msgType)
	}
}

func (h *Handler) handleListDevices(conn net.Conn, tag uint32) error {
	records := h.Registry.List()
	reply := deviceListReply{DeviceList: make([]deviceEntry, 0, len(records))}
	for _, rec := range records {
		reply.DeviceList = append(reply.DeviceList, deviceEntry{
			DeviceID:    rec.ID,
			MessageType: "Attached",
			Properties: deviceProperties{
				SerialNumber:    rec.Info.Serial,
				ConnectionSpeed: rec.Info.Speed,
				ConnectionType:  "USB",
				ProductID:       rec.Info.ProductID,
				DeviceID:        rec.ID,
				LocationID:      rec.Info.DeviceAddress,
			},
		})
	}
	return writePlist(conn, tag, reply)
}

func (h *Handler) handleListen(ctx context.Context, conn net.Conn, tag uint32) error {
	if err := writePlist(conn, tag, resultReply{MessageType: "Result", Number: wire.ResultOK}); err != nil {
		return err
	}

	sub, unsub := h.Registry.Subscribe()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if err := h.writeBroadcast(conn, tag, ev); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) writeBroadcast(conn net.Conn, tag uint32, ev registry.BroadcastEvent) error {
	if ev.Kind == hotplug.EventAttached {
		entry := deviceEntry{
			DeviceID:    ev.ID,
			MessageType: "Attached",
			Properties: deviceProperties{
				SerialNumber:    ev.Serial,
				ConnectionSpeed: ev.Speed,
				ConnectionType:  "USB",
				ProductID:       ev.ProductID,
				DeviceID:        ev.ID,
				LocationID:      ev.DeviceAddress,
			},
		}
		return writePlist(conn, tag, entry)
	}
	return writePlist(conn, tag, map[string]interface{}{
		"MessageType": "Detached",
		"DeviceID":    ev.ID,
	})
}

func (h *Handler) handleListListeners(conn net.Conn, tag uint32) error {
	count := h.Registry.SubscriberCount()
	reply := listenersListReply{MessageType: "Result", ListenerList: make([]listenerEntry, count)}
	for i := range reply.ListenerList {
		reply.ListenerList[i] = listenerEntry{
			Blacklisted: false,
			ConnType:    0,
			IDString:    "unknown",
			ProgName:    "unknown",
		}
	}
	return writePlist(conn, tag, reply)
}

func (h *Handler) handleReadBUID(conn net.Conn, tag uint32) error {
	return writePlist(conn, tag, buidReply{MessageType: "Result", BUID: h.BUID})
}

func (h *Handler) handleReadPairRecord(conn net.Conn, frame wire.HostFrame) error {
	var req pairRecordRequest
	if err := wire.DecodePlist(frame.Payload, &req); err != nil {
		return writeResult(conn, frame.Tag, wire.ResultBadCommand)
	}
	data, err := h.Pairing.Read(req.PairRecordID)
	if err != nil {
		if errors.Is(err, pairing.ErrNotFound) {
			return writeResult(conn, frame.Tag, wire.ResultBadDevice)
		}
		log.Printf("clientsession: read pair record %s: %v", req.PairRecordID, err)
		return writeResult(conn, frame.Tag, wire.ResultBadDevice)
	}
	return writePlist(conn, frame.Tag, pairRecordReply{MessageType: "DevicePaired", PairRecordData: data})
}

// handleConnect replies with a success Result and then relays raw,
// length-prefixed messages between conn and the device-mux connection for
// as long as both ends stay open.
func (h *Handler) handleConnect(ctx context.Context, conn net.Conn, frame wire.HostFrame) error {
	var req connectRequest
	if err := wire.DecodePlist(frame.Payload, &req); err != nil {
		return writeResult(conn, frame.Tag, wire.ResultBadCommand)
	}

	sess, err := h.Registry.Session(ctx, req.DeviceID)
	if err != nil {
		log.Printf("clientsession: connect device %d: %v", req.DeviceID, err)
		return writeResult(conn, frame.Tag, wire.ResultConnRefused)
	}

	if err := writeResult(conn, frame.Tag, wire.ResultOK); err != nil {
		return err
	}

	return relayLoop(ctx, conn, sess, req.PortNumber)
}

// relayLoop reads a 4-byte big-endian length prefix plus payload from
// conn, forwards it to the device on destPort, receives the device's
// reply, and writes it back with the same length-prefixed framing. It
// runs until either side closes or sends a malformed length; a length
// over maxRelayMessage, or a prefix or body cut short by EOF, ends it with
// ErrProtocol.
func relayLoop(ctx context.Context, conn net.Conn, sess *devicesession.Session, destPort uint16) error {
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: relay length prefix cut short", ErrProtocol)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return nil
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length > maxRelayMessage {
			return fmt.Errorf("%w: relay message length %d exceeds cap", ErrProtocol, length)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: relay message shorter than its length prefix", ErrProtocol)
			}
			return nil
		}

		payload := relayPayload(body)
		if _, err := sess.SendToPort(ctx, destPort, payload); err != nil {
			return fmt.Errorf("clientsession: relay send: %w", err)
		}
		connObj, _ := sess.ConnectionFor(destPort)
		reply, err := sess.Receive(ctx, connObj)
		if err != nil {
			return fmt.Errorf("clientsession: relay receive: %w", err)
		}

		out, err := relayEncode(reply.Payload)
		if err != nil {
			return err
		}
		var outLen [4]byte
		binary.BigEndian.PutUint32(outLen[:], uint32(len(out)))
		if _, err := conn.Write(outLen[:]); err != nil {
			return nil
		}
		if _, err := conn.Write(out); err != nil {
			return nil
		}
	}
}

// relayPayload treats body as a plist document when it parses as one,
// otherwise as opaque bytes, so both lockdownd-style plist services and
// raw echo services relay correctly.
func relayPayload(body []byte) wire.Payload {
	var v interface{}
	if err := wire.DecodePlist(body, &v); err == nil {
		return wire.PlistPayload{Value: v}
	}
	return wire.RawPayload{Data: body}
}

func relayEncode(p wire.Payload) ([]byte, error) {
	switch v := p.(type) {
	case wire.PlistPayload:
		return wire.EncodePlistXML(v.Value)
	case wire.RawPayload:
		return v.Data, nil
	default:
		return wire.EncodePayload(p)
	}
}

func writeResult(conn net.Conn, tag uint32, code uint32) error {
	return wire.NewResultFrame(tag, code).Encode(conn)
}

func writePlist(conn net.Conn, tag uint32, v interface{}) error {
	f, err := wire.NewPlistFrame(tag, v)
	if err != nil {
		return fmt.Errorf("clientsession: encode plist reply: %w", err)
	}
	return f.Encode(conn)
}
