// Package client implements a client for the usbmuxd host protocol: the
// UNIX-socket control connection that cmd/usbmuxd-monitor and other host
// tools speak against a running daemon.
package client

import (
	"fmt"
	"net"
	"time"

	"usbmuxd/internal/wire"
)

// Client wraps one connection to the daemon's UNIX socket.
type Client struct {
	conn net.Conn
	tag  uint32
}

// Dial connects to the daemon socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) nextTag() uint32 {
	c.tag++
	return c.tag
}

func (c *Client) request(v interface{}) (wire.HostFrame, error) {
	tag := c.nextTag()
	frame, err := wire.NewPlistFrame(tag, v)
	if err != nil {
		return wire.HostFrame{}, fmt.Errorf("client: encode request: %w", err)
	}
	if err := frame.Encode(c.conn); err != nil {
		return wire.HostFrame{}, fmt.Errorf("client: send request: %w", err)
	}
	reply, err := wire.DecodeHostFrame(c.conn)
	if err != nil {
		return wire.HostFrame{}, fmt.Errorf("client: read reply: %w", err)
	}
	return reply, nil
}

// DeviceProperties mirrors one entry's Properties field in a ListDevices
// reply.
type DeviceProperties struct {
	SerialNumber    string `plist:"SerialNumber"`
	ConnectionSpeed uint32 `plist:"ConnectionSpeed"`
	ConnectionType  string `plist:"ConnectionType"`
	ProductID       uint16 `plist:"ProductID"`
	DeviceID        uint32 `plist:"DeviceID"`
	LocationID      uint8  `plist:"LocationID"`
}

// DeviceEntry is one attached device as reported by ListDevices or a
// Listen attach event.
type DeviceEntry struct {
	DeviceID    uint32           `plist:"DeviceID"`
	MessageType string           `plist:"MessageType"`
	Properties  DeviceProperties `plist:"Properties"`
}

// ListDevices asks the daemon for every currently attached device.
func (c *Client) ListDevices() ([]DeviceEntry, error) {
	reply, err := c.request(map[string]interface{}{"MessageType": "ListDevices"})
	if err != nil {
		return nil, err
	}
	var body struct {
		DeviceList []DeviceEntry `plist:"DeviceList"`
	}
	if err := wire.DecodePlist(reply.Payload, &body); err != nil {
		return nil, fmt.Errorf("client: decode ListDevices reply: %w", err)
	}
	return body.DeviceList, nil
}

// ReadBUID asks the daemon for its host identifier.
func (c *Client) ReadBUID() (string, error) {
	reply, err := c.request(map[string]interface{}{"MessageType": "ReadBUID"})
	if err != nil {
		return "", err
	}
	var body struct {
		BUID string `plist:"BUID"`
	}
	if err := wire.DecodePlist(reply.Payload, &body); err != nil {
		return "", fmt.Errorf("client: decode ReadBUID reply: %w", err)
	}
	return body.BUID, nil
}

// Event is one notification delivered over a Listen stream: either an
// attach (with Device populated) or a detach (DeviceID only).
type Event struct {
	Attached bool
	DeviceID uint32
	Device   DeviceEntry
}

// Listen sends the Listen request and then decodes host frames forever,
// delivering one Event per frame to out, until the connection closes or
// an error occurs.
func (c *Client) Listen(out chan<- Event) error {
	tag := c.nextTag()
	frame, err := wire.NewPlistFrame(tag, map[string]interface{}{"MessageType": "Listen"})
	if err != nil {
		return fmt.Errorf("client: encode Listen: %w", err)
	}
	if err := frame.Encode(c.conn); err != nil {
		return fmt.Errorf("client: send Listen: %w", err)
	}

	// first reply is the Result ack; every frame after that is an event.
	if _, err := wire.DecodeHostFrame(c.conn); err != nil {
		return fmt.Errorf("client: read Listen ack: %w", err)
	}

	for {
		reply, err := wire.DecodeHostFrame(c.conn)
		if err != nil {
			return err
		}
		var probe struct {
			MessageType string `plist:"MessageType"`
			DeviceID    uint32 `plist:"DeviceID"`
		}
		if err := wire.DecodePlist(reply.Payload, &probe); err != nil {
			continue
		}
		if probe.MessageType == "Detached" {
			out <- Event{Attached: false, DeviceID: probe.DeviceID}
			continue
		}
		var entry DeviceEntry
		if err := wire.DecodePlist(reply.Payload, &entry); err != nil {
			continue
		}
		out <- Event{Attached: true, DeviceID: entry.DeviceID, Device: entry}
	}
}
