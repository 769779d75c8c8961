// Package hotplug seeds the device registry from currently attached
// devices and then streams attach/detach events as devices come and go.
//
// github.com/google/gousb does not expose libusb's hotplug callback API
// (unlike the original implementation's OS-level watch primitive), so this
// package adapts the same "seed, then stream" shape onto a short poll loop
// that diffs the set of attached Apple devices on each tick. The public
// contract — Seed once, then a channel of Event — is unaffected by that
// implementation detail.
package hotplug

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"usbmuxd/internal/usbtransport"
)

// EventKind distinguishes an attach from a detach.
type EventKind int

const (
	EventAttached EventKind = iota
	EventDetached
)

// DeviceKey stably identifies a physical device across poll ticks.
type DeviceKey struct {
	Bus     int
	Address int
}

// DeviceInfo is the USB-level information this package can read off an
// attached device before any device-mux handshake has happened.
type DeviceInfo struct {
	VendorID      uint16
	ProductID     uint16
	Serial        string
	Speed         uint32
	DeviceAddress uint8
	Bus           int
}

// Event is one hotplug transition.
type Event struct {
	Kind   EventKind
	Key    DeviceKey
	Info   DeviceInfo    // valid only when Kind == EventAttached
	Device *gousb.Device // the open handle; valid only when Kind == EventAttached
}

// Poller watches for Apple-vendor USB devices using usbCtx.
type Poller struct {
	usbCtx   *gousb.Context
	interval time.Duration
	known    map[DeviceKey]*gousb.Device
}

// NewPoller returns a Poller that diffs the attached-device set every
// interval.
func NewPoller(usbCtx *gousb.Context, interval time.Duration) *Poller {
	return &Poller{usbCtx: usbCtx, interval: interval, known: make(map[DeviceKey]*gousb.Device)}
}

// Seed lists the devices already attached at startup and returns one
// Attached event per device, without waiting for the poll interval.
func (p *Poller) Seed(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices, err := usbtransport.ListAppleDevices(p.usbCtx)
	if err != nil {
		return nil, fmt.Errorf("hotplug: seed: %w", err)
	}
	events := make([]Event, 0, len(devices))
	for _, d := range devices {
		key := keyOf(d)
		p.known[key] = d
		events = append(events, Event{Kind: EventAttached, Key: key, Info: infoOf(d), Device: d})
	}
	return events, nil
}

// Run streams hotplug events to out until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.tick(ctx, out); err != nil {
				return err
			}
		}
	}
}

func (p *Poller) tick(ctx context.Context, out chan<- Event) error {
	current, err := usbtransport.ListAppleDevices(p.usbCtx)
	if err != nil {
		return nil // transient enumeration error; try again next tick
	}

	currentKeys := make(map[DeviceKey]*gousb.Device, len(current))
	for _, d := range current {
		currentKeys[keyOf(d)] = d
	}

	for key, d := range currentKeys {
		if _, ok := p.known[key]; ok {
			d.Close() // already tracked under an earlier handle
			continue
		}
		p.known[key] = d
		ev := Event{Kind: EventAttached, Key: key, Info: infoOf(d), Device: d}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for key := range p.known {
		if _, ok := currentKeys[key]; ok {
			continue
		}
		delete(p.known, key)
		select {
		case out <- Event{Kind: EventDetached, Key: key}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func keyOf(d *gousb.Device) DeviceKey {
	return DeviceKey{Bus: d.Desc.Bus, Address: d.Desc.Address}
}

func infoOf(d *gousb.Device) DeviceInfo {
	serial, _ := d.SerialNumber()
	return DeviceInfo{
		VendorID:      uint16(d.Desc.Vendor),
		ProductID:     uint16(d.Desc.Product),
		Serial:        serial,
		Speed:         SpeedToNumber(d.Desc.Speed),
		DeviceAddress: uint8(d.Desc.Address),
		Bus:           d.Desc.Bus,
	}
}

// SpeedToNumber maps a USB negotiated speed to the Mbit/s figure the host
// protocol reports.
func SpeedToNumber(speed gousb.Speed) uint32 {
	switch speed {
	case gousb.SpeedLow:
		return 1
	case gousb.SpeedFull:
		return 12
	case gousb.SpeedHigh:
		return 480
	case gousb.SpeedSuper:
		return 5000
	case gousb.SpeedSuperPlus:
		return 10000
	default:
		return 0
	}
}
