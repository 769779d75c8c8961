// Package registry holds the live table of attached devices, assigns them
// monotonic daemon ids, and broadcasts attach/detach events to every
// listening client.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"usbmuxd/internal/devicesession"
	"usbmuxd/internal/hotplug"
	"usbmuxd/internal/usbtransport"
)

// broadcastCapacity is the per-subscriber backlog. A subscriber slower
// than this loses its oldest buffered event rather than stalling the
// registry.
const broadcastCapacity = 32

// BroadcastEvent is an attach/detach notification sent to every Listen
// subscriber.
type BroadcastEvent struct {
	Kind          hotplug.EventKind
	ID            uint32
	Serial        string
	Speed         uint32
	ProductID     uint16
	DeviceAddress uint8
}

// Record is one entry in the live device table.
type Record struct {
	ID     uint32
	Info   hotplug.DeviceInfo
	Key    hotplug.DeviceKey
	Device *gousb.Device

	session *devicesession.Session
}

// Registry is the live device table, safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byID    map[uint32]*Record
	byKey   map[hotplug.DeviceKey]uint32
	nextID  uint32
	hub     *broadcastHub
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[uint32]*Record),
		byKey:  make(map[hotplug.DeviceKey]uint32),
		nextID: 1,
		hub:    newBroadcastHub(),
	}
}

// Seed inserts devices already attached at startup without broadcasting,
// matching the protocol's expectation that ListDevices reflects devices
// that were never announced via Listen.
func (r *Registry) Seed(events []hotplug.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		if ev.Kind != hotplug.EventAttached {
			continue
		}
		r.insertLocked(ev)
	}
}

// HandleEvent applies a live hotplug event: an attach assigns an id,
// inserts the record and broadcasts it; a detach removes the record,
// closes its session and device handle, and broadcasts the removal.
func (r *Registry) HandleEvent(ev hotplug.Event) {
	r.mu.Lock()
	switch ev.Kind {
	case hotplug.EventAttached:
		rec := r.insertLocked(ev)
		r.mu.Unlock()
		r.hub.publish(BroadcastEvent{
			Kind: hotplug.EventAttached, ID: rec.ID, Serial: rec.Info.Serial,
			Speed: rec.Info.Speed, ProductID: rec.Info.ProductID, DeviceAddress: rec.Info.DeviceAddress,
		})
	case hotplug.EventDetached:
		id, ok := r.byKey[ev.Key]
		if !ok {
			r.mu.Unlock()
			return
		}
		rec := r.byID[id]
		delete(r.byID, id)
		delete(r.byKey, ev.Key)
		r.mu.Unlock()

		if rec.session != nil {
			_ = rec.session.Close(context.Background())
		} else if rec.Device != nil {
			_ = rec.Device.Close()
		}
		r.hub.publish(BroadcastEvent{Kind: hotplug.EventDetached, ID: id})
	}
}

func (r *Registry) insertLocked(ev hotplug.Event) *Record {
	id := r.nextID
	r.nextID++
	rec := &Record{ID: id, Info: ev.Info, Key: ev.Key, Device: ev.Device}
	r.byID[id] = rec
	r.byKey[ev.Key] = id
	return rec
}

// List returns a snapshot of every currently attached device.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, *rec)
	}
	return out
}

// Session returns the device session for id, opening and handshaking it
// (via the record's claimed USB transport) on first use.
func (r *Registry) Session(ctx context.Context, id uint32) (*devicesession.Session, error) {
	r.mu.Lock()
	rec, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: no device with id %d", id)
	}
	if rec.session != nil {
		sess := rec.session
		r.mu.Unlock()
		return sess, nil
	}
	dev := rec.Device
	r.mu.Unlock()

	t, err := usbtransport.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("registry: open transport for device %d: %w", id, err)
	}
	sess, err := devicesession.Open(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("registry: handshake with device %d: %w", id, err)
	}

	r.mu.Lock()
	rec.session = sess
	r.mu.Unlock()
	return sess, nil
}

// SetSession attaches an already-handshaken session to id, so a later
// Connect skips the lazy-open path. Useful for pre-warming a session right
// after attach instead of paying the handshake cost on the first Connect.
func (r *Registry) SetSession(id uint32, sess *devicesession.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok {
		rec.session = sess
	}
}

// Subscribe registers a new Listen subscriber and returns its event
// channel and an unsubscribe function.
func (r *Registry) Subscribe() (<-chan BroadcastEvent, func()) {
	return r.hub.subscribe()
}

// SubscriberCount reports how many Listen clients are currently
// subscribed.
func (r *Registry) SubscriberCount() int {
	return r.hub.count()
}

// broadcastHub fans BroadcastEvents out to every subscriber, dropping the
// oldest buffered event for a subscriber that falls behind instead of
// blocking the publisher.
type broadcastHub struct {
	mu   sync.RWMutex
	subs map[int]chan BroadcastEvent
	next int
}

func newBroadcastHub() *broadcastHub {
	return &broadcastHub{subs: make(map[int]chan BroadcastEvent)}
}

func (h *broadcastHub) subscribe() (<-chan BroadcastEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan BroadcastEvent, broadcastCapacity)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if ch, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

func (h *broadcastHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *broadcastHub) publish(ev BroadcastEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
