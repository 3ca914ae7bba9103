// Package dispatch implements C5, the Event Dispatcher from
// SPEC_FULL.md §4.5: turns decoded WebSocket event frames into StateUpdate
// records, writes them into the live structure snapshot, appends them to
// history, and fans out to regex-filtered subscriptions over bounded
// mailboxes.
package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

// DefaultMailboxCapacity is the bounded mailbox size from SPEC_FULL.md §4.5.
const DefaultMailboxCapacity = 1024

// DefaultDropCloseThreshold transitions a subscription to Degraded once its
// cumulative drop count exceeds this (SPEC_FULL.md §4.5).
const DefaultDropCloseThreshold = 10000

// StructureView is the subset of *structure.Loader the dispatcher needs: a
// live snapshot whose device state cells it writes into.
type StructureView interface {
	Snapshot() *model.Structure
}

// HistorySink receives every StateUpdate for C6 storage.
type HistorySink interface {
	AppendStateEvent(update model.StateUpdate, deviceUUID, deviceName, roomName string, category model.Category)
}

// Dispatcher owns the subscription registry and routes decoded frames.
// The registry is copy-on-write (SPEC_FULL.md §5 "Subscriptions registry"):
// registration/deregistration never blocks a dispatch in progress.
type Dispatcher struct {
	structure StructureView
	history   HistorySink

	mailboxCapacity   int
	dropCloseThreshold uint64

	registry atomic.Pointer[[]*model.Subscription]
}

// New constructs a Dispatcher with default mailbox/threshold sizing.
func New(structure StructureView, history HistorySink) *Dispatcher {
	d := &Dispatcher{
		structure:          structure,
		history:            history,
		mailboxCapacity:    DefaultMailboxCapacity,
		dropCloseThreshold: DefaultDropCloseThreshold,
	}
	empty := []*model.Subscription{}
	d.registry.Store(&empty)
	return d
}

// Subscribe registers sub, whose filter is already compiled, copy-on-write.
func (d *Dispatcher) Subscribe(sub *model.Subscription) {
	for {
		old := d.registry.Load()
		next := make([]*model.Subscription, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, sub)
		if d.registry.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Unsubscribe removes a subscription by ID, copy-on-write, and closes its
// mailbox.
func (d *Dispatcher) Unsubscribe(id string) {
	for {
		old := d.registry.Load()
		idx := -1
		for i, s := range *old {
			if s.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		next := make([]*model.Subscription, 0, len(*old)-1)
		next = append(next, (*old)[:idx]...)
		next = append(next, (*old)[idx+1:]...)
		if d.registry.CompareAndSwap(old, &next) {
			(*old)[idx].Close()
			return
		}
	}
}

// Subscriptions returns a snapshot of the current registry.
func (d *Dispatcher) Subscriptions() []*model.Subscription {
	return *d.registry.Load()
}

// HandleEvents implements transport.EventHandler for numeric value frames
// (kind 0x02).
func (d *Dispatcher) HandleEvents(records []model.EventRecord) {
	now := time.Now()
	snap := d.structure.Snapshot()
	for _, rec := range records {
		d.applyUpdate(snap, rec.StateUUID, model.NewNumber(rec.Value), now)
	}
}

// HandleTextEvents implements transport.EventHandler for text-state frames
// (kind 0x03).
func (d *Dispatcher) HandleTextEvents(records []model.TextEventRecord) {
	now := time.Now()
	snap := d.structure.Snapshot()
	for _, rec := range records {
		d.applyUpdate(snap, rec.StateUUID, model.NewText(rec.Text), now)
	}
}

// HandleOutOfService implements transport.EventHandler; the transport itself
// owns reconnection, this is a hook point for future structure-reload
// triggers (SPEC_FULL.md §4.3 "Reload").
func (d *Dispatcher) HandleOutOfService() {}

// HandleReconnected implements transport.EventHandler. Events observed
// before a reconnect are lost (SPEC_FULL.md §4.4 "Ordering"); there is
// nothing to replay locally, callers needing continuity consult C6.
func (d *Dispatcher) HandleReconnected() {}

func (d *Dispatcher) applyUpdate(snap *model.Structure, stateUUID string, value model.StateValue, now time.Time) {
	if snap == nil {
		return
	}
	entry, ok := snap.ReverseIndex[stateUUID]
	if !ok {
		return
	}
	dev, ok := snap.Devices[entry.DeviceUUID]
	if !ok {
		return
	}
	cell, ok := dev.Cells[stateUUID]
	if !ok {
		return
	}
	cell.Store(value)
	update := model.StateUpdate{
		StateUUID: stateUUID,
		Value:     value,
		Timestamp: now,
		Version:   cell.Version(),
	}

	roomName := ""
	if room, ok := snap.Rooms[dev.RoomUUID]; ok {
		roomName = room.Name
	}

	if d.history != nil {
		d.history.AppendStateEvent(update, dev.UUID, dev.Name, roomName, dev.Category)
	}

	key := compositeKey(dev.Name, roomName, entry.StateName, dev.Category)
	d.fanOut(key, update)
}

// compositeKey builds the "{device_name}|{room_name}|{state_name}|{category}"
// key subscriptions filter against (SPEC_FULL.md §4.5 "Fan-out policy").
func compositeKey(deviceName, roomName, stateName string, category model.Category) string {
	return fmt.Sprintf("%s|%s|%s|%s", deviceName, roomName, stateName, category)
}

func (d *Dispatcher) fanOut(key string, update model.StateUpdate) {
	for _, sub := range d.Subscriptions() {
		if sub.State() == model.SubscriptionClosed {
			continue
		}
		if !sub.Matches(key) {
			continue
		}
		d.enqueue(sub, update)
	}
}

// enqueue attempts non-blocking delivery; on a full mailbox, it drops the
// oldest pending update and retries once, matching the drop-oldest policy in
// SPEC_FULL.md §4.5.
func (d *Dispatcher) enqueue(sub *model.Subscription, update model.StateUpdate) {
	select {
	case sub.Mailbox <- update:
		return
	default:
	}

	select {
	case <-sub.Mailbox:
	default:
	}
	select {
	case sub.Mailbox <- update:
	default:
	}

	drops := sub.IncrementDrops()
	if drops > d.dropCloseThreshold {
		sub.MarkDegraded()
	}
}
