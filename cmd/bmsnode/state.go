package main

import (
	"context"
	"sync"

	"github.com/micro-nova/bmsnode/internal/events"
	"github.com/micro-nova/bmsnode/internal/hardware"
	"github.com/micro-nova/bmsnode/internal/wifi"
)

// deviceState tracks the live link and update activity and mirrors them on
// the status LED. indicator may be nil.
type deviceState struct {
	mu        sync.Mutex
	link      *wifi.Link
	updating  bool
	indicator *hardware.Indicator
}

func newDeviceState(link *wifi.Link, indicator *hardware.Indicator) *deviceState {
	d := &deviceState{link: link, indicator: indicator}
	d.refresh()
	return d
}

// Link returns a copy of the current link, or nil when there is none.
func (d *deviceState) Link() *wifi.Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.link == nil {
		return nil
	}
	l := *d.link
	return &l
}

func (d *deviceState) setStatus(st wifi.Status) {
	d.mu.Lock()
	if d.link != nil {
		l := *d.link
		l.Status = st
		d.link = &l
	}
	d.mu.Unlock()
	d.refresh()
}

func (d *deviceState) setUpdating(updating bool) {
	d.mu.Lock()
	d.updating = updating
	d.mu.Unlock()
	d.refresh()
}

func (d *deviceState) refresh() {
	if d.indicator == nil {
		return
	}
	d.mu.Lock()
	kind := wifi.KindStopped
	if d.link != nil {
		kind = d.link.Status.Kind()
	}
	updating := d.updating
	d.mu.Unlock()
	d.indicator.Set(patternFor(kind, updating))
}

// followUpdates tracks update sessions on the bus until ctx is cancelled.
func (d *deviceState) followUpdates(ctx context.Context, bus *events.Bus) {
	const id = "device-state"
	ch := bus.Subscribe(id)
	defer bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.KindUpdateStarted:
				d.setUpdating(true)
			case events.KindUpdateCommitted, events.KindUpdateAborted:
				d.setUpdating(false)
			}
		}
	}
}
