// Package tracker glues the registry-derived event stream to its
// consumers. Handlers run synchronously on the emitting goroutine, so
// per-device delivery order matches ingest order.
package tracker

import (
	"nuha.dev/rastreo/internal/tracker/event"
	"nuha.dev/rastreo/internal/tracker/hub"
)

// Wire subscribes the hub to registry events.
func Wire(ev *event.Bus, h *hub.Hub) {
	ev.OnDevicesChanged("hub-dispositivos", func() {
		h.BroadcastDeviceList()
	})
	ev.OnLocationUpdated("hub-ubicacion", func(lu event.LocationUpdated) {
		h.BroadcastLocation(lu.Device, lu.Location)
	})
}
