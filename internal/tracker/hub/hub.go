package hub

import (
	"encoding/json"
	"sync"

	"github.com/phuslu/log"
	"nuha.dev/rastreo/internal/tracker/registry"
)

const (
	TipoDispositivos         string = "dispositivos"
	TipoUbicacionDispositivo string = "ubicacion_dispositivo"
)

// Subscriber is one connected viewer channel. Push hands it a serialized
// envelope and reports true when the channel is no longer usable, after
// which the hub drops it.
type Subscriber interface {
	Push(d []byte) (closed bool)
}

type Envelope struct {
	Tipo  string      `json:"tipo"`
	Datos interface{} `json:"datos"`
}

type DeviceRef struct {
	ID     string `json:"id"`
	Nombre string `json:"nombre"`
	Color  string `json:"color"`
}

type UbicacionDispositivo struct {
	DeviceID    string            `json:"deviceId"`
	Ubicacion   registry.Location `json:"ubicacion"`
	Dispositivo DeviceRef         `json:"dispositivo"`
}

// Hub owns the viewer channel set. Joins, leaves and broadcasts are
// serialized under one mutex, a subscriber whose Push fails is removed
// and never interrupts delivery to the rest.
type Hub struct {
	mu       sync.Mutex
	log      log.Logger
	list     map[Subscriber]bool
	snapshot func() []registry.Device
}

// New builds a hub. snapshot supplies the full device list replayed to
// every joining subscriber.
func New(snapshot func() []registry.Device) *Hub {
	h := &Hub{}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "hub").Value()
	h.list = make(map[Subscriber]bool)
	h.snapshot = snapshot
	return h
}

// Join adds sub and replays the current device list to it before any
// later broadcast can reach it. A sub that fails mid-replay is dropped
// silently.
func (h *Hub) Join(sub Subscriber) {
	// Snapshot under the hub lock so no broadcast can slip in between
	// the replay and the subscription.
	h.mu.Lock()
	d, err := json.Marshal(Envelope{Tipo: TipoDispositivos, Datos: h.snapshot()})
	if err != nil {
		h.mu.Unlock()
		h.log.Error().Err(err).Msg("marshal device list")
		return
	}
	if closed := sub.Push(d); !closed {
		h.list[sub] = true
	}
	n := len(h.list)
	h.mu.Unlock()
	h.log.Info().Int("viewers", n).Msg("viewer joined")
}

// Leave removes sub, idempotent.
func (h *Hub) Leave(sub Subscriber) {
	h.mu.Lock()
	delete(h.list, sub)
	n := len(h.list)
	h.mu.Unlock()
	h.log.Info().Int("viewers", n).Msg("viewer left")
}

// BroadcastDeviceList pushes a full device snapshot to every subscriber.
func (h *Hub) BroadcastDeviceList() {
	h.mu.Lock()
	d, err := json.Marshal(Envelope{Tipo: TipoDispositivos, Datos: h.snapshot()})
	if err != nil {
		h.mu.Unlock()
		h.log.Error().Err(err).Msg("marshal device list")
		return
	}
	h.sendLocked(d)
	h.mu.Unlock()
}

// BroadcastLocation pushes one device's location delta to every subscriber.
func (h *Hub) BroadcastLocation(dev registry.Device, loc registry.Location) {
	datos := UbicacionDispositivo{
		DeviceID:    dev.ID,
		Ubicacion:   loc,
		Dispositivo: DeviceRef{ID: dev.ID, Nombre: dev.Nombre, Color: dev.Color},
	}
	d, err := json.Marshal(Envelope{Tipo: TipoUbicacionDispositivo, Datos: datos})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal location")
		return
	}
	h.send(d)
}

// send serializes once per broadcast, every subscriber gets the same bytes.
func (h *Hub) send(d []byte) {
	h.mu.Lock()
	h.sendLocked(d)
	h.mu.Unlock()
}

func (h *Hub) sendLocked(d []byte) {
	for sub := range h.list {
		closed := sub.Push(d)
		if closed {
			delete(h.list, sub)
		}
	}
}

// Count reports the number of connected viewer channels.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.list)
}
