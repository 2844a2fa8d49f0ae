package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/rastreo/internal/store"
)

const (
	NEW_DEVICE_CREATED string = "new_device_created"
	DEVICE_UPDATED     string = "device_updated"
)

var ErrNotFound = errors.New("dispositivo no encontrado")

// Palette is the fixed marker color rotation. A device gets the color at
// its creation ordinal modulo len(Palette) and keeps it forever.
var Palette = []string{
	"#e74c3c",
	"#3498db",
	"#2ecc71",
	"#f39c12",
	"#9b59b6",
	"#1abc9c",
	"#e67e22",
	"#34495e",
	"#f1c40f",
	"#e91e63",
}

// Location is a single accepted GPS fix. Timestamp is kept exactly as the
// client sent it, Recibido is stamped on the server at ingest time.
type Location struct {
	DeviceID  string          `json:"deviceId"`
	Lat       float64         `json:"lat"`
	Lon       float64         `json:"lon"`
	Accuracy  float64         `json:"accuracy"`
	Timestamp json.RawMessage `json:"timestamp"`
	Recibido  time.Time       `json:"recibido"`
}

type Device struct {
	ID             string    `json:"id"`
	Nombre         string    `json:"nombre"`
	Color          string    `json:"color"`
	UserAgent      string    `json:"userAgent"`
	Activo         bool      `json:"activo"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	LastLocation   *Location `json:"lastLocation,omitempty"`
}

func (d Device) MarshalObject(e *log.Entry) {
	e.Str("device_id", d.ID).Str("nombre", d.Nombre)
}

// Update carries a partial device mutation, nil fields are left untouched.
type Update struct {
	Nombre *string
	Activo *bool
}

// Registry owns the set of known devices and their last known position.
// All mutation happens under one mutex, readers get value copies so a
// half-updated device is never observable.
type Registry struct {
	mu      sync.Mutex
	log     log.Logger
	devices map[string]*Device
	order   []string
	created uint64
	last    *Location
	store   store.DeviceStore
	now     func() time.Time
}

func New(st store.DeviceStore) *Registry {
	r := &Registry{}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "registry").Value()
	r.devices = make(map[string]*Device)
	r.order = make([]string, 0)
	r.store = st
	r.now = time.Now
	return r
}

// Restore seeds the registry from persisted records, preserving creation
// order so the palette rotation continues where it left off. It must be
// called before the registry is shared.
func (r *Registry) Restore(recs []store.DeviceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		d := &Device{
			ID:             rec.ID,
			Nombre:         rec.Nombre,
			Color:          rec.Color,
			UserAgent:      rec.UserAgent,
			Activo:         rec.Activo,
			CreatedAt:      rec.CreatedAt,
			LastActivityAt: rec.LastActivityAt,
		}
		if rec.HasLocation {
			d.LastLocation = &Location{
				DeviceID:  rec.ID,
				Lat:       rec.Lat,
				Lon:       rec.Lon,
				Accuracy:  rec.Accuracy,
				Timestamp: rec.ClientTime,
				Recibido:  rec.Recibido,
			}
		}
		r.devices[d.ID] = d
		r.order = append(r.order, d.ID)
		r.created++
	}
	r.log.Info().Int("devices", len(r.order)).Msg("registry restored from store")
}

// GetOrCreate returns the device for id, creating it on first sighting.
// The second return value reports whether a new device was created.
func (r *Registry) GetOrCreate(id, userAgent string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		return *d, false
	}
	t0 := r.now()
	d := &Device{
		ID:             id,
		Nombre:         defaultNombre(id),
		Color:          Palette[r.created%uint64(len(Palette))],
		UserAgent:      userAgent,
		Activo:         true,
		CreatedAt:      t0,
		LastActivityAt: t0,
	}
	r.created++
	r.devices[id] = d
	r.order = append(r.order, id)
	r.log.Info().Str("event", NEW_DEVICE_CREATED).EmbedObject(*d).Msg("")
	r.store.Put(toRecord(d))
	return *d, true
}

// RecordLocation replaces the device's last known position. The device
// must already exist, callers create it with GetOrCreate first.
func (r *Registry) RecordLocation(id string, loc Location) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	loc.DeviceID = id
	d.LastLocation = &loc
	d.LastActivityAt = loc.Recibido
	r.last = &loc
	r.store.Put(toRecord(d))
	return *d, nil
}

func (r *Registry) Get(id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	return *d, nil
}

// List returns all devices in creation order.
func (r *Registry) List() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.devices[id])
	}
	return out
}

func (r *Registry) Update(id string, upd Update) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	if upd.Nombre != nil {
		d.Nombre = *upd.Nombre
	}
	if upd.Activo != nil {
		d.Activo = *upd.Activo
	}
	r.log.Info().Str("event", DEVICE_UPDATED).EmbedObject(*d).Msg("")
	r.store.Put(toRecord(d))
	return *d, nil
}

// LastUbicacion returns the most recently ingested location across all
// devices, ok is false when nothing has been ingested yet.
func (r *Registry) LastUbicacion() (Location, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Location{}, false
	}
	return *r.last, true
}

// Stats reports device counts for the stats endpoint.
func (r *Registry) Stats() (total int, activos int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total = len(r.order)
	for _, id := range r.order {
		if r.devices[id].Activo {
			activos++
		}
	}
	return total, activos
}

func defaultNombre(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "Dispositivo " + short
}

func toRecord(d *Device) store.DeviceRecord {
	rec := store.DeviceRecord{
		ID:             d.ID,
		Nombre:         d.Nombre,
		Color:          d.Color,
		UserAgent:      d.UserAgent,
		Activo:         d.Activo,
		CreatedAt:      d.CreatedAt,
		LastActivityAt: d.LastActivityAt,
	}
	if d.LastLocation != nil {
		rec.HasLocation = true
		rec.Lat = d.LastLocation.Lat
		rec.Lon = d.LastLocation.Lon
		rec.Accuracy = d.LastLocation.Accuracy
		rec.ClientTime = d.LastLocation.Timestamp
		rec.Recibido = d.LastLocation.Recibido
	}
	return rec
}
