package ingest

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/rastreo/internal/tracker/event"
	"nuha.dev/rastreo/internal/tracker/registry"
)

const LOCATION_ACCEPTED string = "location_accepted"

const (
	KindInvalidType string = "invalid_type"
	KindOutOfRange  string = "out_of_range"
)

// ValidationError rejects a report before any registry mutation. Msg is
// safe to return to the reporting client.
type ValidationError struct {
	Field string
	Kind  string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Msg }

// Report is one raw location report. Lat, Lon and Accuracy are the
// JSON-decoded values as received, type checking happens here, not in
// the transport layer.
type Report struct {
	Lat        interface{}
	Lon        interface{}
	Accuracy   interface{}
	Timestamp  json.RawMessage
	DeviceID   string
	RemoteAddr string
	UserAgent  string
}

type Accepted struct {
	Device   registry.Device
	Location registry.Location
	Created  bool
}

type Handler struct {
	reg *registry.Registry
	ev  *event.Bus
	log log.Logger
	now func() time.Time
}

func New(reg *registry.Registry, ev *event.Bus) *Handler {
	h := &Handler{reg: reg, ev: ev}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "ingest").Value()
	h.now = time.Now
	return h
}

// Ingest validates rep and records it. Validation order is fixed: type
// check on both coordinates, then latitude range, then longitude range,
// first failure wins and nothing is mutated. A report without a deviceId
// is attributed to the caller's source address.
func (h *Handler) Ingest(ctx context.Context, rep Report) (*Accepted, error) {
	lat, latNum := numeric(rep.Lat)
	lon, lonNum := numeric(rep.Lon)
	if !latNum || !lonNum {
		return nil, &ValidationError{Field: "lat", Kind: KindInvalidType, Msg: "Latitud y longitud deben ser números"}
	}
	if lat < -90 || lat > 90 {
		return nil, &ValidationError{Field: "lat", Kind: KindOutOfRange, Msg: "Latitud debe estar entre -90 y 90"}
	}
	if lon < -180 || lon > 180 {
		return nil, &ValidationError{Field: "lon", Kind: KindOutOfRange, Msg: "Longitud debe estar entre -180 y 180"}
	}

	id := rep.DeviceID
	if id == "" {
		id = sourceID(rep.RemoteAddr)
	}

	dev, created := h.reg.GetOrCreate(id, rep.UserAgent)
	recibido := h.now().UTC()
	loc := registry.Location{
		Lat:       lat,
		Lon:       lon,
		Accuracy:  accuracyOrZero(rep.Accuracy),
		Timestamp: rep.Timestamp,
		Recibido:  recibido,
	}
	if len(loc.Timestamp) == 0 {
		loc.Timestamp = json.RawMessage(strconv.Quote(recibido.Format(time.RFC3339)))
	}
	dev, err := h.reg.RecordLocation(id, loc)
	if err != nil {
		return nil, err
	}
	if created {
		h.ev.EmitDevicesChanged(ctx)
	}
	h.ev.EmitLocationUpdated(ctx, dev, *dev.LastLocation)
	h.log.Debug().Str("event", LOCATION_ACCEPTED).EmbedObject(dev).Float64("lat", lat).Float64("lon", lon).Msg("")
	return &Accepted{Device: dev, Location: *dev.LastLocation, Created: created}, nil
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// accuracyOrZero is parse-or-default: anything non-numeric or negative
// becomes 0.
func accuracyOrZero(v interface{}) float64 {
	f, ok := numeric(v)
	if !ok || f < 0 {
		return 0
	}
	return f
}

// sourceID derives a device identity from the transport source address.
// The port is stripped so reconnects map to the same device.
func sourceID(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
