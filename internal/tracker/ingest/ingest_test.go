package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/rastreo/internal/store"
	"nuha.dev/rastreo/internal/tracker/event"
	"nuha.dev/rastreo/internal/tracker/registry"
)

type eventRecorder struct {
	mu     sync.Mutex
	topics []string
	locs   []event.LocationUpdated
}

func (rec *eventRecorder) attach(ev *event.Bus) {
	ev.OnDevicesChanged("recorder-devices", func() {
		rec.mu.Lock()
		rec.topics = append(rec.topics, event.TopicDevicesChanged)
		rec.mu.Unlock()
	})
	ev.OnLocationUpdated("recorder-locations", func(lu event.LocationUpdated) {
		rec.mu.Lock()
		rec.topics = append(rec.topics, event.TopicLocationUpdated)
		rec.locs = append(rec.locs, lu)
		rec.mu.Unlock()
	})
}

func newTestHandler(t *testing.T) (*Handler, *registry.Registry, *eventRecorder) {
	t.Helper()
	reg := registry.New(store.Noop{})
	ev, err := event.New()
	require.NoError(t, err)
	rec := &eventRecorder{}
	rec.attach(ev)
	h := New(reg, ev)
	h.now = func() time.Time {
		return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	}
	return h, reg, rec
}

func TestIngestValidation(t *testing.T) {
	cases := []struct {
		name string
		lat  interface{}
		lon  interface{}
		kind string
		msg  string
	}{
		{"lat string", "4.61", -74.08, KindInvalidType, "Latitud y longitud deben ser números"},
		{"lat missing", nil, -74.08, KindInvalidType, "Latitud y longitud deben ser números"},
		{"lon missing", 4.61, nil, KindInvalidType, "Latitud y longitud deben ser números"},
		{"type check before range", 95.0, "x", KindInvalidType, "Latitud y longitud deben ser números"},
		{"lat too big", 95.0, 0.0, KindOutOfRange, "Latitud debe estar entre -90 y 90"},
		{"lat too small", -90.5, 0.0, KindOutOfRange, "Latitud debe estar entre -90 y 90"},
		{"lon too big", 0.0, 180.5, KindOutOfRange, "Longitud debe estar entre -180 y 180"},
		{"lon too small", 0.0, -181.0, KindOutOfRange, "Longitud debe estar entre -180 y 180"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, reg, rec := newTestHandler(t)
			_, err := h.Ingest(context.Background(), Report{Lat: tc.lat, Lon: tc.lon, DeviceID: "d1"})
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.kind, verr.Kind)
			assert.Equal(t, tc.msg, verr.Msg)
			// rejected reports must not touch the registry or broadcast
			assert.Empty(t, reg.List())
			assert.Empty(t, rec.topics)
		})
	}
}

func TestIngestBoundaryCoordinates(t *testing.T) {
	h, _, _ := newTestHandler(t)
	for _, c := range [][2]float64{{-90, -180}, {90, 180}, {0, 0}} {
		_, err := h.Ingest(context.Background(), Report{Lat: c[0], Lon: c[1], DeviceID: "d1"})
		require.NoError(t, err)
	}
}

func TestIngestNewDevice(t *testing.T) {
	h, reg, rec := newTestHandler(t)
	acc, err := h.Ingest(context.Background(), Report{Lat: 4.61, Lon: -74.08, DeviceID: "d1", UserAgent: "okhttp/4.9"})
	require.NoError(t, err)
	require.True(t, acc.Created)
	assert.Equal(t, "d1", acc.Device.ID)
	assert.Equal(t, 4.61, acc.Location.Lat)
	assert.Equal(t, "d1", acc.Location.DeviceID)

	require.Len(t, reg.List(), 1)
	// a first sighting produces the membership change first, then the delta
	require.Equal(t, []string{event.TopicDevicesChanged, event.TopicLocationUpdated}, rec.topics)
	require.Len(t, rec.locs, 1)
	assert.Equal(t, 4.61, rec.locs[0].Location.Lat)
}

func TestIngestKnownDevice(t *testing.T) {
	h, reg, rec := newTestHandler(t)
	_, err := h.Ingest(context.Background(), Report{Lat: 4.61, Lon: -74.08, DeviceID: "d1"})
	require.NoError(t, err)
	acc, err := h.Ingest(context.Background(), Report{Lat: 4.62, Lon: -74.09, DeviceID: "d1"})
	require.NoError(t, err)
	assert.False(t, acc.Created)

	require.Len(t, reg.List(), 1)
	dev, err := reg.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, 4.62, dev.LastLocation.Lat)
	// one devices.changed for the creation, then one location.updated per ingest
	assert.Equal(t, []string{event.TopicDevicesChanged, event.TopicLocationUpdated, event.TopicLocationUpdated}, rec.topics)
}

func TestIngestDeviceIDFallback(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	acc, err := h.Ingest(context.Background(), Report{Lat: 1.0, Lon: 2.0, RemoteAddr: "10.1.2.3:53211"})
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", acc.Device.ID)

	// same host, different ephemeral port, still the same device
	_, err = h.Ingest(context.Background(), Report{Lat: 1.1, Lon: 2.1, RemoteAddr: "10.1.2.3:53999"})
	require.NoError(t, err)
	assert.Len(t, reg.List(), 1)
}

func TestIngestAccuracyCoercion(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want float64
	}{
		{"valid", 12.5, 12.5},
		{"missing", nil, 0},
		{"non numeric", "abc", 0},
		{"negative", -5.0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _, _ := newTestHandler(t)
			acc, err := h.Ingest(context.Background(), Report{Lat: 1.0, Lon: 2.0, Accuracy: tc.in, DeviceID: "d1"})
			require.NoError(t, err)
			assert.Equal(t, tc.want, acc.Location.Accuracy)
		})
	}
}

func TestIngestTimestampPassthrough(t *testing.T) {
	h, _, _ := newTestHandler(t)

	acc, err := h.Ingest(context.Background(), Report{Lat: 1.0, Lon: 2.0, DeviceID: "d1", Timestamp: json.RawMessage(`1764583200`)})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`1764583200`), acc.Location.Timestamp)

	// without a client timestamp the server time is substituted
	acc, err = h.Ingest(context.Background(), Report{Lat: 1.0, Lon: 2.0, DeviceID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"2026-03-01T10:00:00Z"`), acc.Location.Timestamp)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), acc.Location.Recibido)
}
