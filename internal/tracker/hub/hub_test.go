package hub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/rastreo/internal/tracker/registry"
)

type fakeSub struct {
	mu   sync.Mutex
	got  [][]byte
	fail bool
}

func (f *fakeSub) Push(d []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return true
	}
	cp := make([]byte, len(d))
	copy(cp, d)
	f.got = append(f.got, cp)
	return false
}

func (f *fakeSub) messages(t *testing.T) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.got))
	for _, d := range f.got {
		var env Envelope
		require.NoError(t, json.Unmarshal(d, &env))
		out = append(out, env)
	}
	return out
}

func (f *fakeSub) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func snapshotOf(devs ...registry.Device) func() []registry.Device {
	return func() []registry.Device { return devs }
}

func someDevice(id string) registry.Device {
	return registry.Device{ID: id, Nombre: "Dispositivo " + id, Color: registry.Palette[0], Activo: true, CreatedAt: time.Now()}
}

func TestJoinReplaysDeviceList(t *testing.T) {
	h := New(snapshotOf(someDevice("d1"), someDevice("d2"), someDevice("d3")))
	sub := &fakeSub{}
	h.Join(sub)

	msgs := sub.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, TipoDispositivos, msgs[0].Tipo)
	devs, ok := msgs[0].Datos.([]interface{})
	require.True(t, ok)
	assert.Len(t, devs, 3)
	assert.Equal(t, 1, h.Count())
}

func TestJoinFailedReplayDropsChannel(t *testing.T) {
	h := New(snapshotOf())
	sub := &fakeSub{fail: true}
	h.Join(sub)
	assert.Equal(t, 0, h.Count())
}

func TestBroadcastLocationReachesAll(t *testing.T) {
	h := New(snapshotOf())
	subs := []*fakeSub{{}, {}, {}}
	for _, s := range subs {
		h.Join(s)
	}
	dev := someDevice("d1")
	h.BroadcastLocation(dev, registry.Location{DeviceID: "d1", Lat: 4.61, Lon: -74.08})

	for _, s := range subs {
		msgs := s.messages(t)
		require.Len(t, msgs, 2)
		assert.Equal(t, TipoUbicacionDispositivo, msgs[1].Tipo)
	}
	// the same serialized bytes go to every subscriber
	assert.Equal(t, subs[0].got[1], subs[1].got[1])
	assert.Equal(t, subs[0].got[1], subs[2].got[1])
}

func TestFailingSubscriberRemoved(t *testing.T) {
	h := New(snapshotOf())
	good1, bad, good2 := &fakeSub{}, &fakeSub{}, &fakeSub{}
	h.Join(good1)
	h.Join(bad)
	h.Join(good2)
	bad.setFail(true)

	h.BroadcastLocation(someDevice("d1"), registry.Location{DeviceID: "d1", Lat: 1, Lon: 2})

	assert.Equal(t, 2, h.Count())
	assert.Len(t, good1.messages(t), 2)
	assert.Len(t, good2.messages(t), 2)
	assert.Len(t, bad.messages(t), 1)
}

func TestLeaveIdempotent(t *testing.T) {
	h := New(snapshotOf())
	sub := &fakeSub{}
	h.Join(sub)
	h.Leave(sub)
	h.Leave(sub)
	assert.Equal(t, 0, h.Count())

	h.BroadcastDeviceList()
	assert.Len(t, sub.messages(t), 1)
}

func TestPerDeviceOrderingPreserved(t *testing.T) {
	h := New(snapshotOf())
	sub := &fakeSub{}
	h.Join(sub)

	dev := someDevice("d1")
	for i := 0; i < 5; i++ {
		h.BroadcastLocation(dev, registry.Location{DeviceID: "d1", Lat: float64(i), Lon: 0})
	}

	msgs := sub.messages(t)
	require.Len(t, msgs, 6)
	for i, env := range msgs[1:] {
		datos, ok := env.Datos.(map[string]interface{})
		require.True(t, ok)
		ubicacion, ok := datos["ubicacion"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(i), ubicacion["lat"])
	}
}
