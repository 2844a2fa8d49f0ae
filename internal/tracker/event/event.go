package event

import (
	"context"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"nuha.dev/rastreo/internal/tracker/registry"
)

const (
	TopicLocationUpdated string = "location.updated"
	TopicDevicesChanged  string = "devices.changed"
)

// LocationUpdated is the payload of TopicLocationUpdated. Device is the
// owning device's state right after the location was recorded.
type LocationUpdated struct {
	Device   registry.Device
	Location registry.Location
}

// Bus dispatches registry-derived events to their handlers synchronously
// in the emitter's goroutine, which keeps per-device ordering intact.
type Bus struct {
	b   *bus.Bus
	log log.Logger
}

func New() (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), 1, 0)
	if err != nil {
		return nil, err
	}
	b, err := bus.NewBus(bus.Next(m.Next))
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicLocationUpdated, TopicDevicesChanged)
	o := &Bus{b: b}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "event").Value()
	return o, nil
}

func (e *Bus) EmitLocationUpdated(ctx context.Context, dev registry.Device, loc registry.Location) {
	err := e.b.Emit(ctx, TopicLocationUpdated, LocationUpdated{Device: dev, Location: loc})
	if err != nil {
		e.log.Error().Err(err).Str("topic", TopicLocationUpdated).Msg("emit failed")
	}
}

func (e *Bus) EmitDevicesChanged(ctx context.Context) {
	err := e.b.Emit(ctx, TopicDevicesChanged, nil)
	if err != nil {
		e.log.Error().Err(err).Str("topic", TopicDevicesChanged).Msg("emit failed")
	}
}

// OnLocationUpdated registers fn under key, replacing any previous
// handler with the same key.
func (e *Bus) OnLocationUpdated(key string, fn func(LocationUpdated)) {
	e.b.RegisterHandler(key, bus.Handler{
		Matcher: "^location\\.updated$",
		Handle: func(ctx context.Context, ev bus.Event) {
			if d, ok := ev.Data.(LocationUpdated); ok {
				fn(d)
			}
		},
	})
}

func (e *Bus) OnDevicesChanged(key string, fn func()) {
	e.b.RegisterHandler(key, bus.Handler{
		Matcher: "^devices\\.changed$",
		Handle: func(ctx context.Context, ev bus.Event) {
			fn()
		},
	})
}
