// Package export mirrors broadcast envelopes to NATS subjects so
// consumers outside the process can follow the registry without holding
// a websocket open.
package export

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/rastreo/internal/tracker/event"
	"nuha.dev/rastreo/internal/tracker/hub"
	"nuha.dev/rastreo/internal/tracker/registry"
)

const (
	SubjectDispositivos string = "rastreo.dispositivos"
	SubjectUbicacion    string = "rastreo.ubicacion"
)

type Nats struct {
	nc  *nats.Conn
	log log.Logger
}

func NewNats(url string) (*Nats, error) {
	nc, err := nats.Connect(url, nats.Name("rastreo"))
	if err != nil {
		return nil, err
	}
	x := &Nats{nc: nc}
	x.log = log.DefaultLogger
	x.log.Context = log.NewContext(nil).Str("module", "nats-export").Value()
	return x, nil
}

// Register subscribes the exporter to registry events. The published
// payloads are the same envelopes viewers receive.
func (x *Nats) Register(ev *event.Bus, snapshot func() []registry.Device) {
	ev.OnDevicesChanged("nats-dispositivos", func() {
		d, err := json.Marshal(hub.Envelope{Tipo: hub.TipoDispositivos, Datos: snapshot()})
		if err != nil {
			x.log.Error().Err(err).Msg("marshal device list")
			return
		}
		x.publish(SubjectDispositivos, d)
	})
	ev.OnLocationUpdated("nats-ubicacion", func(lu event.LocationUpdated) {
		datos := hub.UbicacionDispositivo{
			DeviceID:    lu.Device.ID,
			Ubicacion:   lu.Location,
			Dispositivo: hub.DeviceRef{ID: lu.Device.ID, Nombre: lu.Device.Nombre, Color: lu.Device.Color},
		}
		d, err := json.Marshal(hub.Envelope{Tipo: hub.TipoUbicacionDispositivo, Datos: datos})
		if err != nil {
			x.log.Error().Err(err).Msg("marshal location")
			return
		}
		x.publish(SubjectUbicacion, d)
	})
}

func (x *Nats) publish(subject string, d []byte) {
	err := x.nc.Publish(subject, d)
	if err != nil {
		x.log.Error().Err(err).Str("subject", subject).Msg("publish failed")
	}
}

func (x *Nats) Close() {
	err := x.nc.Drain()
	if err != nil {
		x.nc.Close()
	}
}
