// Package logstore is a DeviceStore that only logs upserts. It backs
// deployments without a database, where device state is in-memory only.
package logstore

import (
	"context"

	"github.com/phuslu/log"
	"nuha.dev/rastreo/internal/store"
)

type LogStore struct {
	log log.Logger
}

func NewStore() *LogStore {
	o := &LogStore{}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "logstore").Value()
	return o
}

func (l *LogStore) Put(rec store.DeviceRecord) {
	l.log.Debug().Str("id", rec.ID).Str("nombre", rec.Nombre).Bool("activo", rec.Activo).
		Float64("lat", rec.Lat).Float64("lon", rec.Lon).Time("last_activity_at", rec.LastActivityAt).
		Msg("device upsert")
}

func (l *LogStore) LoadAll(ctx context.Context) ([]store.DeviceRecord, error) {
	return nil, nil
}
