package store

import (
	"context"
	"encoding/json"
	"time"
)

// DeviceRecord is the flattened persistent form of a device and its
// last known position. Only last-known state is stored, never trails.
type DeviceRecord struct {
	ID             string
	Nombre         string
	Color          string
	UserAgent      string
	Activo         bool
	CreatedAt      time.Time
	LastActivityAt time.Time
	HasLocation    bool
	Lat            float64
	Lon            float64
	Accuracy       float64
	ClientTime     json.RawMessage
	Recibido       time.Time
}

type DeviceStore interface {
	// Put schedules an upsert of the record. It must not block the caller.
	Put(rec DeviceRecord)
	// LoadAll returns all stored records in creation order.
	LoadAll(ctx context.Context) ([]DeviceRecord, error)
}

// Noop discards writes and loads nothing. Used when no database is configured.
type Noop struct{}

func (Noop) Put(rec DeviceRecord) {}

func (Noop) LoadAll(ctx context.Context) ([]DeviceRecord, error) {
	return nil, nil
}
