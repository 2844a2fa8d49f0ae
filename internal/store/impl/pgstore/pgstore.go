package pgstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/rastreo/internal/store"
)

// Store upserts device records into postgres in the background. Writes
// are coalesced per device in a write buffer that is swapped out to the
// flusher task, ingest never waits on the database.
type Store struct {
	config *StoreConfig
	cond   *sync.Cond
	wlock  *sync.Mutex
	rbuf   buffer
	wbuf   buffer
	dbp    *pgxpool.Pool
	log    log.Logger
	table  string
}

type StoreConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

type buffer struct {
	seq  uint64
	t1   time.Time
	recs map[string]store.DeviceRecord
}

func new_buffer(seq uint64) buffer {
	return buffer{seq: seq, recs: make(map[string]store.DeviceRecord)}
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS %TABLE% (
	id text PRIMARY KEY,
	nombre text NOT NULL,
	color text NOT NULL,
	user_agent text NOT NULL DEFAULT '',
	activo boolean NOT NULL DEFAULT true,
	created_at timestamptz NOT NULL,
	last_activity_at timestamptz NOT NULL,
	has_location boolean NOT NULL DEFAULT false,
	latitude double precision NOT NULL DEFAULT 0,
	longitude double precision NOT NULL DEFAULT 0,
	accuracy double precision NOT NULL DEFAULT 0,
	client_timestamp text NOT NULL DEFAULT '',
	recibido timestamptz
)`

const upsertSQL = `INSERT INTO %TABLE%
	(id,nombre,color,user_agent,activo,created_at,last_activity_at,has_location,latitude,longitude,accuracy,client_timestamp,recibido)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (id) DO UPDATE SET
	nombre = EXCLUDED.nombre,
	activo = EXCLUDED.activo,
	last_activity_at = EXCLUDED.last_activity_at,
	has_location = EXCLUDED.has_location,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	accuracy = EXCLUDED.accuracy,
	client_timestamp = EXCLUDED.client_timestamp,
	recibido = EXCLUDED.recibido`

const loadSQL = `SELECT id,nombre,color,user_agent,activo,created_at,last_activity_at,has_location,latitude,longitude,accuracy,client_timestamp,recibido
	FROM %TABLE% ORDER BY created_at`

func NewStore(db *pgxpool.Pool, table string, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	o.table = table
	o.dbp = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0)
	o.wlock = &sync.Mutex{}
	o.cond = sync.NewCond(&sync.Mutex{})
	return o
}

// EnsureSchema creates the device table when it does not exist yet.
func (st *Store) EnsureSchema(ctx context.Context) error {
	_, err := st.dbp.Exec(ctx, st.sql(schemaSQL))
	return err
}

func (st *Store) Run() {
	go st.timer_flusher()
	go st.handle()
}

func (st *Store) timer_flusher() {
	ticker := time.NewTicker(st.config.TickerDur)
	for t := range ticker.C {
		st.wlock.Lock()
		if len(st.wbuf.recs) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
			st.flush()
		}
		st.wlock.Unlock()
	}
}

func (st *Store) Put(rec store.DeviceRecord) {
	st.wlock.Lock()
	if len(st.wbuf.recs) == 0 {
		st.wbuf.t1 = time.Now().UTC()
	}
	st.wbuf.recs[rec.ID] = rec
	if len(st.wbuf.recs) >= st.config.BufSize {
		st.flush()
	}
	st.wlock.Unlock()
}

func (st *Store) flush() {
	next := st.wbuf.seq + 1
	st.cond.L.Lock()
	st.rbuf = st.wbuf
	st.cond.L.Unlock()
	st.cond.Signal()
	st.wbuf = new_buffer(next)
}

func (st *Store) handle() {
	st.log.Info().Msg("starting flusher task")
	for {
		st.cond.L.Lock()
		st.cond.Wait()
		buf := st.rbuf
		st.cond.L.Unlock()
		t1 := time.Now()
		b := &pgx.Batch{}
		for _, rec := range buf.recs {
			b.Queue(st.sql(upsertSQL),
				rec.ID, rec.Nombre, rec.Color, rec.UserAgent, rec.Activo,
				rec.CreatedAt, rec.LastActivityAt, rec.HasLocation,
				rec.Lat, rec.Lon, rec.Accuracy, string(rec.ClientTime), nullableTime(rec.Recibido))
		}
		br := st.dbp.SendBatch(context.Background(), b)
		err := br.Close()
		if err != nil {
			st.log.Error().Err(err).Msg("flush error")
		} else {
			st.log.Debug().Str("action", "flush").Int("length", len(buf.recs)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
		}
	}
}

func (st *Store) LoadAll(ctx context.Context) ([]store.DeviceRecord, error) {
	rows, err := st.dbp.Query(ctx, st.sql(loadSQL))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	recs := make([]store.DeviceRecord, 0)
	for rows.Next() {
		var rec store.DeviceRecord
		var clientTime string
		var recibido *time.Time
		err := rows.Scan(&rec.ID, &rec.Nombre, &rec.Color, &rec.UserAgent, &rec.Activo,
			&rec.CreatedAt, &rec.LastActivityAt, &rec.HasLocation,
			&rec.Lat, &rec.Lon, &rec.Accuracy, &clientTime, &recibido)
		if err != nil {
			return nil, err
		}
		if clientTime != "" {
			rec.ClientTime = json.RawMessage(clientTime)
		}
		if recibido != nil {
			rec.Recibido = *recibido
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (st *Store) sql(tmpl string) string {
	return strings.ReplaceAll(tmpl, "%TABLE%", st.table)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
