package pgstore

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/rastreo/internal/store"
)

func newTestStore() *Store {
	return NewStore(nil, "dispositivos", &StoreConfig{BufSize: 4, TickerDur: time.Minute, MaxAgeFlush: time.Minute})
}

func TestPutCoalescesPerDevice(t *testing.T) {
	st := newTestStore()

	st.Put(store.DeviceRecord{ID: "d1", Lat: 1})
	st.Put(store.DeviceRecord{ID: "d1", Lat: 2})
	st.Put(store.DeviceRecord{ID: "d2", Lat: 3})

	st.wlock.Lock()
	defer st.wlock.Unlock()
	require.Len(t, st.wbuf.recs, 2)
	assert.Equal(t, 2.0, st.wbuf.recs["d1"].Lat)
	assert.Equal(t, 3.0, st.wbuf.recs["d2"].Lat)
}

func TestFlushSwapsBuffers(t *testing.T) {
	st := newTestStore()

	for _, id := range []string{"a", "b", "c"} {
		st.Put(store.DeviceRecord{ID: id})
	}
	st.wlock.Lock()
	st.flush()
	st.wlock.Unlock()

	st.cond.L.Lock()
	defer st.cond.L.Unlock()
	assert.Len(t, st.rbuf.recs, 3)
	assert.Len(t, st.wbuf.recs, 0)
	assert.Equal(t, st.rbuf.seq+1, st.wbuf.seq)
}

func TestPutFlushesAtBufSize(t *testing.T) {
	st := newTestStore()

	for _, id := range []string{"a", "b", "c", "d"} {
		st.Put(store.DeviceRecord{ID: id})
	}

	st.cond.L.Lock()
	assert.Len(t, st.rbuf.recs, 4)
	st.cond.L.Unlock()
	st.wlock.Lock()
	assert.Len(t, st.wbuf.recs, 0)
	st.wlock.Unlock()
}

func TestSQLTableSubstitution(t *testing.T) {
	st := newTestStore()
	q := st.sql(upsertSQL)
	assert.True(t, strings.HasPrefix(q, "INSERT INTO dispositivos"))
	assert.NotContains(t, q, "%TABLE%")
	assert.NotContains(t, st.sql(schemaSQL), "%TABLE%")
	assert.NotContains(t, st.sql(loadSQL), "%TABLE%")
}

func TestNullableTime(t *testing.T) {
	assert.Nil(t, nullableTime(time.Time{}))
	now := time.Now()
	got := nullableTime(now)
	require.NotNil(t, got)
	assert.Equal(t, now, *got)
}
