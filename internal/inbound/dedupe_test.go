package inbound

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

func TestDedupeReserve(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	logged := &store.Message{ID: uuid.New(), Body: "hi"}

	tests := []struct {
		name       string
		setup      func(d *dedupeCache)
		at         time.Time
		wantOK     bool
		wantLogged *store.Message
	}{
		{name: "unknown key", setup: func(*dedupeCache) {}, at: now, wantOK: true},
		{name: "in flight", setup: func(d *dedupeCache) { d.reserve("k", now) }, at: now, wantOK: false},
		{name: "completed", setup: func(d *dedupeCache) { d.reserve("k", now); d.complete("k", now) }, at: now, wantOK: false},
		{name: "completed but expired", setup: func(d *dedupeCache) { d.complete("k", now) }, at: now.Add(time.Hour), wantOK: true},
		{name: "aborted before store", setup: func(d *dedupeCache) { d.reserve("k", now); d.abort("k", nil, now) }, at: now, wantOK: true},
		{
			name:       "aborted after store",
			setup:      func(d *dedupeCache) { d.reserve("k", now); d.abort("k", logged, now) },
			at:         now,
			wantOK:     true,
			wantLogged: logged,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDedupeCache(20*time.Minute, 10)
			tt.setup(d)
			got, ok := d.reserve("k", tt.at)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantLogged, got)
		})
	}
}

func TestDedupeResumedReservationIsExclusive(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := newDedupeCache(20*time.Minute, 10)
	d.reserve("k", now)
	d.abort("k", &store.Message{ID: uuid.New()}, now)

	got, ok := d.reserve("k", now)
	require.True(t, ok)
	require.NotNil(t, got)

	_, ok = d.reserve("k", now)
	assert.False(t, ok, "second retry waits for the resumed one")
}

func TestDedupeEmptyKeyNeverCollapses(t *testing.T) {
	d := newDedupeCache(20*time.Minute, 10)
	now := time.Now()
	for i := 0; i < 3; i++ {
		_, ok := d.reserve("", now)
		assert.True(t, ok)
		d.complete("", now)
	}
	assert.Empty(t, d.entries)
}

func TestDedupeEvictionKeepsInFlight(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d := newDedupeCache(20*time.Minute, 2)

	_, ok := d.reserve("running", now)
	require.True(t, ok)
	d.complete("done", now)

	_, ok = d.reserve("new", now)
	require.True(t, ok)

	assert.Len(t, d.entries, 2)
	_, ok = d.reserve("running", now)
	assert.False(t, ok, "in-flight reservation survives eviction")
	assert.NotContains(t, d.entries, "done")
}
