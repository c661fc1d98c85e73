package state

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkguide/go-proximity-server/internal/model"
)

type memoryPersister struct {
	mu      sync.Mutex
	places  map[string]model.ClosestPlace
	failing bool
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{places: make(map[string]model.ClosestPlace)}
}

func (m *memoryPersister) LoadClosestPlaces(context.Context) (map[string]model.ClosestPlace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.ClosestPlace, len(m.places))
	for k, v := range m.places {
		out[k] = v
	}
	return out, nil
}

func (m *memoryPersister) SaveClosestPlace(_ context.Context, id string, p model.ClosestPlace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk full")
	}
	m.places[id] = p
	return nil
}

func (m *memoryPersister) DeleteClosestPlace(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.places, id)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestContainer_ClosestPlaceSurvivesReload(t *testing.T) {
	ctx := context.Background()
	p := newMemoryPersister()
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	c := New(p, discardLogger())
	require.NoError(t, c.SetClosestPlace(ctx, "phone-1", model.ClosestPlace{ID: "castello_aymerich", Timestamp: ts}))

	restarted := New(p, discardLogger())
	assert.Nil(t, restarted.ClosestPlace("phone-1"))
	require.NoError(t, restarted.Load(ctx))

	got := restarted.ClosestPlace("phone-1")
	require.NotNil(t, got)
	assert.Equal(t, "castello_aymerich", got.ID)
	assert.True(t, ts.Equal(got.Timestamp))
}

func TestContainer_ReadingsAreIndependentOfClosestPlace(t *testing.T) {
	ctx := context.Background()
	c := New(nil, discardLogger())
	minor := 3

	require.NoError(t, c.SetClosestPlace(ctx, "d", model.ClosestPlace{ID: "A", Timestamp: time.Now()}))
	c.SetReadings("d", []model.BeaconReading{{RawReading: model.RawReading{Minor: &minor}}})
	assert.Len(t, c.Readings("d"), 1)

	c.ClearReadings("d")
	assert.Empty(t, c.Readings("d"))
	require.NotNil(t, c.ClosestPlace("d"))
	assert.Equal(t, "A", c.ClosestPlace("d").ID)
}

func TestContainer_Reset(t *testing.T) {
	ctx := context.Background()
	p := newMemoryPersister()
	c := New(p, discardLogger())

	require.NoError(t, c.SetClosestPlace(ctx, "d", model.ClosestPlace{ID: "A", Timestamp: time.Now()}))
	require.NoError(t, c.ResetClosestPlace(ctx, "d"))

	assert.Nil(t, c.ClosestPlace("d"))
	assert.Empty(t, p.places)
}

func TestContainer_SaveRetriesFailedWrites(t *testing.T) {
	ctx := context.Background()
	p := newMemoryPersister()
	p.failing = true
	c := New(p, discardLogger())

	err := c.SetClosestPlace(ctx, "d", model.ClosestPlace{ID: "A", Timestamp: time.Now()})
	require.Error(t, err)
	require.NotNil(t, c.ClosestPlace("d"), "memory keeps the value when the write fails")

	require.Error(t, c.Save(ctx))

	p.failing = false
	require.NoError(t, c.Save(ctx))
	assert.Equal(t, "A", p.places["d"].ID)
}

func TestContainer_ForegroundAndSnapshots(t *testing.T) {
	c := New(nil, discardLogger())

	assert.False(t, c.Foreground("d"))
	c.SetForeground("d", true)
	assert.True(t, c.Foreground("d"))
	c.SetForeground("a", false)

	snap, ok := c.Snapshot("d")
	require.True(t, ok)
	assert.True(t, snap.Foreground)
	assert.Nil(t, snap.ClosestPlace)

	_, ok = c.Snapshot("missing")
	assert.False(t, ok)

	devices := c.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "a", devices[0].DeviceID)
	assert.Equal(t, "d", devices[1].DeviceID)
}

func TestContainer_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := New(nil, discardLogger())
	require.NoError(t, c.SetClosestPlace(ctx, "d", model.ClosestPlace{ID: "A"}))

	got := c.ClosestPlace("d")
	got.ID = "mutated"
	assert.Equal(t, "A", c.ClosestPlace("d").ID)
}
