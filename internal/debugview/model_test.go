package debugview

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	readings []Reading
	closest  *ClosestPlace
	err      error
	resets   int
}

func (f *fakeSource) Readings(context.Context, string) ([]Reading, error) {
	return f.readings, f.err
}

func (f *fakeSource) ClosestPlace(context.Context, string) (ClosestPlace, error) {
	if f.closest == nil {
		return ClosestPlace{}, ErrNoClosestPlace
	}
	return *f.closest, nil
}

func (f *fakeSource) ResetClosestPlace(context.Context, string) error {
	f.resets++
	return f.err
}

func intPtr(v int) *int { return &v }

func strPtr(s string) *string { return &s }

func sampleReadings() []Reading {
	d := 1.2
	return []Reading{
		{UUID: strPtr("E4507BF5-F125-4972-AEF0-5FCA35225FAB"), Major: intPtr(1), Minor: intPtr(1), Distance: &d, DistanceLabel: "1.20 m", PlaceID: "cascata_maggiore"},
		{UUID: strPtr("E4507BF5-F125-4972-AEF0-5FCA35225FAB"), Major: intPtr(1), Minor: intPtr(9), DistanceLabel: "N/A"},
	}
}

func TestNewModel(t *testing.T) {
	m := NewModel(&fakeSource{}, "dev-1", 0)

	assert.Equal(t, StateLoading, m.state)
	assert.Equal(t, time.Second, m.interval)
	assert.NotNil(t, m.Init())
}

func TestModelFetchBuildsSnapshot(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{
		readings: sampleReadings(),
		closest:  &ClosestPlace{ID: "cascata_maggiore", Title: "Cascata maggiore", DetectedAt: now, NotifyEligibleAt: now.Add(5 * time.Minute)},
	}
	m := NewModel(src, "dev-1", time.Second)
	m.now = func() time.Time { return now }

	msg := m.fetch(false)()
	snap, ok := msg.(snapshotMsg)
	require.True(t, ok)
	require.NoError(t, snap.err)
	assert.Len(t, snap.readings, 2)
	require.NotNil(t, snap.closest)
	assert.Equal(t, "cascata_maggiore", snap.closest.ID)
	assert.Equal(t, now, snap.at)
}

func TestModelFetchWithoutClosestPlace(t *testing.T) {
	m := NewModel(&fakeSource{readings: sampleReadings()}, "dev-1", time.Second)

	snap := m.fetch(false)().(snapshotMsg)
	require.NoError(t, snap.err)
	assert.Nil(t, snap.closest)
}

func TestModelSnapshotUpdatesTable(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	m := NewModel(&fakeSource{}, "dev-1", time.Second)
	m.now = func() time.Time { return now }

	updated, cmd := m.Update(snapshotMsg{
		readings: sampleReadings(),
		closest:  &ClosestPlace{ID: "cascata_maggiore", Title: "Cascata maggiore", DetectedAt: now, NotifyEligibleAt: now.Add(90 * time.Second)},
		at:       now,
	})
	m = updated.(Model)

	assert.NotNil(t, cmd, "a scheduled snapshot queues the next poll")
	assert.Equal(t, StateLive, m.state)

	rows := m.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0][2])
	assert.Equal(t, "1.20 m", rows[0][3])
	assert.Equal(t, "cascata_maggiore", rows[0][4])
	assert.Equal(t, "N/A", rows[1][3])
	assert.Equal(t, "-", rows[1][4])

	view := m.View()
	assert.Contains(t, view, "Cascata maggiore")
	assert.Contains(t, view, "in 1m30s")
}

func TestModelManualSnapshotDoesNotReschedule(t *testing.T) {
	m := NewModel(&fakeSource{}, "dev-1", time.Second)

	_, cmd := m.Update(snapshotMsg{manual: true})
	assert.Nil(t, cmd)
}

func TestModelSnapshotError(t *testing.T) {
	m := NewModel(&fakeSource{}, "dev-1", time.Second)

	updated, cmd := m.Update(snapshotMsg{err: errors.New("connection refused")})
	m = updated.(Model)

	assert.NotNil(t, cmd)
	assert.Equal(t, StateError, m.state)
	assert.Contains(t, m.View(), "connection refused")
}

func TestModelQuitKey(t *testing.T) {
	m := NewModel(&fakeSource{}, "dev-1", time.Second)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestModelResetKey(t *testing.T) {
	src := &fakeSource{}
	m := NewModel(src, "dev-1", time.Second)
	m.closest = &ClosestPlace{ID: "cascata_maggiore"}

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	m = updated.(Model)
	require.NotNil(t, cmd)

	msg := cmd()
	assert.Equal(t, 1, src.resets)

	updated, cmd = m.Update(msg)
	m = updated.(Model)
	assert.Nil(t, m.closest)
	assert.Equal(t, "closest place reset", m.notice)
	assert.NotNil(t, cmd)
}

func TestModelResetFailure(t *testing.T) {
	m := NewModel(&fakeSource{}, "dev-1", time.Second)

	updated, _ := m.Update(resetDoneMsg{err: errors.New("boom")})
	assert.Equal(t, "reset failed: boom", updated.(Model).notice)
}

func TestEligibility(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, "unknown", eligibility(time.Time{}, now))
	assert.Equal(t, "now", eligibility(now, now))
	assert.Equal(t, "now", eligibility(now.Add(-time.Minute), now))
	assert.Equal(t, "in 4m0s", eligibility(now.Add(4*time.Minute), now))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "LOADING", StateLoading.String())
	assert.Equal(t, "LIVE", StateLive.String())
	assert.Equal(t, "ERROR", StateError.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
