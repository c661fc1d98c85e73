// Package state holds per-device proximity state shared by sessions and the API.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"parkguide/go-proximity-server/internal/model"
)

// Persister stores closest places across restarts.
type Persister interface {
	LoadClosestPlaces(ctx context.Context) (map[string]model.ClosestPlace, error)
	SaveClosestPlace(ctx context.Context, deviceID string, place model.ClosestPlace) error
	DeleteClosestPlace(ctx context.Context, deviceID string) error
}

// DeviceState is a snapshot of one device.
type DeviceState struct {
	DeviceID     string                `json:"device_id"`
	Readings     []model.BeaconReading `json:"readings"`
	ClosestPlace *model.ClosestPlace   `json:"closest_place"`
	Foreground   bool                  `json:"foreground"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

type device struct {
	readings   []model.BeaconReading
	closest    *model.ClosestPlace
	foreground bool
	dirty      bool
	updatedAt  time.Time
}

// Container owns device state. Readings are transient; closest places are written
// through to the persister and reloaded by Load.
type Container struct {
	mu      sync.RWMutex
	devices map[string]*device
	persist Persister
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty container. A nil persister keeps state in memory only.
func New(p Persister, logger *slog.Logger) *Container {
	return &Container{
		devices: make(map[string]*device),
		persist: p,
		logger:  logger,
		now:     time.Now,
	}
}

// Load restores persisted closest places.
func (c *Container) Load(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}

	places, err := c.persist.LoadClosestPlaces(ctx)
	if err != nil {
		return fmt.Errorf("load closest places: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range places {
		p := p
		d := c.deviceLocked(id)
		d.closest = &p
		d.updatedAt = p.Timestamp
	}

	c.logger.Info("state loaded", "devices", len(places))
	return nil
}

// Save persists closest places whose write-through failed earlier.
func (c *Container) Save(ctx context.Context) error {
	if c.persist == nil {
		return nil
	}

	c.mu.Lock()
	pending := make(map[string]model.ClosestPlace)
	for id, d := range c.devices {
		if d.dirty && d.closest != nil {
			pending[id] = *d.closest
		}
	}
	c.mu.Unlock()

	for id, p := range pending {
		if err := c.persist.SaveClosestPlace(ctx, id, p); err != nil {
			return fmt.Errorf("save closest place for %s: %w", id, err)
		}
		c.mu.Lock()
		if d, ok := c.devices[id]; ok && d.closest != nil && *d.closest == p {
			d.dirty = false
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *Container) deviceLocked(id string) *device {
	d, ok := c.devices[id]
	if !ok {
		d = &device{}
		c.devices[id] = d
	}
	return d
}

// SetReadings replaces the displayed readings for a device.
func (c *Container) SetReadings(id string, readings []model.BeaconReading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.deviceLocked(id)
	d.readings = append([]model.BeaconReading(nil), readings...)
	d.updatedAt = c.now()
}

// ClearReadings empties the displayed readings for a device.
func (c *Container) ClearReadings(id string) {
	c.SetReadings(id, nil)
}

// Readings returns the displayed readings for a device.
func (c *Container) Readings(id string) []model.BeaconReading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	if !ok {
		return nil
	}
	return append([]model.BeaconReading(nil), d.readings...)
}

// ClosestPlace returns the last closest place recorded for a device, or nil.
func (c *Container) ClosestPlace(id string) *model.ClosestPlace {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	if !ok || d.closest == nil {
		return nil
	}
	p := *d.closest
	return &p
}

// SetClosestPlace records the closest place in memory and writes it through. A
// failed write leaves the in-memory value in place and is retried by Save.
func (c *Container) SetClosestPlace(ctx context.Context, id string, place model.ClosestPlace) error {
	c.mu.Lock()
	d := c.deviceLocked(id)
	d.closest = &place
	d.updatedAt = c.now()
	d.dirty = true
	c.mu.Unlock()

	if c.persist == nil {
		return nil
	}
	if err := c.persist.SaveClosestPlace(ctx, id, place); err != nil {
		return fmt.Errorf("persist closest place: %w", err)
	}

	c.mu.Lock()
	if d.closest != nil && *d.closest == place {
		d.dirty = false
	}
	c.mu.Unlock()
	return nil
}

// ResetClosestPlace forgets the closest place for a device, in memory and on disk.
func (c *Container) ResetClosestPlace(ctx context.Context, id string) error {
	c.mu.Lock()
	if d, ok := c.devices[id]; ok {
		d.closest = nil
		d.dirty = false
		d.updatedAt = c.now()
	}
	c.mu.Unlock()

	if c.persist == nil {
		return nil
	}
	if err := c.persist.DeleteClosestPlace(ctx, id); err != nil {
		return fmt.Errorf("delete closest place: %w", err)
	}
	return nil
}

// SetForeground records whether the device app is in the foreground.
func (c *Container) SetForeground(id string, foreground bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.deviceLocked(id)
	d.foreground = foreground
	d.updatedAt = c.now()
}

// Foreground reports whether the device app is in the foreground.
func (c *Container) Foreground(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	return ok && d.foreground
}

// Snapshot returns the state of one device.
func (c *Container) Snapshot(id string) (DeviceState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	if !ok {
		return DeviceState{}, false
	}
	return snapshot(id, d), true
}

// Devices returns snapshots of all known devices ordered by id.
func (c *Container) Devices() []DeviceState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]DeviceState, 0, len(c.devices))
	for id, d := range c.devices {
		out = append(out, snapshot(id, d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func snapshot(id string, d *device) DeviceState {
	s := DeviceState{
		DeviceID:   id,
		Readings:   append([]model.BeaconReading(nil), d.readings...),
		Foreground: d.foreground,
		UpdatedAt:  d.updatedAt,
	}
	if d.closest != nil {
		p := *d.closest
		s.ClosestPlace = &p
	}
	return s
}
