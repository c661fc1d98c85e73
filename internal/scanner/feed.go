package scanner

import (
	"context"
	"sync"
	"time"

	"parkguide/go-proximity-server/internal/model"
)

// Feed is a Source whose batches are pushed in from elsewhere, typically a remote
// device publishing its own ranging over MQTT. The device reports whether it holds
// the platform permissions.
type Feed struct {
	mu       sync.Mutex
	granted  bool
	scanning bool
	regions  []model.Region
	sub      *subscription
	buffer   int
	wait     time.Duration
}

// NewFeed creates a feed with permissions granted.
func NewFeed(buffer int) *Feed {
	return &Feed{granted: true, buffer: buffer, wait: DefaultDeliveryTimeout}
}

// SetDeliveryTimeout sets how long Push waits for a busy session.
func (f *Feed) SetDeliveryTimeout(d time.Duration) {
	f.mu.Lock()
	f.wait = d
	f.mu.Unlock()
}

// SetPermissions records the permission state reported by the device.
func (f *Feed) SetPermissions(granted bool) {
	f.mu.Lock()
	f.granted = granted
	f.mu.Unlock()
}

// RequestPermissions returns the last reported permission state.
func (f *Feed) RequestPermissions(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.granted, nil
}

// EnableBluetooth is a no-op; the remote device manages its own radio.
func (f *Feed) EnableBluetooth(context.Context) error {
	return nil
}

// StartScan begins accepting pushed batches.
func (f *Feed) StartScan(_ context.Context, regions []model.Region) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = true
	f.regions = append([]model.Region(nil), regions...)
	return nil
}

// StopScan stops accepting pushed batches. Safe to call repeatedly.
func (f *Feed) StopScan(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = false
	return nil
}

// Scanning reports whether pushed batches are currently accepted.
func (f *Feed) Scanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

// Watch returns a new subscription, releasing the previous one.
func (f *Feed) Watch() Subscription {
	f.mu.Lock()
	prev := f.sub
	var sub *subscription
	sub = newSubscription(f.buffer, func() {
		f.mu.Lock()
		if f.sub == sub {
			f.sub = nil
		}
		f.mu.Unlock()
	})
	f.sub = sub
	f.mu.Unlock()

	if prev != nil {
		prev.Release()
	}
	return sub
}

// Push delivers a batch to the current subscriber. It returns ErrNotScanning when
// the feed is not scanning or nobody is watching, and ErrQueueFull when the
// session stayed busy for the whole delivery timeout.
func (f *Feed) Push(batch []model.RawReading) error {
	f.mu.Lock()
	sub := f.sub
	scanning := f.scanning
	regions := f.regions
	wait := f.wait
	f.mu.Unlock()

	if !scanning || sub == nil {
		return ErrNotScanning
	}
	return sub.deliver(filterRegions(regions, batch), wait)
}
