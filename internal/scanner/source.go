// Package scanner provides the beacon ranging sources the proximity sessions consume.
package scanner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"parkguide/go-proximity-server/internal/model"
)

var (
	// ErrAdapterNotEnabled indicates Bluetooth could not be enabled.
	ErrAdapterNotEnabled = errors.New("bluetooth adapter not enabled")

	// ErrScanInProgress indicates a scan is already running.
	ErrScanInProgress = errors.New("scan already in progress")

	// ErrNotScanning indicates a batch arrived while nobody was consuming ranging.
	ErrNotScanning = errors.New("not scanning")

	// ErrQueueFull indicates the consumer did not take a batch within the delivery timeout.
	ErrQueueFull = errors.New("ranging queue full")
)

// DefaultDeliveryTimeout bounds how long a producer waits for a busy consumer.
const DefaultDeliveryTimeout = 2 * time.Second

// Source is a beacon scanning service.
type Source interface {
	RequestPermissions(ctx context.Context) (bool, error)
	EnableBluetooth(ctx context.Context) error
	StartScan(ctx context.Context, regions []model.Region) error
	StopScan(ctx context.Context) error
	// Watch replaces any previous subscription with a new one.
	Watch() Subscription
}

// Subscription yields ranging batches until released. An empty batch means
// nothing is in range.
type Subscription interface {
	Batches() <-chan []model.RawReading
	Done() <-chan struct{}
	Release()
}

type subscription struct {
	ch        chan []model.RawReading
	done      chan struct{}
	once      sync.Once
	mu        sync.Mutex
	onRelease func()
}

func newSubscription(buffer int, onRelease func()) *subscription {
	if buffer <= 0 {
		buffer = 1
	}
	return &subscription{
		ch:        make(chan []model.RawReading, buffer),
		done:      make(chan struct{}),
		onRelease: onRelease,
	}
}

func (s *subscription) Batches() <-chan []model.RawReading { return s.ch }

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Release() {
	s.once.Do(func() {
		close(s.done)
		if s.onRelease != nil {
			s.onRelease()
		}
	})
}

func (s *subscription) released() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// deliver queues a batch, waiting up to wait for room. Queued batches are never
// discarded, so producers see ErrQueueFull instead of losing a batch silently.
// The mutex keeps concurrent producers in arrival order.
func (s *subscription) deliver(batch []model.RawReading, wait time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released() {
		return ErrNotScanning
	}
	select {
	case s.ch <- batch:
		return nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s.ch <- batch:
		return nil
	case <-s.done:
		return ErrNotScanning
	case <-timer.C:
		return ErrQueueFull
	}
}

// MatchRegions reports whether a reading falls in any of the regions. An empty
// region list matches everything, and readings that carry no UUID are never
// excluded on UUID grounds.
func MatchRegions(regions []model.Region, r model.RawReading) bool {
	if len(regions) == 0 {
		return true
	}
	for _, region := range regions {
		if region.UUID != "" && r.UUID != nil && !strings.EqualFold(strings.TrimSpace(*r.UUID), region.UUID) {
			continue
		}
		if region.Major != nil && (r.Major == nil || *r.Major != *region.Major) {
			continue
		}
		if region.Minor != nil && (r.Minor == nil || *r.Minor != *region.Minor) {
			continue
		}
		return true
	}
	return false
}

func filterRegions(regions []model.Region, batch []model.RawReading) []model.RawReading {
	if len(regions) == 0 {
		return batch
	}
	out := make([]model.RawReading, 0, len(batch))
	for _, r := range batch {
		if MatchRegions(regions, r) {
			out = append(out, r)
		}
	}
	return out
}
