package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"parkguide/go-proximity-server/internal/model"
)

const (
	appleCompanyID   = 0x004C
	iBeaconType      = 0x02
	iBeaconLength    = 0x15
	iBeaconFrameSize = 23
)

// IBeacon is a decoded iBeacon advertisement.
type IBeacon struct {
	UUID    string
	Major   int
	Minor   int
	TxPower int
}

// ParseIBeacon decodes Apple manufacturer data carrying an iBeacon frame.
func ParseIBeacon(companyID uint16, data []byte) (IBeacon, bool) {
	if companyID != appleCompanyID || len(data) < iBeaconFrameSize {
		return IBeacon{}, false
	}
	if data[0] != iBeaconType || data[1] != iBeaconLength {
		return IBeacon{}, false
	}

	id, err := uuid.FromBytes(data[2:18])
	if err != nil {
		return IBeacon{}, false
	}

	return IBeacon{
		UUID:    strings.ToUpper(id.String()),
		Major:   int(data[18])<<8 | int(data[19]),
		Minor:   int(data[20])<<8 | int(data[21]),
		TxPower: int(int8(data[22])),
	}, true
}

// EstimateDistance applies the log-distance path loss model. txPower is the
// calibrated RSSI at one meter. ok is false when the signal carries no estimate.
func EstimateDistance(txPower, rssi int, pathLossExponent float64) (float64, bool) {
	if rssi == 0 || txPower == 0 || pathLossExponent <= 0 {
		return 0, false
	}
	d := math.Pow(10, float64(txPower-rssi)/(10*pathLossExponent))
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, false
	}
	return d, true
}

// BLEOptions configures the local adapter source.
type BLEOptions struct {
	// Window is how long advertisements are collected before a batch is emitted.
	Window time.Duration

	// PathLossExponent is the environment factor for distance estimation.
	PathLossExponent float64

	// Buffer is the subscription queue depth.
	Buffer int
}

// DefaultBLEOptions returns options suited to an outdoor park.
func DefaultBLEOptions() BLEOptions {
	return BLEOptions{
		Window:           time.Second,
		PathLossExponent: 2.5,
		Buffer:           4,
	}
}

// window collects readings between flushes, keeping the latest per beacon.
type window struct {
	mu      sync.Mutex
	pending map[string]model.RawReading
}

func newWindow() *window {
	return &window{pending: make(map[string]model.RawReading)}
}

func (w *window) add(b IBeacon, distance *float64) {
	id, major, minor := b.UUID, b.Major, b.Minor
	key := fmt.Sprintf("%s|%d|%d", id, major, minor)

	w.mu.Lock()
	w.pending[key] = model.RawReading{UUID: &id, Major: &major, Minor: &minor, Distance: distance}
	w.mu.Unlock()
}

func (w *window) flush() []model.RawReading {
	w.mu.Lock()
	defer w.mu.Unlock()

	keys := make([]string, 0, len(w.pending))
	for k := range w.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]model.RawReading, 0, len(keys))
	for _, k := range keys {
		out = append(out, w.pending[k])
	}
	w.pending = make(map[string]model.RawReading)
	return out
}

// BLE ranges iBeacons with the host Bluetooth adapter.
type BLE struct {
	adapter *bluetooth.Adapter
	opts    BLEOptions
	logger  *slog.Logger

	mu       sync.Mutex
	enabled  bool
	scanning bool
	regions  []model.Region
	sub      *subscription
	stopCh   chan struct{}
	done     chan struct{}
	win      *window
}

// NewBLE creates a source bound to the default adapter.
func NewBLE(opts BLEOptions, logger *slog.Logger) *BLE {
	if opts.Window <= 0 {
		opts.Window = DefaultBLEOptions().Window
	}
	if opts.PathLossExponent <= 0 {
		opts.PathLossExponent = DefaultBLEOptions().PathLossExponent
	}
	return &BLE{
		adapter: bluetooth.DefaultAdapter,
		opts:    opts,
		logger:  logger,
		win:     newWindow(),
	}
}

// RequestPermissions enables the adapter; on hosts without a runtime permission
// model a usable adapter is the permission.
func (b *BLE) RequestPermissions(ctx context.Context) (bool, error) {
	if err := b.EnableBluetooth(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// EnableBluetooth powers up the adapter once.
func (b *BLE) EnableBluetooth(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.enabled {
		return nil
	}
	if err := b.adapter.Enable(); err != nil {
		return errors.Join(ErrAdapterNotEnabled, err)
	}
	b.enabled = true
	return nil
}

// StartScan starts ranging and emits one batch per window.
func (b *BLE) StartScan(_ context.Context, regions []model.Region) error {
	b.mu.Lock()
	if !b.enabled {
		b.mu.Unlock()
		return ErrAdapterNotEnabled
	}
	if b.scanning {
		b.mu.Unlock()
		return ErrScanInProgress
	}
	b.scanning = true
	b.regions = append([]model.Region(nil), regions...)
	b.stopCh = make(chan struct{})
	b.done = make(chan struct{})
	stopCh, done := b.stopCh, b.done
	b.mu.Unlock()

	scanErr := make(chan error, 1)
	go func() {
		scanErr <- b.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			b.observe(result)
		})
	}()

	go func() {
		defer close(done)
		ticker := time.NewTicker(b.opts.Window)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case err := <-scanErr:
				if err != nil {
					b.logger.Error("ble scan terminated", "error", err)
				}
				return
			case <-ticker.C:
				b.emit(b.win.flush())
			}
		}
	}()

	b.logger.Info("ble scan started", "regions", len(regions), "window", b.opts.Window)
	return nil
}

// StopScan halts ranging. Safe to call when no scan is running.
func (b *BLE) StopScan(context.Context) error {
	b.mu.Lock()
	if !b.scanning {
		b.mu.Unlock()
		return nil
	}
	b.scanning = false
	stopCh, done := b.stopCh, b.done
	b.mu.Unlock()

	err := b.adapter.StopScan()
	close(stopCh)
	<-done
	b.win.flush()

	if err != nil {
		return fmt.Errorf("stop ble scan: %w", err)
	}
	b.logger.Info("ble scan stopped")
	return nil
}

// Watch returns a new subscription, releasing the previous one.
func (b *BLE) Watch() Subscription {
	b.mu.Lock()
	prev := b.sub
	var sub *subscription
	sub = newSubscription(b.opts.Buffer, func() {
		b.mu.Lock()
		if b.sub == sub {
			b.sub = nil
		}
		b.mu.Unlock()
	})
	b.sub = sub
	b.mu.Unlock()

	if prev != nil {
		prev.Release()
	}
	return sub
}

func (b *BLE) observe(result bluetooth.ScanResult) {
	b.mu.Lock()
	regions := b.regions
	b.mu.Unlock()

	for _, elem := range result.ManufacturerData() {
		beacon, ok := ParseIBeacon(elem.CompanyID, elem.Data)
		if !ok {
			continue
		}

		var distance *float64
		if d, ok := EstimateDistance(beacon.TxPower, int(result.RSSI), b.opts.PathLossExponent); ok {
			distance = &d
		}

		id, major, minor := beacon.UUID, beacon.Major, beacon.Minor
		if !MatchRegions(regions, model.RawReading{UUID: &id, Major: &major, Minor: &minor}) {
			continue
		}
		b.win.add(beacon, distance)
	}
}

func (b *BLE) emit(batch []model.RawReading) {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.deliver(batch, DefaultDeliveryTimeout); err != nil {
		b.logger.Warn("ble batch dropped", "readings", len(batch), "error", err)
	}
}
