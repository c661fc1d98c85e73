package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"parkguide/go-proximity-server/internal/model"
)

// Deliverer sends a notification and names the sink that took it.
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) (string, error)
}

// Recorder persists delivery outcomes.
type Recorder interface {
	InsertNotification(ctx context.Context, rec model.NotificationRecord) error
}

// Outcome statuses.
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusDropped = "dropped"
)

// DispatcherOptions tunes the dispatcher.
type DispatcherOptions struct {
	QueueSize int
	Timeout   time.Duration
	// Observe is called after every attempt, e.g. to count metrics.
	Observe func(sink, status string)
}

// Dispatcher delivers notifications on a background goroutine so callers never
// wait on a sink.
type Dispatcher struct {
	deliver Deliverer
	rec     Recorder
	logger  *slog.Logger
	opts    DispatcherOptions

	mu     sync.Mutex
	queue  chan Notification
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts a dispatcher. rec may be nil.
func NewDispatcher(d Deliverer, rec Recorder, logger *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	dp := &Dispatcher{
		deliver: d,
		rec:     rec,
		logger:  logger,
		opts:    opts,
		queue:   make(chan Notification, opts.QueueSize),
	}

	dp.wg.Add(1)
	go dp.run()
	return dp
}

// Dispatch queues n and returns immediately. It reports false when the queue is
// full or the dispatcher is closed. Drops are recorded on a separate goroutine.
func (d *Dispatcher) Dispatch(n Notification) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		d.logger.Warn("notification queue full, dropping", "device", n.DeviceID, "place", n.PlaceID)
		d.observe("", StatusDropped)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
			defer cancel()
			d.persist(ctx, n, "", StatusDropped, "queue full")
		}()
		return false
	}
}

// Close stops accepting notifications and waits for queued ones to be attempted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		d.send(n)
	}
}

func (d *Dispatcher) send(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification sink panic", "device", n.DeviceID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()

	sink, err := d.deliver.Deliver(ctx, n)
	if err != nil {
		d.logger.Error("notification delivery failed", "device", n.DeviceID, "place", n.PlaceID, "sink", sink, "error", err)
		d.record(ctx, n, sink, StatusFailed, err.Error())
		return
	}

	d.logger.Info("notification delivered", "device", n.DeviceID, "place", n.PlaceID, "sink", sink)
	d.record(ctx, n, sink, StatusSent, "")
}

func (d *Dispatcher) record(ctx context.Context, n Notification, sink, status, errMsg string) {
	d.observe(sink, status)
	d.persist(ctx, n, sink, status, errMsg)
}

func (d *Dispatcher) observe(sink, status string) {
	if d.opts.Observe != nil {
		d.opts.Observe(sink, status)
	}
}

func (d *Dispatcher) persist(ctx context.Context, n Notification, sink, status, errMsg string) {
	if d.rec == nil {
		return
	}

	rec := model.NotificationRecord{
		ID:         n.ID,
		DeviceID:   n.DeviceID,
		PlaceID:    n.PlaceID,
		Identifier: n.Identifier,
		Sink:       sink,
		Status:     status,
		Error:      errMsg,
		CreatedAt:  n.CreatedAt,
	}
	if err := d.rec.InsertNotification(ctx, rec); err != nil {
		d.logger.Error("failed to record notification", "id", n.ID, "error", err)
	}
}
