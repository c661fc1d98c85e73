package proximity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"parkguide/go-proximity-server/internal/model"
	"parkguide/go-proximity-server/internal/notify"
	"parkguide/go-proximity-server/internal/scanner"
	"parkguide/go-proximity-server/internal/state"
)

// ErrPermissionDenied indicates the scanning source refused permissions. It is
// terminal for the session.
var ErrPermissionDenied = errors.New("beacon permissions not granted")

// Phase is the scanning state of a session.
type Phase int

const (
	Idle Phase = iota
	Scanning
)

func (p Phase) String() string {
	switch p {
	case Scanning:
		return "scanning"
	default:
		return "idle"
	}
}

// Notifier queues notifications without blocking.
type Notifier interface {
	Dispatch(n notify.Notification) bool
}

// ArrivalRecorder keeps arrival history.
type ArrivalRecorder interface {
	InsertArrival(ctx context.Context, a model.Arrival) error
}

// MessageFunc renders the notification text for an arrival.
type MessageFunc func(poi model.POI) (title, body, url string)

// Hooks observe session activity. Nil fields are skipped.
type Hooks struct {
	OnBatch   func(deviceID string, readings int)
	OnArrival func(deviceID, placeID string, notified bool)
}

// SessionConfig wires a session to its collaborators.
type SessionConfig struct {
	DeviceID string
	Source   scanner.Source
	Lookup   Lookup
	State    *state.Container
	Notifier Notifier
	Arrivals ArrivalRecorder
	Regions  []model.Region
	Message  MessageFunc
	Hooks    Hooks
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Decision is the outcome of one batch.
type Decision struct {
	Readings int
	PlaceID  string
	Arrived  bool
	Notify   bool
}

// Session runs the proximity pipeline for one device over its reading stream.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	mu       sync.Mutex
	phase    Phase
	disabled error
	sub      scanner.Subscription
	cancel   context.CancelFunc
	done     chan struct{}

	// handleMu keeps batch handling serial whether batches arrive from the
	// subscription loop or from HandleBatch.
	handleMu sync.Mutex
}

// NewSession creates an idle session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Message == nil {
		cfg.Message = func(poi model.POI) (string, string, string) { return poi.ID, "", "" }
	}
	return &Session{
		cfg:    cfg,
		logger: cfg.Logger.With("device", cfg.DeviceID),
	}
}

// DeviceID returns the device the session belongs to.
func (s *Session) DeviceID() string {
	return s.cfg.DeviceID
}

// Phase returns the current scanning phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Disabled returns the error that disabled the session, if any.
func (s *Session) Disabled() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}

// Start requests permissions, enables Bluetooth, subscribes and starts the scan.
// Batches are handled on a goroutine until Stop or until ctx is done. Calling
// Start while scanning is a no-op. Any setup failure disables the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == Scanning {
		return nil
	}
	if s.disabled != nil {
		return s.disabled
	}

	granted, err := s.cfg.Source.RequestPermissions(ctx)
	if err != nil || !granted {
		if err != nil {
			s.disabled = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		} else {
			s.disabled = ErrPermissionDenied
		}
		s.logger.Warn("beacon permissions not granted, scanning disabled", "error", err)
		return s.disabled
	}

	if err := s.cfg.Source.EnableBluetooth(ctx); err != nil {
		s.disabled = fmt.Errorf("enable bluetooth: %w", err)
		s.logger.Warn("bluetooth unavailable, scanning disabled", "error", err)
		return s.disabled
	}

	sub := s.cfg.Source.Watch()
	if err := s.cfg.Source.StartScan(ctx, s.cfg.Regions); err != nil {
		sub.Release()
		s.disabled = fmt.Errorf("start scan: %w", err)
		s.logger.Warn("beacon scan failed to start, scanning disabled", "error", err)
		return s.disabled
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.sub = sub
	s.cancel = cancel
	s.done = make(chan struct{})
	s.phase = Scanning

	go s.loop(runCtx, sub, s.done)

	s.logger.Info("beacon scan started", "regions", len(s.cfg.Regions))
	return nil
}

// Stop unsubscribes, stops the scan and clears the displayed readings. It is safe
// to call at any time, including when no scan is running.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != Scanning {
		s.mu.Unlock()
		s.cfg.State.ClearReadings(s.cfg.DeviceID)
		return nil
	}
	s.phase = Idle
	cancel, sub, done := s.cancel, s.sub, s.done
	s.cancel, s.sub, s.done = nil, nil, nil
	s.mu.Unlock()

	cancel()
	sub.Release()
	<-done

	err := s.cfg.Source.StopScan(ctx)
	s.cfg.State.ClearReadings(s.cfg.DeviceID)

	if err != nil {
		s.logger.Warn("failed to stop beacon scan", "error", err)
		return fmt.Errorf("stop scan: %w", err)
	}
	s.logger.Info("beacon scan stopped")
	return nil
}

// Revoke stops the scan after the device withdrew its permissions and disables
// the session. It always returns ErrPermissionDenied, wrapping any stop failure.
func (s *Session) Revoke(ctx context.Context) error {
	s.mu.Lock()
	s.disabled = ErrPermissionDenied
	s.mu.Unlock()

	stopErr := s.Stop(ctx)

	s.logger.Warn("beacon permissions revoked, scanning disabled")
	if stopErr != nil {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, stopErr)
	}
	return ErrPermissionDenied
}

func (s *Session) loop(ctx context.Context, sub scanner.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case batch := <-sub.Batches():
			s.safeHandle(ctx, batch)
		}
	}
}

func (s *Session) safeHandle(ctx context.Context, batch []model.RawReading) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("beacon batch handler panic", "panic", r)
		}
	}()
	s.HandleBatch(ctx, batch)
}

// HandleBatch runs one ranging batch through the pipeline.
//
// The previous closest place is read before the new one is written, and the
// notification decision uses the previous value. The cooldown therefore runs from
// the last detection, not from the last notification shown.
func (s *Session) HandleBatch(ctx context.Context, raw []model.RawReading) Decision {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()

	id := s.cfg.DeviceID
	now := s.cfg.Clock()

	if len(raw) == 0 {
		s.cfg.State.ClearReadings(id)
		s.logger.Debug("no beacons in range")
		return Decision{}
	}

	ordered := Normalize(raw, now)
	s.cfg.State.SetReadings(id, ordered)
	if s.cfg.Hooks.OnBatch != nil {
		s.cfg.Hooks.OnBatch(id, len(ordered))
	}

	poi, ok := ResolveClosest(ordered, s.cfg.Lookup)
	if !ok {
		return Decision{Readings: len(ordered)}
	}

	previous := s.cfg.State.ClosestPlace(id)
	if err := s.cfg.State.SetClosestPlace(ctx, id, model.ClosestPlace{ID: poi.ID, Timestamp: now}); err != nil {
		s.logger.Error("failed to persist closest place", "place", poi.ID, "error", err)
	}

	shouldNotify := ShouldNotify(&poi, previous, now)
	s.recordArrival(ctx, poi.ID, *ordered[0].Distance, now, shouldNotify)
	if s.cfg.Hooks.OnArrival != nil {
		s.cfg.Hooks.OnArrival(id, poi.ID, shouldNotify)
	}

	if shouldNotify {
		title, body, url := s.cfg.Message(poi)
		n := notify.New(id, poi.ID, title, body, url, now)
		if s.cfg.Notifier == nil || !s.cfg.Notifier.Dispatch(n) {
			s.logger.Warn("arrival notification not queued", "place", poi.ID)
		}
		s.logger.Info("arrived at place", "place", poi.ID, "distance", *ordered[0].Distance)
	}

	return Decision{Readings: len(ordered), PlaceID: poi.ID, Arrived: true, Notify: shouldNotify}
}

func (s *Session) recordArrival(ctx context.Context, placeID string, distance float64, now time.Time, notified bool) {
	if s.cfg.Arrivals == nil {
		return
	}
	a := model.Arrival{
		DeviceID:   s.cfg.DeviceID,
		PlaceID:    placeID,
		Distance:   distance,
		DetectedAt: now,
		Notified:   notified,
	}
	if err := s.cfg.Arrivals.InsertArrival(ctx, a); err != nil {
		s.logger.Error("failed to record arrival", "place", placeID, "error", err)
	}
}
