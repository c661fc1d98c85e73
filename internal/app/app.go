package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"parkguide/go-proximity-server/internal/catalog"
	"parkguide/go-proximity-server/internal/config"
	"parkguide/go-proximity-server/internal/model"
	"parkguide/go-proximity-server/internal/mqttbroker"
	"parkguide/go-proximity-server/internal/notify"
	"parkguide/go-proximity-server/internal/proximity"
	"parkguide/go-proximity-server/internal/scanner"
	"parkguide/go-proximity-server/internal/state"
	"parkguide/go-proximity-server/internal/store"
)

// ErrUnknownDevice indicates no state or session exists for a device.
var ErrUnknownDevice = errors.New("unknown device")

// device pairs the push-fed source of a remote device with its session.
type device struct {
	feed    *scanner.Feed
	session *proximity.Session
}

// App wires together the park guide services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	// ctx bounds every session started by the app.
	ctx context.Context

	store      *store.Store
	broker     *mqttbroker.Broker
	catalog    *catalog.Catalog
	state      *state.Container
	toasts     *notify.ToastHub
	dispatcher *notify.Dispatcher
	metrics    *metrics
	mdns       *zeroconf.Server

	mu      sync.Mutex
	devices map[string]*device
	local   *proximity.Session
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger, devices: make(map[string]*device)}
}

// init opens the store and builds every component short of network listeners.
func (a *App) init(ctx context.Context) error {
	a.ctx = ctx

	policy, err := catalog.ParsePolicy(a.cfg.CatalogKeying)
	if err != nil {
		return err
	}
	if a.cfg.CatalogPath != "" {
		a.catalog, err = catalog.LoadFile(a.cfg.CatalogPath, policy)
	} else {
		a.catalog, err = catalog.Default(policy)
	}
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	a.logger.Info("catalog loaded",
		"park", a.catalog.Park().Name,
		"places", len(a.catalog.Places()),
		"pois", len(a.catalog.POIs()),
		"keying", a.catalog.Policy())

	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	a.state = state.New(a.store, a.logger.With("component", "state"))
	if err := a.state.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	a.metrics = newMetrics(a)
	a.broker = mqttbroker.New(a.logger.With("component", "mqtt"))
	a.broker.SetPublishHandler(a.handleMQTTPublish)
	a.toasts = notify.NewToastHub(a.logger.With("component", "toast"))

	selector := notify.NewSelector(a.toasts, notify.NewPushSink(a.broker), a.state.Foreground)
	a.dispatcher = notify.NewDispatcher(selector, a.store, a.logger.With("component", "notify"), notify.DispatcherOptions{
		QueueSize: a.cfg.NotifyQueueSize,
		Observe:   a.metrics.observeNotification,
	})

	return nil
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.init(ctx); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	brokerErrCh, err := a.broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		a.dispatcher.Close()
		return err
	}

	httpErrCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler:           a.metrics.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		a.logger.Info("metrics server started", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(brokerPort(a.broker)); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	if a.cfg.ScanSource == "ble" {
		a.startLocal(ctx)
	}

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		a.stopMDNS()
		a.stopSessions(shutdownCtx)
		a.dispatcher.Close()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
		a.logger.Info("http server stopped")

		a.toasts.Close()
		if err := a.broker.Stop(); err != nil {
			errs = append(errs, err)
		}
		a.logger.Info("mqtt broker stopped")

		if err := a.state.Save(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("save state: %w", err))
		}
		return errors.Join(errs...)
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown()
		case err := <-httpErrCh:
			return errors.Join(err, shutdown())
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			return errors.Join(err, shutdown())
		}
	}
}

// newSession builds a proximity session for a device over src.
func (a *App) newSession(deviceID string, src scanner.Source) *proximity.Session {
	return proximity.NewSession(proximity.SessionConfig{
		DeviceID: deviceID,
		Source:   src,
		Lookup:   a.catalog,
		State:    a.state,
		Notifier: a.dispatcher,
		Arrivals: a.store,
		Regions:  a.catalog.Regions(),
		Message:  a.message,
		Hooks: proximity.Hooks{
			OnBatch:   a.metrics.observeBatch,
			OnArrival: a.metrics.observeArrival,
		},
		Logger: a.logger.With("component", "session"),
	})
}

// message renders the arrival notification for a place.
func (a *App) message(poi model.POI) (string, string, string) {
	title := poi.Title
	if title == "" {
		title = poi.ID
	}
	url := ""
	if a.cfg.DeepLinkPrefix != "" {
		url = a.cfg.DeepLinkPrefix + poi.ID
	}
	return title, a.cfg.NotificationBody, url
}

// startDevice starts (or resumes) the session of a remote device. A session
// disabled by a permission denial is replaced, since a new scan_start is a new
// scanning lifecycle on the device. A denial reported while scanning stops and
// disables the running session.
func (a *App) startDevice(deviceID string, granted bool) error {
	a.mu.Lock()
	d, ok := a.devices[deviceID]
	if !ok || d.session.Disabled() != nil {
		feed := scanner.NewFeed(4)
		d = &device{feed: feed, session: a.newSession(deviceID, feed)}
		a.devices[deviceID] = d
	}
	d.feed.SetPermissions(granted)
	a.mu.Unlock()

	if !granted && d.session.Phase() == proximity.Scanning {
		ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
		defer cancel()
		return fmt.Errorf("revoke session %s: %w", deviceID, d.session.Revoke(ctx))
	}

	if err := d.session.Start(a.ctx); err != nil {
		return fmt.Errorf("start session %s: %w", deviceID, err)
	}
	return nil
}

// stopDevice stops the session of a remote device if one exists.
func (a *App) stopDevice(ctx context.Context, deviceID string) error {
	a.mu.Lock()
	d, ok := a.devices[deviceID]
	a.mu.Unlock()

	if !ok {
		a.state.ClearReadings(deviceID)
		return nil
	}
	return d.session.Stop(ctx)
}

// pushRanging hands a batch to the device's session. A device that never sent a
// lifecycle event gets a session on its first batch.
func (a *App) pushRanging(deviceID string, batch []model.RawReading) bool {
	a.mu.Lock()
	d, ok := a.devices[deviceID]
	a.mu.Unlock()

	if !ok {
		if err := a.startDevice(deviceID, true); err != nil {
			a.logger.Warn("implicit session start failed", "device", deviceID, "error", err)
			return false
		}
		a.mu.Lock()
		d = a.devices[deviceID]
		a.mu.Unlock()
	}

	if err := d.feed.Push(batch); err != nil {
		a.metrics.rangingDropped.Inc()
		if errors.Is(err, scanner.ErrQueueFull) {
			a.logger.Warn("ranging batch dropped, session backlog full", "device", deviceID, "readings", len(batch))
		} else {
			a.logger.Debug("ranging batch dropped, device not scanning", "device", deviceID)
		}
		return false
	}
	return true
}

// startLocal runs one session over the host Bluetooth adapter.
func (a *App) startLocal(ctx context.Context) {
	opts := scanner.DefaultBLEOptions()
	opts.Window = a.cfg.BLEWindow
	opts.PathLossExponent = a.cfg.PathLossExponent

	ble := scanner.NewBLE(opts, a.logger.With("component", "ble"))
	session := a.newSession(a.cfg.DeviceID, ble)

	a.mu.Lock()
	a.local = session
	a.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		a.logger.Error("local beacon scanning disabled", "device", a.cfg.DeviceID, "error", err)
	}
}

func (a *App) stopSessions(ctx context.Context) {
	a.mu.Lock()
	sessions := make([]*proximity.Session, 0, len(a.devices)+1)
	for _, d := range a.devices {
		sessions = append(sessions, d.session)
	}
	if a.local != nil {
		sessions = append(sessions, a.local)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		if err := s.Stop(ctx); err != nil {
			a.logger.Warn("failed to stop session", "device", s.DeviceID(), "error", err)
		}
	}
}

// session returns the session of a device, remote or local.
func (a *App) session(deviceID string) (*proximity.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.devices[deviceID]; ok {
		return d.session, true
	}
	if a.local != nil && a.local.DeviceID() == deviceID {
		return a.local, true
	}
	return nil, false
}

func (a *App) activeSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, d := range a.devices {
		if d.session.Phase() == proximity.Scanning {
			n++
		}
	}
	if a.local != nil && a.local.Phase() == proximity.Scanning {
		n++
	}
	return n
}

// deviceStatus is the API view of a device.
type deviceStatus struct {
	state.DeviceState
	Phase    string `json:"phase"`
	Disabled string `json:"disabled,omitempty"`
}

func (a *App) deviceStatus(deviceID string) (deviceStatus, error) {
	snap, known := a.state.Snapshot(deviceID)
	s, hasSession := a.session(deviceID)
	if !known && !hasSession {
		return deviceStatus{}, ErrUnknownDevice
	}
	if !known {
		snap = state.DeviceState{DeviceID: deviceID, Readings: []model.BeaconReading{}}
	}

	status := deviceStatus{DeviceState: snap, Phase: proximity.Idle.String()}
	if hasSession {
		status.Phase = s.Phase().String()
		if err := s.Disabled(); err != nil {
			status.Disabled = err.Error()
		}
	}
	return status, nil
}

func (a *App) deviceStatuses() []deviceStatus {
	seen := make(map[string]struct{})
	var out []deviceStatus
	for _, snap := range a.state.Devices() {
		seen[snap.DeviceID] = struct{}{}
		if st, err := a.deviceStatus(snap.DeviceID); err == nil {
			out = append(out, st)
		}
	}

	a.mu.Lock()
	ids := make([]string, 0, len(a.devices)+1)
	for id := range a.devices {
		ids = append(ids, id)
	}
	if a.local != nil {
		ids = append(ids, a.local.DeviceID())
	}
	a.mu.Unlock()

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		if st, err := a.deviceStatus(id); err == nil {
			out = append(out, st)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func brokerPort(b *mqttbroker.Broker) int {
	if addr, ok := b.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
