package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkguide/go-proximity-server/internal/config"
	"parkguide/go-proximity-server/internal/model"
	"parkguide/go-proximity-server/internal/mqttbroker"
	"parkguide/go-proximity-server/internal/proximity"
	"parkguide/go-proximity-server/internal/scanner"
)

const rangingMinor1 = `{"beacons":[
	{"uuid":"e4507bf5-f125-4972-aef0-5fca35225fab","major":1,"minor":7,"distance":6.5},
	{"uuid":"e4507bf5-f125-4972-aef0-5fca35225fab","major":1,"minor":1,"distance":1.2},
	{"uuid":"e4507bf5-f125-4972-aef0-5fca35225fab","major":1,"minor":2}
]}`

func newTestApp(t *testing.T) *App {
	t.Helper()

	cfg := config.Config{
		HTTPPort:         8080,
		DatabasePath:     filepath.Join(t.TempDir(), "parkguide.db"),
		LogLevel:         "debug",
		CatalogKeying:    "minor",
		ScanSource:       "mqtt",
		DeepLinkPrefix:   "esterzili://place/",
		NotificationBody: "Tap to discover more.",
		NotifyQueueSize:  8,
	}

	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.init(ctx))

	t.Cleanup(func() {
		a.stopSessions(context.Background())
		a.dispatcher.Close()
		cancel()
		_ = a.store.Close()
	})
	return a
}

func do(t *testing.T, a *App, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	a := newTestApp(t)

	rec := do(t, a, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, a, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode(t, rec)["status"])

	rec = do(t, a, http.MethodPost, "/healthz", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCatalogEndpoints(t *testing.T) {
	a := newTestApp(t)

	rec := do(t, a, http.MethodGet, "/api/catalog", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["places"], 27)
	assert.Equal(t, "minor", body["keying"])

	rec = do(t, a, http.MethodGet, "/api/catalog?kind=poi", "")
	assert.Len(t, decode(t, rec)["places"], 14)

	rec = do(t, a, http.MethodGet, "/api/catalog/bounds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec), "park_bounds")

	rec = do(t, a, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode(t, rec)["active"].(map[string]any)
	assert.Equal(t, float64(300), active["cooldown_seconds"])
}

func TestRanging_ArrivalNotifiesAndPersists(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	rec := do(t, a, http.MethodPost, "/api/devices/phone-1/ranging", rangingMinor1)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		cp := a.state.ClosestPlace("phone-1")
		return cp != nil && cp.ID == "cascata_maggiore"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		recs, err := a.store.RecentNotifications(ctx, "phone-1", 10)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := a.store.RecentNotifications(ctx, "phone-1", 10)
	require.NoError(t, err)
	assert.Equal(t, "beacon-cascata_maggiore", recs[0].Identifier)
	assert.Equal(t, "push", recs[0].Sink)
	assert.Equal(t, "sent", recs[0].Status)

	places, err := a.store.LoadClosestPlaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cascata_maggiore", places["phone-1"].ID)

	rec = do(t, a, http.MethodGet, "/api/devices/phone-1/readings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	readings := decode(t, rec)["readings"].([]any)
	require.Len(t, readings, 3)
	first := readings[0].(map[string]any)
	last := readings[2].(map[string]any)
	assert.Equal(t, float64(1), first["minor"])
	assert.Equal(t, "1.20 m", first["distance_label"])
	assert.Equal(t, "cascata_maggiore", first["place_id"])
	assert.Equal(t, "N/A", last["distance_label"])

	rec = do(t, a, http.MethodGet, "/api/devices/phone-1/arrivals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["arrivals"], 1)

	rec = do(t, a, http.MethodGet, "/api/devices/phone-1/notifications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["notifications"], 1)
}

func TestRanging_RepeatWithinCooldownDoesNotNotify(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := do(t, a, http.MethodPost, "/api/devices/phone-1/ranging", rangingMinor1)
		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Eventually(t, func() bool {
			arrivals, err := a.store.RecentArrivals(ctx, "phone-1", 10)
			return err == nil && len(arrivals) == i+1
		}, 2*time.Second, 10*time.Millisecond)
	}

	a.dispatcher.Close()
	recs, err := a.store.RecentNotifications(ctx, "phone-1", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestClosestPlace_GetAndReset(t *testing.T) {
	a := newTestApp(t)

	rec := do(t, a, http.MethodGet, "/api/devices/phone-1/closest-place", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	do(t, a, http.MethodPost, "/api/devices/phone-1/ranging", rangingMinor1)
	require.Eventually(t, func() bool { return a.state.ClosestPlace("phone-1") != nil }, 2*time.Second, 10*time.Millisecond)

	rec = do(t, a, http.MethodGet, "/api/devices/phone-1/closest-place", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "cascata_maggiore", body["closest_place"].(map[string]any)["id"])
	assert.Equal(t, "Cascata maggiore", body["place"].(map[string]any)["title"])

	rec = do(t, a, http.MethodDelete, "/api/devices/phone-1/closest-place", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, a, http.MethodGet, "/api/devices/phone-1/closest-place", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	places, err := a.store.LoadClosestPlaces(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, places, "phone-1")
}

func TestRanging_InvalidPayloadIsRecorded(t *testing.T) {
	a := newTestApp(t)

	for _, body := range []string{`{not json`, `{"beacons":[{"minor":"one"}]}`, `{"uuid":"x"}`} {
		rec := do(t, a, http.MethodPost, "/api/devices/phone-1/ranging", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	n, err := a.store.CountIngestionErrors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, known := a.session("phone-1")
	assert.False(t, known, "invalid payloads never start a session")
}

func TestLifecycle_PermissionDenied(t *testing.T) {
	a := newTestApp(t)

	rec := do(t, a, http.MethodPost, "/api/devices/phone-1/lifecycle", `{"event":"scan_start","permissions_granted":false}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, a, http.MethodGet, "/api/devices/phone-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "idle", body["phase"])
	assert.Contains(t, body["disabled"], "permissions")

	// Batches for a disabled device are dropped.
	do(t, a, http.MethodPost, "/api/devices/phone-1/ranging", rangingMinor1)
	assert.Nil(t, a.state.ClosestPlace("phone-1"))

	rec = do(t, a, http.MethodPost, "/api/devices/phone-1/lifecycle", `{"event":"scan_start","permissions_granted":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scanning", decode(t, rec)["phase"])
}

func TestLifecycle_DenialWhileScanningStopsSession(t *testing.T) {
	a := newTestApp(t)

	rec := do(t, a, http.MethodPost, "/api/devices/phone-1/lifecycle", `{"event":"scan_start"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "scanning", decode(t, rec)["phase"])

	rec = do(t, a, http.MethodPost, "/api/devices/phone-1/lifecycle", `{"event":"scan_start","permissions_granted":false}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, a, http.MethodGet, "/api/devices/phone-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "idle", body["phase"])
	assert.Contains(t, body["disabled"], "permissions")
	assert.Equal(t, 0, a.activeSessions())
}

func TestLifecycle_StopAndForeground(t *testing.T) {
	a := newTestApp(t)

	rec := do(t, a, http.MethodPost, "/api/devices/phone-1/lifecycle", `{"event":"scan_start"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, a.activeSessions())

	rec = do(t, a, http.MethodPost, "/api/devices/phone-1/lifecycle", `{"event":"foreground"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, a.state.Foreground("phone-1"))

	rec = do(t, a, http.MethodPost, "/api/devices/phone-1/lifecycle", `{"event":"scan_stop"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decode(t, rec)["phase"])
	assert.Equal(t, 0, a.activeSessions())

	rec = do(t, a, http.MethodPost, "/api/devices/phone-1/lifecycle", `{"event":"scan_stop"}`)
	assert.Equal(t, http.StatusOK, rec.Code, "stop is idempotent")

	rec = do(t, a, http.MethodPost, "/api/devices/phone-1/lifecycle", `{"event":"reboot"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForegroundWithoutToastFallsBackToPush(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	do(t, a, http.MethodPost, "/api/devices/phone-1/lifecycle", `{"event":"foreground"}`)
	do(t, a, http.MethodPost, "/api/devices/phone-1/ranging", rangingMinor1)

	require.Eventually(t, func() bool {
		recs, err := a.store.RecentNotifications(ctx, "phone-1", 10)
		return err == nil && len(recs) == 1 && recs[0].Sink == "push"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMQTTPublishRoutesToSession(t *testing.T) {
	a := newTestApp(t)

	a.handleMQTTPublish(context.Background(), mqttbroker.PublishMessage{
		Topic:   "devices/handheld/lifecycle",
		Payload: []byte(`{"event":"scan_start","permissions_granted":true}`),
	})
	a.handleMQTTPublish(context.Background(), mqttbroker.PublishMessage{
		Topic:   "devices/handheld/ranging",
		Payload: []byte(`[{"uuid":"E4507BF5-F125-4972-AEF0-5FCA35225FAB","major":1,"minor":3,"distance":0.8}]`),
	})
	a.handleMQTTPublish(context.Background(), mqttbroker.PublishMessage{Topic: "unrelated/topic", Payload: []byte("x")})

	require.Eventually(t, func() bool {
		cp := a.state.ClosestPlace("handheld")
		return cp != nil && cp.ID == "cedro_libano"
	}, 2*time.Second, 10*time.Millisecond)

	s, ok := a.session("handheld")
	require.True(t, ok)
	assert.Equal(t, proximity.Scanning, s.Phase())
}

func TestUnknownDevice(t *testing.T) {
	a := newTestApp(t)

	rec := do(t, a, http.MethodGet, "/api/devices/ghost/readings", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, a, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["devices"])
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestApp(t)

	do(t, a, http.MethodPost, "/api/devices/phone-1/ranging", rangingMinor1)
	do(t, a, http.MethodPost, "/api/devices/phone-1/ranging", `nope`)
	require.Eventually(t, func() bool { return a.state.ClosestPlace("phone-1") != nil }, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	a.metrics.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	out := rec.Body.String()
	assert.Contains(t, out, "parkguide_ranging_batches_total 1")
	assert.Contains(t, out, "parkguide_beacon_readings_total 3")
	assert.Contains(t, out, `parkguide_ingestion_errors_total{kind="ranging"} 1`)
	assert.Contains(t, out, "parkguide_active_sessions 1")
}

func TestDecodeRanging(t *testing.T) {
	batch, err := decodeRanging([]byte(`[{"uuid":"e4507bf5-f125-4972-aef0-5fca35225fab","major":1,"minor":0,"distance":-1}]`))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "E4507BF5-F125-4972-AEF0-5FCA35225FAB", *batch[0].UUID)
	assert.Equal(t, 0, *batch[0].Minor)
	assert.Nil(t, batch[0].Distance, "negative distance means unknown")

	batch, err = decodeRanging([]byte(`{"beacons":[]}`))
	require.NoError(t, err)
	assert.Empty(t, batch)

	batch, err = decodeRanging([]byte(`[{}]`))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Nil(t, batch[0].UUID)

	for _, bad := range []string{
		``,
		`{}`,
		`[{"uuid":"not-a-uuid"}]`,
		`[{"major":70000}]`,
		`[{"minor":-1}]`,
		`[{"distance":"near"}]`,
	} {
		_, err := decodeRanging([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestParseDeviceTopic(t *testing.T) {
	id, kind, ok := parseDeviceTopic("devices/phone-1/ranging")
	assert.True(t, ok)
	assert.Equal(t, "phone-1", id)
	assert.Equal(t, "ranging", kind)

	for _, bad := range []string{"devices//ranging", "devices/phone", "beacons/x/ranging", "devices/a/b/c"} {
		_, _, ok := parseDeviceTopic(bad)
		assert.False(t, ok, bad)
	}
}

func TestMessageUsesDeepLinkPrefix(t *testing.T) {
	a := newTestApp(t)
	poi, ok := a.catalog.Place("cedro_libano")
	require.True(t, ok)

	title, body, url := a.message(poi)
	assert.Equal(t, "Cedro del Libano", title)
	assert.Equal(t, "Tap to discover more.", body)
	assert.Equal(t, "esterzili://place/cedro_libano", url)

	a.cfg.DeepLinkPrefix = ""
	_, _, url = a.message(poi)
	assert.Empty(t, url)
}

func TestMDNSSanitizers(t *testing.T) {
	assert.Equal(t, "Parco Aymerich (host local)", sanitizeMDNSInstance("Parco Aymerich (host.local)", "parkguide"))
	assert.Equal(t, "parkguide", sanitizeMDNSInstance("  ", "parkguide"))
	assert.Equal(t, "kiosk-1", sanitizeMDNSHost("Kiosk_1", "parkguide"))
	assert.Len(t, []rune(sanitizeMDNSHost(strings.Repeat("a", 80), "x")), 63)

	a := newTestApp(t)
	txt := a.mdnsTXT(1883, "kiosk")
	assert.Contains(t, txt, "mqtt_port=1883")
	assert.Contains(t, txt, "host=kiosk.local")
}

func TestPushRanging_CountsBacklogDrops(t *testing.T) {
	a := newTestApp(t)

	// A feed nobody drains stands in for a session stuck on a slow batch.
	feed := scanner.NewFeed(1)
	feed.SetDeliveryTimeout(10 * time.Millisecond)
	sub := feed.Watch()
	require.NoError(t, feed.StartScan(context.Background(), nil))
	a.mu.Lock()
	a.devices["slow"] = &device{feed: feed, session: a.newSession("slow", feed)}
	a.mu.Unlock()

	minor, d := 1, 1.0
	assert.True(t, a.pushRanging("slow", []model.RawReading{{Minor: &minor, Distance: &d}}))
	assert.False(t, a.pushRanging("slow", []model.RawReading{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.rangingDropped))

	queued := <-sub.Batches()
	require.Len(t, queued, 1, "the arrival batch is still queued")
}
