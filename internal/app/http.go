package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"parkguide/go-proximity-server/internal/model"
	"parkguide/go-proximity-server/internal/proximity"
)

const maxIngestBody = 64 * 1024

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/config", a.handleConfig).Methods(http.MethodGet)
	api.HandleFunc("/catalog", a.handleCatalog).Methods(http.MethodGet)
	api.HandleFunc("/catalog/bounds", a.handleCatalogBounds).Methods(http.MethodGet)
	api.HandleFunc("/devices", a.handleDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", a.handleDevice).Methods(http.MethodGet)

	dev := api.PathPrefix("/devices/{id}").Subrouter()
	dev.HandleFunc("/readings", a.handleReadings).Methods(http.MethodGet)
	dev.HandleFunc("/closest-place", a.handleClosestPlace).Methods(http.MethodGet)
	dev.HandleFunc("/closest-place", a.handleResetClosestPlace).Methods(http.MethodDelete)
	dev.HandleFunc("/arrivals", a.handleArrivals).Methods(http.MethodGet)
	dev.HandleFunc("/notifications", a.handleNotifications).Methods(http.MethodGet)
	dev.HandleFunc("/toasts", a.handleToasts).Methods(http.MethodGet)
	dev.HandleFunc("/lifecycle", a.handlePostLifecycle).Methods(http.MethodPost)
	dev.HandleFunc("/ranging", a.handlePostRanging).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.store == nil || a.broker == nil || a.catalog == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	active := map[string]any{
		"http_port":         a.cfg.HTTPPort,
		"mqtt_bind":         a.cfg.MQTTBindAddress,
		"metrics_port":      a.cfg.MetricsPort,
		"database_path":     a.cfg.DatabasePath,
		"log_level":         a.cfg.LogLevel,
		"catalog_path":      a.cfg.CatalogPath,
		"catalog_keying":    a.cfg.CatalogKeying,
		"scan_source":       a.cfg.ScanSource,
		"device_id":         a.cfg.DeviceID,
		"deep_link_prefix":  a.cfg.DeepLinkPrefix,
		"mdns_enabled":      a.cfg.MDNSEnabled,
		"ble_window":        a.cfg.BLEWindow.String(),
		"path_loss_exp":     a.cfg.PathLossExponent,
		"cooldown_seconds":  proximity.Cooldown.Seconds(),
		"notify_queue_size": a.cfg.NotifyQueueSize,
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active})
}

func (a *App) handleCatalog(w http.ResponseWriter, r *http.Request) {
	places := a.catalog.Places()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := make([]model.POI, 0, len(places))
		for _, p := range places {
			if string(p.Kind) == kind {
				filtered = append(filtered, p)
			}
		}
		places = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"park":   a.catalog.Park(),
		"keying": a.catalog.Policy(),
		"places": places,
	})
}

func (a *App) handleCatalogBounds(w http.ResponseWriter, r *http.Request) {
	bounds, ok := a.catalog.Bounds()
	if !ok {
		writeError(w, http.StatusNotFound, "catalog has no points of interest")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bounds":      bounds,
		"park_bounds": a.catalog.Park().Bounds,
	})
}

func (a *App) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := a.deviceStatuses()
	if devices == nil {
		devices = []deviceStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *App) handleDevice(w http.ResponseWriter, r *http.Request) {
	status, err := a.deviceStatus(mux.Vars(r)["id"])
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// readingView is a reading as the debug screen shows it.
type readingView struct {
	model.BeaconReading
	DistanceLabel string `json:"distance_label"`
	PlaceID       string `json:"place_id,omitempty"`
}

func (a *App) handleReadings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := a.deviceStatus(id); err != nil {
		writeDeviceError(w, err)
		return
	}

	readings := a.state.Readings(id)
	views := make([]readingView, 0, len(readings))
	for _, rd := range readings {
		v := readingView{BeaconReading: rd, DistanceLabel: "N/A"}
		if rd.Distance != nil {
			v.DistanceLabel = fmt.Sprintf("%.2f m", *rd.Distance)
		}
		if poi, ok := a.catalog.Lookup(rd); ok {
			v.PlaceID = poi.ID
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "readings": views})
}

func (a *App) handleClosestPlace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cp := a.state.ClosestPlace(id)
	if cp == nil {
		writeError(w, http.StatusNotFound, "no closest place")
		return
	}

	resp := map[string]any{
		"device_id":          id,
		"closest_place":      cp,
		"notify_eligible_at": cp.Timestamp.Add(proximity.Cooldown),
	}
	if poi, ok := a.catalog.Place(cp.ID); ok {
		resp["place"] = poi
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleResetClosestPlace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.state.ResetClosestPlace(ctx, id); err != nil {
		a.logger.Error("failed to reset closest place", "device", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset closest place")
		return
	}
	a.logger.Info("closest place reset", "device", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleArrivals(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	arrivals, err := a.store.RecentArrivals(ctx, id, queryLimit(r, 50, 500))
	if err != nil {
		a.logger.Error("failed to load arrivals", "device", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load arrivals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "arrivals": arrivals})
}

func (a *App) handleNotifications(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	records, err := a.store.RecentNotifications(ctx, id, queryLimit(r, 50, 500))
	if err != nil {
		a.logger.Error("failed to load notifications", "device", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "notifications": records})
}

func (a *App) handleToasts(w http.ResponseWriter, r *http.Request) {
	a.toasts.ServeDevice(w, r, mux.Vars(r)["id"])
}

func (a *App) handlePostLifecycle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := a.ingestLifecycle(r.Context(), id, "devices/"+id+"/"+topicLifecycle, body); err != nil {
		switch {
		case errors.Is(err, errInvalidPayload):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, proximity.ErrPermissionDenied):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}

	status, _ := a.deviceStatus(id)
	writeJSON(w, http.StatusOK, status)
}

func (a *App) handlePostRanging(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := a.ingestRanging(r.Context(), id, "devices/"+id+"/"+topicRanging, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeDeviceError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnknownDevice) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func queryLimit(r *http.Request, fallback, max int) int {
	limit := fallback
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= max {
			limit = parsed
		}
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
