package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"parkguide/go-proximity-server/internal/model"
	"parkguide/go-proximity-server/internal/mqttbroker"
)

const (
	topicLifecycle = "lifecycle"
	topicRanging   = "ranging"
)

// Lifecycle events a device reports.
const (
	eventScanStart  = "scan_start"
	eventScanStop   = "scan_stop"
	eventForeground = "foreground"
	eventBackground = "background"
)

var errInvalidPayload = errors.New("invalid payload")

type lifecycleEvent struct {
	Event              string `json:"event"`
	PermissionsGranted *bool  `json:"permissions_granted"`
}

type wireReading struct {
	UUID     *string  `json:"uuid"`
	Major    *int     `json:"major"`
	Minor    *int     `json:"minor"`
	Distance *float64 `json:"distance"`
}

type rangingEnvelope struct {
	Beacons *[]wireReading `json:"beacons"`
}

// parseDeviceTopic splits devices/<id>/<kind>.
func parseDeviceTopic(topic string) (deviceID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	deviceID, kind, ok := parseDeviceTopic(msg.Topic)
	if !ok {
		return
	}

	switch kind {
	case topicLifecycle:
		_ = a.ingestLifecycle(ctx, deviceID, msg.Topic, msg.Payload)
	case topicRanging:
		_ = a.ingestRanging(ctx, deviceID, msg.Topic, msg.Payload)
	default:
		// notifications and anything else are device-bound
	}
}

// ingestLifecycle applies a lifecycle event. Validation failures are recorded and
// returned wrapped in errInvalidPayload.
func (a *App) ingestLifecycle(ctx context.Context, deviceID, topic string, payload []byte) error {
	var ev lifecycleEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return a.reject(ctx, deviceID, topic, topicLifecycle, payload, fmt.Errorf("decode lifecycle payload: %w", err))
	}

	event := strings.ToLower(strings.TrimSpace(ev.Event))
	switch event {
	case eventScanStart:
		granted := ev.PermissionsGranted == nil || *ev.PermissionsGranted
		if err := a.startDevice(deviceID, granted); err != nil {
			a.logger.Warn("device scan not started", "device", deviceID, "error", err)
			return err
		}
	case eventScanStop:
		if err := a.stopDevice(ctx, deviceID); err != nil {
			a.logger.Warn("device scan stop failed", "device", deviceID, "error", err)
			return err
		}
	case eventForeground, eventBackground:
		a.state.SetForeground(deviceID, event == eventForeground)
	default:
		return a.reject(ctx, deviceID, topic, topicLifecycle, payload, fmt.Errorf("unknown lifecycle event %q", ev.Event))
	}

	a.logger.Info("device lifecycle event", "device", deviceID, "event", event)
	return nil
}

// ingestRanging validates a ranging payload and pushes it to the device session.
func (a *App) ingestRanging(ctx context.Context, deviceID, topic string, payload []byte) error {
	batch, err := decodeRanging(payload)
	if err != nil {
		return a.reject(ctx, deviceID, topic, topicRanging, payload, err)
	}

	a.pushRanging(deviceID, batch)
	return nil
}

// decodeRanging accepts {"beacons":[...]} or a bare array. Negative distances are
// the platform's "unknown" and become nil.
func decodeRanging(payload []byte) ([]model.RawReading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.New("empty ranging payload")
	}

	var wire []wireReading
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return nil, fmt.Errorf("decode ranging payload: %w", err)
		}
	} else {
		var env rangingEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("decode ranging payload: %w", err)
		}
		if env.Beacons == nil {
			return nil, errors.New("ranging payload missing beacons")
		}
		wire = *env.Beacons
	}

	batch := make([]model.RawReading, 0, len(wire))
	for i, w := range wire {
		r := model.RawReading{Major: w.Major, Minor: w.Minor, Distance: w.Distance}
		if w.UUID != nil {
			id, err := uuid.Parse(strings.TrimSpace(*w.UUID))
			if err != nil {
				return nil, fmt.Errorf("beacon %d: invalid uuid %q", i, *w.UUID)
			}
			s := strings.ToUpper(id.String())
			r.UUID = &s
		}
		if err := checkIdentifier("major", w.Major); err != nil {
			return nil, fmt.Errorf("beacon %d: %w", i, err)
		}
		if err := checkIdentifier("minor", w.Minor); err != nil {
			return nil, fmt.Errorf("beacon %d: %w", i, err)
		}
		if r.Distance != nil && *r.Distance < 0 {
			r.Distance = nil
		}
		batch = append(batch, r)
	}
	return batch, nil
}

func checkIdentifier(name string, v *int) error {
	if v != nil && (*v < 0 || *v > 0xFFFF) {
		return fmt.Errorf("%s %d out of range", name, *v)
	}
	return nil
}

func (a *App) reject(ctx context.Context, deviceID, topic, kind string, payload []byte, cause error) error {
	a.logger.Warn("device payload rejected", "device", deviceID, "topic", topic, "error", cause)
	a.metrics.ingestionErrors.WithLabelValues(kind).Inc()
	a.recordIngestionError(ctx, deviceID, topic, payload, cause)
	return fmt.Errorf("%w: %w", errInvalidPayload, cause)
}

func (a *App) recordIngestionError(ctx context.Context, deviceID, topic string, payload []byte, cause error) {
	if a.store == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		DeviceID: deviceID,
		Topic:    topic,
		Payload:  truncateString(string(payload), 4096),
		Error:    cause.Error(),
	}

	if err := a.store.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
