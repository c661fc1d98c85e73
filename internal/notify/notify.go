// Package notify delivers arrival notifications to visitor devices.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoListener indicates a sink has nobody to deliver to.
var ErrNoListener = errors.New("no listener connected")

// Notification is an arrival message for one device.
type Notification struct {
	ID         string
	Identifier string
	DeviceID   string
	PlaceID    string
	Title      string
	Body       string
	URL        string
	CreatedAt  time.Time
}

// New builds a notification for an arrival. The identifier is stable per place so a
// device replaces the previous notification for the same place.
func New(deviceID, placeID, title, body, url string, now time.Time) Notification {
	return Notification{
		ID:         uuid.NewString(),
		Identifier: "beacon-" + placeID,
		DeviceID:   deviceID,
		PlaceID:    placeID,
		Title:      title,
		Body:       body,
		URL:        url,
		CreatedAt:  now,
	}
}

// Payload is the wire form devices receive.
type Payload struct {
	ID         string            `json:"id"`
	Identifier string            `json:"identifier"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data"`
}

// Payload converts the notification to its wire form.
func (n Notification) Payload() Payload {
	return Payload{
		ID:         n.ID,
		Identifier: n.Identifier,
		Title:      n.Title,
		Body:       n.Body,
		Data: map[string]string{
			"url":      n.URL,
			"place_id": n.PlaceID,
		},
	}
}

// Sink delivers notifications over one channel.
type Sink interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Publisher sends a message on a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// NotificationsTopic is the topic a device subscribes to for OS notifications.
func NotificationsTopic(deviceID string) string {
	return fmt.Sprintf("devices/%s/notifications", deviceID)
}

// PushSink schedules an OS notification on the device by publishing to its
// notifications topic.
type PushSink struct {
	pub Publisher
}

// NewPushSink creates a push sink over the given publisher.
func NewPushSink(pub Publisher) *PushSink {
	return &PushSink{pub: pub}
}

func (s *PushSink) Name() string { return "push" }

func (s *PushSink) Notify(_ context.Context, n Notification) error {
	data, err := json.Marshal(n.Payload())
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := s.pub.Publish(NotificationsTopic(n.DeviceID), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Selector routes a notification to the in-app toast when the device is in the
// foreground and to a push notification otherwise. A foreground device with no
// toast listener falls back to push.
type Selector struct {
	toast      Sink
	push       Sink
	foreground func(deviceID string) bool
}

// NewSelector creates a selector. foreground reports the app state of a device.
func NewSelector(toast, push Sink, foreground func(deviceID string) bool) *Selector {
	return &Selector{toast: toast, push: push, foreground: foreground}
}

// Deliver sends n and reports the name of the sink that handled it.
func (s *Selector) Deliver(ctx context.Context, n Notification) (string, error) {
	if s.toast != nil && s.foreground != nil && s.foreground(n.DeviceID) {
		err := s.toast.Notify(ctx, n)
		if err == nil || !errors.Is(err, ErrNoListener) || s.push == nil {
			return s.toast.Name(), err
		}
	}
	if s.push == nil {
		return "", ErrNoListener
	}
	return s.push.Name(), s.push.Notify(ctx, n)
}
