package debugview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoClosestPlace is returned when the device has not been near any place yet.
var ErrNoClosestPlace = errors.New("no closest place")

// Reading is one row of the server's readings view.
type Reading struct {
	UUID          *string   `json:"uuid"`
	Major         *int      `json:"major"`
	Minor         *int      `json:"minor"`
	Distance      *float64  `json:"distance"`
	Timestamp     time.Time `json:"timestamp"`
	DistanceLabel string    `json:"distance_label"`
	PlaceID       string    `json:"place_id"`
}

// ClosestPlace is the server's closest-place view.
type ClosestPlace struct {
	ID               string
	Title            string
	DetectedAt       time.Time
	NotifyEligibleAt time.Time
}

// Source is what the debug screen polls.
type Source interface {
	Readings(ctx context.Context, deviceID string) ([]Reading, error)
	ClosestPlace(ctx context.Context, deviceID string) (ClosestPlace, error)
	ResetClosestPlace(ctx context.Context, deviceID string) error
}

// Client talks to the proximity server HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL, e.g. http://localhost:8080.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Readings returns the latest ranging batch of a device.
func (c *Client) Readings(ctx context.Context, deviceID string) ([]Reading, error) {
	var body struct {
		Readings []Reading `json:"readings"`
	}
	if err := c.get(ctx, c.devicePath(deviceID, "readings"), &body); err != nil {
		return nil, fmt.Errorf("get readings: %w", err)
	}
	return body.Readings, nil
}

// ClosestPlace returns the device's closest place or ErrNoClosestPlace.
func (c *Client) ClosestPlace(ctx context.Context, deviceID string) (ClosestPlace, error) {
	var body struct {
		ClosestPlace struct {
			ID        string    `json:"id"`
			Timestamp time.Time `json:"timestamp"`
		} `json:"closest_place"`
		NotifyEligibleAt time.Time `json:"notify_eligible_at"`
		Place            *struct {
			Title string `json:"title"`
		} `json:"place"`
	}
	if err := c.get(ctx, c.devicePath(deviceID, "closest-place"), &body); err != nil {
		var status *statusError
		if errors.As(err, &status) && status.code == http.StatusNotFound {
			return ClosestPlace{}, ErrNoClosestPlace
		}
		return ClosestPlace{}, fmt.Errorf("get closest place: %w", err)
	}

	cp := ClosestPlace{
		ID:               body.ClosestPlace.ID,
		DetectedAt:       body.ClosestPlace.Timestamp,
		NotifyEligibleAt: body.NotifyEligibleAt,
	}
	if body.Place != nil {
		cp.Title = body.Place.Title
	}
	return cp, nil
}

// ResetClosestPlace clears the device's closest place so the next arrival notifies.
func (c *Client) ResetClosestPlace(ctx context.Context, deviceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+c.devicePath(deviceID, "closest-place"), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reset closest place: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reset closest place: %w", readStatusError(resp))
	}
	return nil
}

func (c *Client) devicePath(deviceID, resource string) string {
	return "/api/devices/" + url.PathEscape(deviceID) + "/" + resource
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readStatusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("server returned %d", e.code)
	}
	return fmt.Sprintf("server returned %d: %s", e.code, e.message)
}

func readStatusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &body)
	return &statusError{code: resp.StatusCode, message: body.Error}
}
