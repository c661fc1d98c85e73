package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	toastWriteWait = 5 * time.Second
	toastPongWait  = 60 * time.Second
	toastPingEvery = toastPongWait * 9 / 10
)

type toastClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *toastClient) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(toastWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *toastClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(toastWriteWait))
}

// ToastHub pushes in-app toasts to devices holding a websocket open.
type ToastHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*toastClient]struct{}
}

// NewToastHub creates an empty hub.
func NewToastHub(logger *slog.Logger) *ToastHub {
	return &ToastHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]map[*toastClient]struct{}),
	}
}

func (h *ToastHub) Name() string { return "toast" }

// ServeDevice upgrades the request and holds the connection until the client leaves.
func (h *ToastHub) ServeDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("toast upgrade failed", "device", deviceID, "error", err)
		return
	}

	client := &toastClient{conn: conn}
	h.add(deviceID, client)
	h.logger.Info("toast listener connected", "device", deviceID)

	defer func() {
		h.remove(deviceID, client)
		_ = conn.Close()
		h.logger.Info("toast listener disconnected", "device", deviceID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(toastPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(toastPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(toastPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Listeners returns the number of open connections for a device.
func (h *ToastHub) Listeners(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[deviceID])
}

// Notify writes the toast to every connection of the device.
func (h *ToastHub) Notify(_ context.Context, n Notification) error {
	h.mu.RLock()
	targets := make([]*toastClient, 0, len(h.clients[n.DeviceID]))
	for c := range h.clients[n.DeviceID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNoListener
	}

	payload := n.Payload()
	var errs []error
	for _, c := range targets {
		if err := c.write(payload); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

// Close disconnects every listener.
func (h *ToastHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.clients {
		for c := range set {
			_ = c.conn.Close()
		}
		delete(h.clients, id)
	}
}

func (h *ToastHub) add(deviceID string, c *toastClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[deviceID]
	if !ok {
		set = make(map[*toastClient]struct{})
		h.clients[deviceID] = set
	}
	set[c] = struct{}{}
}

func (h *ToastHub) remove(deviceID string, c *toastClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[deviceID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, deviceID)
	}
}
