package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkguide/go-proximity-server/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Notification
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Notify(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type capturePublisher struct {
	topic   string
	payload []byte
	err     error
}

func (p *capturePublisher) Publish(topic string, payload []byte) error {
	p.topic = topic
	p.payload = payload
	return p.err
}

type memoryRecorder struct {
	mu   sync.Mutex
	recs []model.NotificationRecord
}

func (r *memoryRecorder) InsertNotification(_ context.Context, rec model.NotificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memoryRecorder) all() []model.NotificationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.NotificationRecord(nil), r.recs...)
}

func TestNew_Identifier(t *testing.T) {
	n := New("phone", "cedro_libano", "Cedro del Libano", "You are near", "esterzili://place/cedro_libano", time.Now())

	assert.Equal(t, "beacon-cedro_libano", n.Identifier)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, "esterzili://place/cedro_libano", n.Payload().Data["url"])
}

func TestPushSink_PublishesToDeviceTopic(t *testing.T) {
	pub := &capturePublisher{}
	sink := NewPushSink(pub)
	n := New("phone-1", "piazzale", "Piazzale", "body", "u", time.Now())

	require.NoError(t, sink.Notify(context.Background(), n))
	assert.Equal(t, "devices/phone-1/notifications", pub.topic)

	var p Payload
	require.NoError(t, json.Unmarshal(pub.payload, &p))
	assert.Equal(t, "beacon-piazzale", p.Identifier)
	assert.Equal(t, "Piazzale", p.Title)

	pub.err = errors.New("broker down")
	assert.Error(t, sink.Notify(context.Background(), n))
}

func TestSelector_Routing(t *testing.T) {
	toast := &recordingSink{name: "toast"}
	push := &recordingSink{name: "push"}
	foreground := map[string]bool{"fg": true}
	sel := NewSelector(toast, push, func(id string) bool { return foreground[id] })
	ctx := context.Background()

	name, err := sel.Deliver(ctx, Notification{DeviceID: "fg"})
	require.NoError(t, err)
	assert.Equal(t, "toast", name)

	name, err = sel.Deliver(ctx, Notification{DeviceID: "bg"})
	require.NoError(t, err)
	assert.Equal(t, "push", name)

	assert.Equal(t, 1, toast.count())
	assert.Equal(t, 1, push.count())
}

func TestSelector_FallsBackWhenNoToastListener(t *testing.T) {
	toast := &recordingSink{name: "toast", err: ErrNoListener}
	push := &recordingSink{name: "push"}
	sel := NewSelector(toast, push, func(string) bool { return true })

	name, err := sel.Deliver(context.Background(), Notification{DeviceID: "fg"})
	require.NoError(t, err)
	assert.Equal(t, "push", name)
}

func TestSelector_ToastErrorIsReported(t *testing.T) {
	toast := &recordingSink{name: "toast", err: errors.New("write failed")}
	push := &recordingSink{name: "push"}
	sel := NewSelector(toast, push, func(string) bool { return true })

	name, err := sel.Deliver(context.Background(), Notification{DeviceID: "fg"})
	assert.Error(t, err)
	assert.Equal(t, "toast", name)
	assert.Equal(t, 0, push.count())
}

func TestDispatcher_DeliversAndRecords(t *testing.T) {
	push := &recordingSink{name: "push"}
	rec := &memoryRecorder{}
	var observed []string
	var mu sync.Mutex

	d := NewDispatcher(NewSelector(nil, push, nil), rec, discardLogger(), DispatcherOptions{
		Observe: func(sink, status string) {
			mu.Lock()
			observed = append(observed, sink+":"+status)
			mu.Unlock()
		},
	})

	assert.True(t, d.Dispatch(New("d", "a", "A", "b", "u", time.Now())))
	d.Close()

	assert.Equal(t, 1, push.count())
	recs := rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, StatusSent, recs[0].Status)
	assert.Equal(t, "push", recs[0].Sink)
	assert.Equal(t, []string{"push:sent"}, observed)

	assert.False(t, d.Dispatch(Notification{}), "closed dispatcher rejects work")
	d.Close()
}

func TestDispatcher_FailureIsRecordedNotPropagated(t *testing.T) {
	push := &recordingSink{name: "push", err: errors.New("unreachable")}
	rec := &memoryRecorder{}

	d := NewDispatcher(NewSelector(nil, push, nil), rec, discardLogger(), DispatcherOptions{})
	assert.True(t, d.Dispatch(New("d", "a", "A", "b", "u", time.Now())))
	d.Close()

	recs := rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, StatusFailed, recs[0].Status)
	assert.Contains(t, recs[0].Error, "unreachable")
}

type blockingDeliverer struct {
	release chan struct{}
}

func (b *blockingDeliverer) Deliver(context.Context, Notification) (string, error) {
	<-b.release
	return "push", nil
}

func TestDispatcher_DoesNotBlockCaller(t *testing.T) {
	bd := &blockingDeliverer{release: make(chan struct{})}
	rec := &memoryRecorder{}
	d := NewDispatcher(bd, rec, discardLogger(), DispatcherOptions{QueueSize: 1})

	start := time.Now()
	accepted := 0
	for i := 0; i < 5; i++ {
		if d.Dispatch(Notification{ID: "n"}) {
			accepted++
		}
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, accepted, 1)
	assert.Less(t, accepted, 5)

	close(bd.release)
	d.Close()

	dropped := 0
	for _, r := range rec.all() {
		if r.Status == StatusDropped {
			dropped++
		}
	}
	assert.Equal(t, 5-accepted, dropped)
}

type stallingRecorder struct {
	memoryRecorder
	release chan struct{}
}

func (r *stallingRecorder) InsertNotification(ctx context.Context, rec model.NotificationRecord) error {
	<-r.release
	return r.memoryRecorder.InsertNotification(ctx, rec)
}

func TestDispatcher_DropRecordDoesNotBlockCaller(t *testing.T) {
	bd := &blockingDeliverer{release: make(chan struct{})}
	rec := &stallingRecorder{release: make(chan struct{})}
	d := NewDispatcher(bd, rec, discardLogger(), DispatcherOptions{QueueSize: 1})

	done := make(chan int, 1)
	go func() {
		rejected := 0
		for i := 0; i < 5; i++ {
			if !d.Dispatch(Notification{ID: "n"}) {
				rejected++
			}
		}
		done <- rejected
	}()

	var rejected int
	select {
	case rejected = <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch waited on the recorder")
	}
	assert.GreaterOrEqual(t, rejected, 3)

	close(rec.release)
	close(bd.release)
	d.Close()

	dropped := 0
	for _, r := range rec.all() {
		if r.Status == StatusDropped {
			dropped++
		}
	}
	assert.Equal(t, rejected, dropped)
}

func TestToastHub_DeliversToConnectedDevice(t *testing.T) {
	hub := NewToastHub(discardLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeDevice(w, r, r.URL.Query().Get("device"))
	}))
	defer srv.Close()
	defer hub.Close()

	err := hub.Notify(context.Background(), Notification{DeviceID: "phone"})
	assert.ErrorIs(t, err, ErrNoListener)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?device=phone"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Listeners("phone") == 1 }, time.Second, 10*time.Millisecond)

	n := New("phone", "piazzale", "Piazzale", "body", "u", time.Now())
	require.NoError(t, hub.Notify(context.Background(), n))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got Payload
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, "Piazzale", got.Title)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Listeners("phone") == 0 }, time.Second, 10*time.Millisecond)
}
