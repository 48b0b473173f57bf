package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigma-snaken/sigma-patrol/internal/logging"
	"github.com/sigma-snaken/sigma-patrol/internal/model"
	"github.com/sigma-snaken/sigma-patrol/internal/relay"
	"github.com/sigma-snaken/sigma-patrol/internal/retry"
	"github.com/sigma-snaken/sigma-patrol/internal/robot"
)

type recordStore struct {
	mu     sync.Mutex
	events []model.AlertEvent
}

func (s *recordStore) AppendAlert(_ context.Context, ev model.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordStore) all() []model.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AlertEvent(nil), s.events...)
}

// scriptedConn replays a fixed list of messages, then fails.
type scriptedConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.messages) == 0 {
		return 0, nil, errors.New("connection closed")
	}
	msg := c.messages[0]
	c.messages = c.messages[1:]
	return 1, msg, nil
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func captureFixed(data []byte) CaptureFunc {
	return func(context.Context) (robot.Frame, error) {
		return robot.Frame{Data: data, MimeType: "image/jpeg"}, nil
	}
}

func newTestMonitor(t *testing.T, store EventStore) *Monitor {
	t.Helper()
	m := NewMonitor(NewClient("http://127.0.0.1:1", logging.Nop()), store, nil, Config{
		Cooldown: 100 * time.Millisecond,
		Logger:   logging.Nop(),
	})
	m.runID = 7
	m.streams["s-1"] = Stream{
		Name:    "sigma-cam",
		Type:    relay.StreamCamera,
		Capture: captureFixed([]byte{0xff, 0xd8}),
	}
	return m
}

func TestHandleEventPersists(t *testing.T) {
	store := &recordStore{}
	m := newTestMonitor(t, store)
	m.cfg.EvidenceDir = t.TempDir()

	m.handleEvent(context.Background(), Event{StreamID: "s-1", Rule: "person present"})

	events := store.all()
	require.Len(t, events, 1)
	assert.Equal(t, int64(7), events[0].RunID)
	assert.Equal(t, "person present", events[0].Rule)
	assert.Equal(t, string(relay.StreamCamera), events[0].StreamType)
	assert.FileExists(t, events[0].ImagePath)
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	store := &recordStore{}
	m := newTestMonitor(t, store)

	m.handleEvent(context.Background(), Event{StreamID: "s-1", Rule: "door open"})
	m.handleEvent(context.Background(), Event{StreamID: "s-1", Rule: "door open"})
	assert.Len(t, store.all(), 1)

	// different rule is not affected by the first rule's cooldown
	m.handleEvent(context.Background(), Event{StreamID: "s-1", Rule: "window open"})
	assert.Len(t, store.all(), 2)

	time.Sleep(150 * time.Millisecond)
	m.handleEvent(context.Background(), Event{StreamID: "s-1", Rule: "door open"})
	assert.Len(t, store.all(), 3)
}

func TestPauseSuppressesEvents(t *testing.T) {
	store := &recordStore{}
	m := newTestMonitor(t, store)

	m.Pause()
	m.handleEvent(context.Background(), Event{StreamID: "s-1", Rule: "door open"})
	assert.Empty(t, store.all())

	m.Resume()
	m.handleEvent(context.Background(), Event{StreamID: "s-1", Rule: "door open"})
	assert.Len(t, store.all(), 1)
}

func TestUnknownStreamDropped(t *testing.T) {
	store := &recordStore{}
	m := newTestMonitor(t, store)

	m.handleEvent(context.Background(), Event{StreamID: "nope", Rule: "door open"})
	assert.Empty(t, store.all())
}

func TestListenerReconnectBound(t *testing.T) {
	store := &recordStore{}
	m := newTestMonitor(t, store)
	m.cfg.Reconnect = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	dials := 0
	m.dial = func(context.Context, string) (wsConn, error) {
		dials++
		return nil, errors.New("refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.listen(ctx)

	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not give up after exhausting attempts")
	}
	assert.Equal(t, 3, dials)
}

func TestListenerBacksOffWhenConnectionsNeverDeliver(t *testing.T) {
	store := &recordStore{}
	m := newTestMonitor(t, store)
	m.cfg.Reconnect = retry.Policy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond}

	var mu sync.Mutex
	dials := 0
	m.dial = func(context.Context, string) (wsConn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		// accepted, but the first read fails immediately
		return &scriptedConn{}, nil
	}

	start := time.Now()
	go m.listen(context.Background())

	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not give up on connections that never deliver")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, dials)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "redials must wait out the backoff delay")
}

func TestListenerResetsAfterDeliveredConnection(t *testing.T) {
	store := &recordStore{}
	m := newTestMonitor(t, store)
	m.cfg.Reconnect = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

	msg, err := json.Marshal(Event{StreamID: "s-1", Rule: "door open"})
	require.NoError(t, err)

	var mu sync.Mutex
	dials := 0
	m.dial = func(context.Context, string) (wsConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 2 {
			return &scriptedConn{messages: [][]byte{msg}}, nil
		}
		return &scriptedConn{}, nil
	}

	go m.listen(context.Background())

	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not exit")
	}
	mu.Lock()
	defer mu.Unlock()
	// dial 1 burns an attempt, dial 2 delivers and resets the counter, so a
	// third dial happens before the bound is hit again.
	assert.Equal(t, 3, dials)
	assert.Len(t, store.all(), 1)
}

func TestListenerDeliversEvents(t *testing.T) {
	store := &recordStore{}
	m := newTestMonitor(t, store)
	m.cfg.Reconnect = retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}

	msg, err := json.Marshal(Event{StreamID: "s-1", Rule: "smoke visible"})
	require.NoError(t, err)
	first := true
	m.dial = func(context.Context, string) (wsConn, error) {
		if !first {
			return nil, errors.New("refused")
		}
		first = false
		return &scriptedConn{messages: [][]byte{msg}}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.listen(ctx)

	require.Eventually(t, func() bool {
		return len(store.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "smoke visible", store.all()[0].Rule)
}

func TestStartCleansStaleAndStopDeregisters(t *testing.T) {
	var mu sync.Mutex
	deleted := []string{}
	registered := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/live-stream":
			json.NewEncoder(w).Encode([]Registration{
				{ID: "old-1", Name: "sigma-cam-leftover"},
				{ID: "other", Name: "someone-else"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/live-stream":
			mu.Lock()
			registered++
			mu.Unlock()
			json.NewEncoder(w).Encode(Registration{ID: "new-1"})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/alerts":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodDelete:
			mu.Lock()
			deleted = append(deleted, r.URL.Path)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m := NewMonitor(NewClient(srv.URL, logging.Nop()), &recordStore{}, nil, Config{
		NamePrefix: "sigma-cam",
		Reconnect:  retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		Logger:     logging.Nop(),
	})
	m.dial = func(ctx context.Context, _ string) (wsConn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx := context.Background()
	require.NoError(t, m.Start(ctx, 1, []Stream{{Name: "sigma-cam", URL: "rtsp://x", Type: relay.StreamCamera}}, []string{"r1"}))
	m.Stop(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, registered)
	assert.Contains(t, deleted, "/api/v1/live-stream/old-1")
	assert.NotContains(t, deleted, "/api/v1/live-stream/other")
	assert.Contains(t, deleted, "/api/v1/live-stream/new-1")
}

func TestStaleCleanupIgnoresNameCase(t *testing.T) {
	var mu sync.Mutex
	deleted := []string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/live-stream":
			json.NewEncoder(w).Encode([]Registration{
				{ID: "old-1", Name: "sigma-cam"},
				{ID: "other", Name: "delta-cam"},
			})
		case r.Method == http.MethodDelete:
			mu.Lock()
			deleted = append(deleted, r.URL.Path)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m := NewMonitor(NewClient(srv.URL, logging.Nop()), &recordStore{}, nil, Config{
		NamePrefix: "Sigma",
		Logger:     logging.Nop(),
	})
	m.cleanupStale(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, deleted, "/api/v1/live-stream/old-1")
	assert.NotContains(t, deleted, "/api/v1/live-stream/other")
}

func TestStartFailsWhenServiceUnreachable(t *testing.T) {
	m := NewMonitor(NewClient("http://127.0.0.1:1", logging.Nop()), &recordStore{}, nil, Config{Logger: logging.Nop()})
	err := m.Start(context.Background(), 1, []Stream{{Name: "cam", URL: "rtsp://x"}}, []string{"r1"})
	require.Error(t, err)
}
