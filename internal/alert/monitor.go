package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sigma-snaken/sigma-patrol/internal/logging"
	"github.com/sigma-snaken/sigma-patrol/internal/metrics"
	"github.com/sigma-snaken/sigma-patrol/internal/model"
	"github.com/sigma-snaken/sigma-patrol/internal/notify"
	"github.com/sigma-snaken/sigma-patrol/internal/relay"
	"github.com/sigma-snaken/sigma-patrol/internal/retry"
	"github.com/sigma-snaken/sigma-patrol/internal/robot"
)

const (
	// DefaultCooldown suppresses repeat events for the same rule.
	DefaultCooldown = 60 * time.Second

	cooldownCacheSize = 128
)

// CaptureFunc produces an evidence frame for a triggered rule.
type CaptureFunc func(ctx context.Context) (robot.Frame, error)

// Stream is one video source the monitor watches during a run.
type Stream struct {
	Name    string
	URL     string
	Type    relay.StreamType
	Capture CaptureFunc
}

// Event is one inbound trigger from the vision-alerting service.
type Event struct {
	StreamID string `json:"stream_id"`
	Rule     string `json:"rule"`
}

// EventStore persists triggered alert events.
type EventStore interface {
	AppendAlert(ctx context.Context, ev model.AlertEvent) error
}

type wsConn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func gorillaDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config tunes the live monitor.
type Config struct {
	// Cooldown is the per-rule suppression window. Defaults to DefaultCooldown.
	Cooldown time.Duration
	// Reconnect governs the event-listener reconnect loop. Defaults to a
	// fixed 5s delay with 10 attempts; a successful connection resets the
	// attempt counter.
	Reconnect retry.Policy
	// EvidenceDir receives captured alert frames.
	EvidenceDir string
	// NamePrefix identifies this robot's own registrations during stale
	// cleanup. Registrations whose name carries the prefix (compared
	// case-insensitively) are deleted on start; anything else is left alone.
	NamePrefix string

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Reconnect.MaxAttempts == 0 && c.Reconnect.BaseDelay == 0 {
		c.Reconnect = retry.Policy{MaxAttempts: 10, BaseDelay: 5 * time.Second}
	}
	c.Logger = logging.OrNop(c.Logger)
	return c
}

// Monitor registers streams and rules for one patrol run and reacts to
// triggered events. One Monitor serves one run; the orchestrator creates a
// fresh instance per run.
type Monitor struct {
	client   *Client
	store    EventStore
	notifier notify.Notifier
	cfg      Config
	dial     dialFunc

	mu       sync.Mutex
	paused   bool
	streams  map[string]Stream // remote stream id -> stream
	cooldown *expirable.LRU[string, time.Time]
	runID    int64

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor builds a monitor against the given service client.
func NewMonitor(client *Client, store EventStore, notifier notify.Notifier, cfg Config) *Monitor {
	if notifier == nil {
		notifier = notify.Nop()
	}
	cfg = cfg.withDefaults()
	return &Monitor{
		client:   client,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		dial:     gorillaDial,
		streams:  make(map[string]Stream),
		cooldown: expirable.NewLRU[string, time.Time](cooldownCacheSize, nil, cfg.Cooldown),
		done:     make(chan struct{}),
	}
}

// Start cleans up stale registrations, registers every stream with its
// rules, and opens the event listener. Streams that fail to register are
// skipped; Start fails only when no stream registered at all.
func (m *Monitor) Start(ctx context.Context, runID int64, streams []Stream, rules []string) error {
	m.cleanupStale(ctx)

	registered := 0
	m.mu.Lock()
	m.runID = runID
	m.mu.Unlock()
	for _, stream := range streams {
		id, err := m.client.RegisterStream(ctx, stream.Name, stream.URL)
		if err != nil {
			m.cfg.Logger.Warn("register stream %q failed: %v", stream.Name, err)
			continue
		}
		if err := m.client.SetRules(ctx, id, rules); err != nil {
			m.cfg.Logger.Warn("set rules for stream %q failed: %v", stream.Name, err)
			_ = m.client.DeleteStream(ctx, id)
			continue
		}
		m.mu.Lock()
		m.streams[id] = stream
		m.mu.Unlock()
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("live monitor: no stream registered")
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.listen(listenCtx)

	m.cfg.Logger.Info("live monitor started: %d stream(s), %d rule(s)", registered, len(rules))
	return nil
}

// cleanupStale removes registrations left over from an abnormal shutdown.
// Best effort: failures are logged and ignored.
func (m *Monitor) cleanupStale(ctx context.Context) {
	if m.cfg.NamePrefix == "" {
		return
	}
	regs, err := m.client.ListStreams(ctx)
	if err != nil {
		m.cfg.Logger.Warn("list registrations for stale cleanup failed: %v", err)
		return
	}
	for _, reg := range regs {
		if !strings.HasPrefix(strings.ToLower(reg.Name), strings.ToLower(m.cfg.NamePrefix)) {
			continue
		}
		if err := m.client.DeleteStream(ctx, reg.ID); err != nil {
			m.cfg.Logger.Warn("delete stale registration %s failed: %v", reg.ID, err)
			continue
		}
		m.cfg.Logger.Info("removed stale registration %s (%s)", reg.ID, reg.Name)
	}
}

// Pause suppresses event capture without tearing down registrations. Used
// around waypoint inspection so the robot's own motion cannot trigger rules.
func (m *Monitor) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume re-enables event capture.
func (m *Monitor) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

// Stop closes the event listener, deregisters every stream, and clears the
// cooldown state. Safe to call more than once.
func (m *Monitor) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
		m.mu.Lock()
		ids := make([]string, 0, len(m.streams))
		for id := range m.streams {
			ids = append(ids, id)
		}
		m.streams = make(map[string]Stream)
		m.mu.Unlock()
		for _, id := range ids {
			if err := m.client.DeleteStream(ctx, id); err != nil {
				m.cfg.Logger.Warn("deregister stream %s failed: %v", id, err)
			}
		}
		m.cooldown.Purge()
		m.cfg.Logger.Info("live monitor stopped")
	})
}

// listen maintains the event-socket connection. Disconnects are retried on
// a fixed delay up to the policy's attempt bound; exceeding it disables
// live alerts for the rest of the run without failing the run.
func (m *Monitor) listen(ctx context.Context) {
	defer close(m.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := m.dial(ctx, m.client.EventSocketURL())
		if err != nil {
			m.cfg.Logger.Warn("event socket connect failed (attempt %d): %v", attempt+1, err)
		} else if m.readLoop(ctx, conn) {
			// Only a connection that delivered an event resets the
			// counter; a service that accepts and immediately drops
			// connections still burns attempts.
			attempt = 0
		}
		if ctx.Err() != nil {
			return
		}
		attempt++
		m.cfg.Metrics.IncReconnect()
		if m.cfg.Reconnect.Exhausted(attempt) {
			m.cfg.Logger.Error("event socket unreachable after %d attempts, live alerts disabled", attempt)
			return
		}
		if waitErr := m.cfg.Reconnect.Wait(ctx, attempt); waitErr != nil {
			return
		}
	}
}

// readLoop consumes events until the connection drops, reporting whether it
// delivered at least one message.
func (m *Monitor) readLoop(ctx context.Context, conn wsConn) (delivered bool) {
	defer conn.Close()

	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-closed:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.cfg.Logger.Warn("event socket read failed: %v", err)
			}
			return delivered
		}
		delivered = true
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			m.cfg.Logger.Warn("malformed alert event: %v", err)
			continue
		}
		m.handleEvent(ctx, ev)
	}
}

func (m *Monitor) handleEvent(ctx context.Context, ev Event) {
	m.mu.Lock()
	paused := m.paused
	stream, known := m.streams[ev.StreamID]
	runID := m.runID
	m.mu.Unlock()

	if paused {
		return
	}
	if !known {
		m.cfg.Logger.Debug("event for unknown stream %s dropped", ev.StreamID)
		return
	}
	if _, cooling := m.cooldown.Get(ev.Rule); cooling {
		return
	}
	m.cooldown.Add(ev.Rule, time.Now())

	event := model.AlertEvent{
		RunID:      runID,
		Rule:       ev.Rule,
		StreamType: string(stream.Type),
		Timestamp:  time.Now(),
	}
	if stream.Capture != nil {
		frame, err := stream.Capture(ctx)
		if err != nil {
			m.cfg.Logger.Warn("evidence capture for rule %q failed: %v", ev.Rule, err)
		} else if path, err := m.saveEvidence(runID, frame); err != nil {
			m.cfg.Logger.Warn("save evidence failed: %v", err)
		} else {
			event.ImagePath = path
			caption := fmt.Sprintf("Alert: %s", ev.Rule)
			if err := m.notifier.SendPhoto(ctx, frame.Data, caption); err != nil {
				m.cfg.Logger.Warn("alert notification failed: %v", err)
			}
		}
	}
	if m.store != nil {
		if err := m.store.AppendAlert(ctx, event); err != nil {
			m.cfg.Logger.Error("persist alert event failed: %v", err)
			return
		}
	}
	m.cfg.Metrics.IncAlertEvent(string(stream.Type))
	m.cfg.Logger.Info("alert event recorded: rule=%q stream=%s", ev.Rule, stream.Name)
}

func (m *Monitor) saveEvidence(runID int64, frame robot.Frame) (string, error) {
	if m.cfg.EvidenceDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(m.cfg.EvidenceDir, 0o755); err != nil {
		return "", fmt.Errorf("create evidence dir: %w", err)
	}
	name := fmt.Sprintf("alert_%d_%s.jpg", runID, time.Now().Format("20060102_150405.000"))
	path := filepath.Join(m.cfg.EvidenceDir, name)
	if err := os.WriteFile(path, frame.Data, 0o644); err != nil {
		return "", fmt.Errorf("write evidence: %w", err)
	}
	return path, nil
}
