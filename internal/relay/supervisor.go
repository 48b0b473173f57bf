// Package relay keeps video-encoding subprocesses alive: one per
// registered stream key, each pushing a source (robot camera frames or a
// copied network stream) to the RTSP ingest endpoint. A monitor loop
// restarts dead processes with capped exponential backoff.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sigma-snaken/sigma-patrol/internal/logging"
	"github.com/sigma-snaken/sigma-patrol/internal/retry"
)

// StreamType distinguishes the two relay source kinds.
type StreamType string

const (
	StreamCamera   StreamType = "camera_source"
	StreamExternal StreamType = "external_source"
)

// HandleState is the per-relay state machine. Transitions are driven only
// by Start/Stop calls and the monitor loop.
type HandleState string

const (
	StateStarting   HandleState = "Starting"
	StateRunning    HandleState = "Running"
	StateRestarting HandleState = "Restarting"
	StateDead       HandleState = "Dead"
	StateStopped    HandleState = "Stopped"
)

// FrameFunc supplies JPEG frames for camera-source relays.
type FrameFunc func(ctx context.Context) ([]byte, error)

// Config configures the supervisor.
type Config struct {
	FFmpegPath      string
	IngestInternal  string // host:port ffmpeg pushes to
	IngestExternal  string // host:port advertised to consumers
	MonitorInterval time.Duration
	FeederInterval  time.Duration
	StopGrace       time.Duration
	Restart         retry.Policy
	Presets         *PresetLibrary
}

func (c Config) withDefaults() Config {
	out := c
	if out.FFmpegPath == "" {
		out.FFmpegPath = "ffmpeg"
	}
	if out.MonitorInterval <= 0 {
		out.MonitorInterval = 10 * time.Second
	}
	if out.FeederInterval <= 0 {
		out.FeederInterval = 200 * time.Millisecond // 5 fps
	}
	if out.StopGrace <= 0 {
		out.StopGrace = 5 * time.Second
	}
	if out.Restart.MaxAttempts == 0 {
		out.Restart = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Exponential: true}
	}
	if out.Presets == nil {
		out.Presets = DefaultPresetLibrary()
	}
	return out
}

type handle struct {
	key        string
	streamType StreamType
	spec       commandSpec
	proc       process
	state      HandleState
	restarts   int
	lastAlive  time.Time
	startedAt  time.Time

	// Camera-source relays only.
	frames     FrameFunc
	feedCancel context.CancelFunc
	feedDone   chan struct{}
}

// HandleStatus is a point-in-time snapshot for the status API.
type HandleStatus struct {
	Key        string      `json:"key"`
	Type       StreamType  `json:"type"`
	State      HandleState `json:"state"`
	Restarts   int         `json:"restarts"`
	UptimeSecs float64     `json:"uptime_secs"`
}

// Supervisor owns the relay handle registry and its monitor loop.
type Supervisor struct {
	cfg      Config
	logger   logging.Logger
	launcher launcher

	mu      sync.Mutex
	handles map[string]*handle

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	closeOnce     sync.Once
}

// NewSupervisor creates a supervisor and starts its monitor loop.
func NewSupervisor(cfg Config, logger logging.Logger) *Supervisor {
	logger = logging.OrNop(logger)
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		launcher: execLauncher{logger: logger},
		handles:  map[string]*handle{},
	}
	s.startMonitor()
	return s
}

func newSupervisorWithLauncher(cfg Config, logger logging.Logger, l launcher) *Supervisor {
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		logger:   logging.OrNop(logger),
		launcher: l,
		handles:  map[string]*handle{},
	}
	return s
}

func (s *Supervisor) startMonitor() {
	ctx, cancel := context.WithCancel(context.Background())
	s.monitorCancel = cancel
	s.monitorDone = make(chan struct{})
	go func() {
		defer close(s.monitorDone)
		ticker := time.NewTicker(s.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.checkOnce(ctx)
			}
		}
	}()
}

// ingestURL builds the push target for a stream key.
func (s *Supervisor) ingestURL(key string) string {
	return fmt.Sprintf("rtsp://%s/%s", s.cfg.IngestInternal, key)
}

// PublicURL returns the consumer-facing stream address for a key.
func (s *Supervisor) PublicURL(key string) string {
	host := s.cfg.IngestExternal
	if host == "" {
		host = s.cfg.IngestInternal
	}
	return fmt.Sprintf("rtsp://%s/%s", host, key)
}

// StartCamera starts (or finds running) a relay that encodes robot camera
// frames. Idempotent per key: a live relay is left untouched.
func (s *Supervisor) StartCamera(key string, frames FrameFunc) (string, error) {
	preset := s.cfg.Presets.Get("camera")
	spec := commandSpec{
		Path: s.cfg.FFmpegPath,
		Args: append(append([]string{
			"-y",
			"-f", "image2pipe",
			"-framerate", "5",
			"-i", "pipe:0",
		}, preset.Args()...),
			"-f", "rtsp",
			"-rtsp_transport", "tcp",
			s.ingestURL(key),
		),
		PipeStdin: true,
	}
	return s.start(key, StreamCamera, spec, frames)
}

// StartCopy starts (or finds running) a relay that copies an existing
// network stream to the ingest endpoint without re-encoding.
func (s *Supervisor) StartCopy(key, sourceURL string) (string, error) {
	spec := commandSpec{
		Path: s.cfg.FFmpegPath,
		Args: []string{
			"-y",
			"-rtsp_transport", "tcp",
			"-i", sourceURL,
			"-c:v", "copy",
			"-an",
			"-f", "rtsp",
			"-rtsp_transport", "tcp",
			s.ingestURL(key),
		},
	}
	return s.start(key, StreamExternal, spec, nil)
}

func (s *Supervisor) start(key string, streamType StreamType, spec commandSpec, frames FrameFunc) (string, error) {
	s.mu.Lock()
	if h, ok := s.handles[key]; ok && h.proc != nil && h.proc.Alive() {
		s.mu.Unlock()
		s.logger.Info("relay %s already running", key)
		return s.PublicURL(key), nil
	}
	s.mu.Unlock()

	s.logger.Info("starting relay %s -> %s", key, s.ingestURL(key))
	proc, err := s.launcher.Launch(spec, key)
	if err != nil {
		return "", fmt.Errorf("launch relay %s: %w", key, err)
	}

	h := &handle{
		key:        key,
		streamType: streamType,
		spec:       spec,
		proc:       proc,
		state:      StateRunning,
		frames:     frames,
		lastAlive:  time.Now(),
		startedAt:  time.Now(),
	}
	if frames != nil {
		s.startFeeder(h)
	}

	s.mu.Lock()
	s.handles[key] = h
	s.mu.Unlock()
	return s.PublicURL(key), nil
}

// startFeeder pulls frames at a fixed cadence and writes them to the
// encoder's stdin. Pipe errors end the feeder; the monitor restarts the
// relay and a fresh feeder with it.
func (s *Supervisor) startFeeder(h *handle) {
	ctx, cancel := context.WithCancel(context.Background())
	h.feedCancel = cancel
	h.feedDone = make(chan struct{})
	stdin := h.proc.Stdin()
	proc := h.proc
	frames := h.frames
	key := h.key

	go func() {
		defer close(h.feedDone)
		defer func() {
			if stdin != nil {
				stdin.Close()
			}
		}()
		ticker := time.NewTicker(s.cfg.FeederInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if !proc.Alive() {
				return
			}
			frame, err := frames(ctx)
			if err != nil || len(frame) == 0 {
				continue
			}
			if _, err := stdin.Write(frame); err != nil {
				s.logger.Debug("feeder %s: pipe closed: %v", key, err)
				return
			}
		}
	}()
}

// checkOnce is one monitor pass: restart dead relays with backoff, give up
// after the restart cap.
func (s *Supervisor) checkOnce(ctx context.Context) {
	s.mu.Lock()
	var candidates []*handle
	for _, h := range s.handles {
		if h.state == StateRunning {
			if h.proc.Alive() {
				h.lastAlive = time.Now()
			} else {
				candidates = append(candidates, h)
			}
		}
	}
	s.mu.Unlock()

	for _, h := range candidates {
		if s.cfg.Restart.Exhausted(h.restarts) {
			s.mu.Lock()
			h.state = StateDead
			s.mu.Unlock()
			s.logger.Error("relay %s exceeded max restarts (%d), giving up", h.key, s.cfg.Restart.MaxAttempts)
			continue
		}

		s.mu.Lock()
		h.state = StateRestarting
		s.mu.Unlock()

		delay := s.cfg.Restart.Delay(h.restarts)
		s.logger.Warn("relay %s died, restarting in %s (attempt %d)", h.key, delay, h.restarts+1)
		if err := s.cfg.Restart.Wait(ctx, h.restarts); err != nil {
			return
		}
		s.restart(h)
	}
}

func (s *Supervisor) restart(h *handle) {
	s.stopFeeder(h)

	proc, err := s.launcher.Launch(h.spec, h.key)
	if err != nil {
		s.logger.Error("relay %s restart failed: %v", h.key, err)
		s.mu.Lock()
		h.restarts++
		h.state = StateRunning // monitor re-evaluates next tick
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	h.proc = proc
	h.restarts++
	h.state = StateRunning
	h.startedAt = time.Now()
	h.lastAlive = time.Now()
	s.mu.Unlock()

	if h.frames != nil {
		s.startFeeder(h)
	}
	s.logger.Info("relay %s restarted", h.key)
}

func (s *Supervisor) stopFeeder(h *handle) {
	if h.feedCancel != nil {
		h.feedCancel()
		select {
		case <-h.feedDone:
		case <-time.After(3 * time.Second):
		}
		h.feedCancel = nil
	}
}

// Stop terminates one relay: SIGTERM, bounded grace, then SIGKILL, and
// removes the handle.
func (s *Supervisor) Stop(key string) {
	s.mu.Lock()
	h, ok := s.handles[key]
	if ok {
		delete(s.handles, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.logger.Info("stopping relay %s", key)
	s.stopFeeder(h)
	s.terminate(h.proc)
	h.state = StateStopped
}

func (s *Supervisor) terminate(proc process) {
	if proc == nil || !proc.Alive() {
		return
	}
	if err := proc.Terminate(); err != nil {
		s.logger.Debug("terminate: %v", err)
	}
	if !proc.WaitExit(s.cfg.StopGrace) {
		proc.Kill()
		proc.WaitExit(3 * time.Second)
	}
}

// StopAll stops every relay. Registered for process-wide shutdown so no
// encoder outlives the daemon.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.handles))
	for key := range s.handles {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	for _, key := range keys {
		s.Stop(key)
	}
}

// Close stops the monitor loop and every relay.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		if s.monitorCancel != nil {
			s.monitorCancel()
			<-s.monitorDone
		}
		s.StopAll()
	})
}

// Status reports a snapshot of every handle.
func (s *Supervisor) Status() []HandleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HandleStatus, 0, len(s.handles))
	for _, h := range s.handles {
		status := HandleStatus{
			Key:      h.key,
			Type:     h.streamType,
			State:    h.state,
			Restarts: h.restarts,
		}
		if h.state == StateRunning && h.proc.Alive() {
			status.UptimeSecs = time.Since(h.startedAt).Seconds()
		}
		out = append(out, status)
	}
	return out
}
