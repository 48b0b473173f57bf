// Package patrol is the top-level mission state machine. It owns the one
// active run, walks the waypoint list, drives the relay supervisor and
// live monitor around the run, feeds the inspection pipeline, and
// finalizes the run with a generated summary.
package patrol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sigma-snaken/sigma-patrol/internal/alert"
	"github.com/sigma-snaken/sigma-patrol/internal/config"
	"github.com/sigma-snaken/sigma-patrol/internal/inspect"
	"github.com/sigma-snaken/sigma-patrol/internal/logging"
	"github.com/sigma-snaken/sigma-patrol/internal/metrics"
	"github.com/sigma-snaken/sigma-patrol/internal/model"
	"github.com/sigma-snaken/sigma-patrol/internal/notify"
	"github.com/sigma-snaken/sigma-patrol/internal/relay"
	"github.com/sigma-snaken/sigma-patrol/internal/robot"
)

var (
	// ErrAlreadyRunning rejects start while a run is active.
	ErrAlreadyRunning = errors.New("a patrol run is already active")
	// ErrNotConfigured rejects start when the inspector has no credentials.
	ErrNotConfigured = errors.New("vision inspector is not configured")
)

// Store is the persistence surface the orchestrator consumes.
type Store interface {
	CreateRun(ctx context.Context, run model.PatrolRun) (int64, error)
	FinalizeRun(ctx context.Context, id int64, status model.RunStatus, endedAt time.Time, summary, videoPath, videoAnalysis string) error
	UpdateRunUsage(ctx context.Context, id int64) error
	AppendInspection(ctx context.Context, r model.InspectionResult) error
	ListInspections(ctx context.Context, runID int64) ([]model.InspectionResult, error)
	ListAlerts(ctx context.Context, runID int64) ([]model.AlertEvent, error)
	ListWaypoints(ctx context.Context, enabledOnly bool) ([]model.Waypoint, error)
	GetSettings(ctx context.Context) (config.Settings, error)
}

// StreamRelay is the relay supervisor surface used around a run.
type StreamRelay interface {
	StartCamera(key string, frames relay.FrameFunc) (string, error)
	StartCopy(key, sourceURL string) (string, error)
	Stop(key string)
	PublicURL(key string) string
}

// LiveMonitor is the alert pipeline surface used around a run.
type LiveMonitor interface {
	Start(ctx context.Context, runID int64, streams []alert.Stream, rules []string) error
	Pause()
	Resume()
	Stop(ctx context.Context)
}

// VideoRecorder captures the run to an artifact file.
type VideoRecorder interface {
	Start() error
	Stop()
	Path() string
}

// reconfigurable is implemented by inspectors whose credentials come from
// the settings table.
type reconfigurable interface {
	Reconfigure(apiKey, modelID string)
}

// Config tunes run behavior.
type Config struct {
	RobotID   string
	RobotName string

	ImagesDir   string
	VideoDir    string
	EvidenceDir string
	FFmpegPath  string

	// SettleDelay separates relay startup from live-monitor registration
	// so the service never probes a stream that is not publishing yet.
	SettleDelay time.Duration
	// Stabilize is the per-waypoint pause after motion, before capture.
	Stabilize time.Duration
	// DrainTimeout bounds waiting for the turbo queue during finalization.
	DrainTimeout time.Duration
	// FinalizeTimeout bounds the whole finalization sequence.
	FinalizeTimeout time.Duration

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.Stabilize <= 0 {
		c.Stabilize = 2 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 10 * time.Minute
	}
	c.Logger = logging.OrNop(c.Logger)
	return c
}

// Deps are the orchestrator's collaborators. MonitorFactory,
// RecorderFactory, and NotifierFactory may be nil; production defaults are
// substituted.
type Deps struct {
	Store     Store
	Robot     robot.Controller
	Inspector inspect.Inspector
	Relays    StreamRelay

	MonitorFactory  func(settings config.Settings) LiveMonitor
	RecorderFactory func(outputPath string, frames relay.FrameFunc) VideoRecorder
	NotifierFactory func(settings config.Settings) notify.Notifier
}

// Status is a snapshot of the orchestrator's state.
type Status struct {
	Running         bool      `json:"running"`
	RunID           int64     `json:"run_id,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CurrentWaypoint string    `json:"current_waypoint,omitempty"`
}

// Orchestrator enforces the one-active-run invariant and executes runs on
// a dedicated goroutine.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu        sync.Mutex
	running   bool
	stopped   bool // stop requested for the active run
	runID     int64
	startedAt time.Time
	current   string
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// New builds an orchestrator. Factories left nil in deps get production
// defaults wired from cfg.
func New(deps Deps, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	if deps.MonitorFactory == nil {
		deps.MonitorFactory = func(settings config.Settings) LiveMonitor {
			client := alert.NewClient(settings.AlertServiceURL, cfg.Logger)
			st, _ := deps.Store.(alert.EventStore)
			return alert.NewMonitor(client, st, notifierFor(settings), alert.Config{
				EvidenceDir: cfg.EvidenceDir,
				NamePrefix:  streamPrefix(cfg.RobotName),
				Logger:      cfg.Logger,
				Metrics:     cfg.Metrics,
			})
		}
	}
	if deps.RecorderFactory == nil {
		deps.RecorderFactory = func(outputPath string, frames relay.FrameFunc) VideoRecorder {
			return relay.NewRecorder(cfg.FFmpegPath, relay.DefaultPresetLibrary(), outputPath, frames, cfg.Logger)
		}
	}
	if deps.NotifierFactory == nil {
		deps.NotifierFactory = notifierFor
	}
	return &Orchestrator{deps: deps, cfg: cfg}
}

func notifierFor(settings config.Settings) notify.Notifier {
	if settings.EnableTelegram && settings.TelegramBotToken != "" && settings.TelegramChatID != "" {
		return notify.NewTelegram(settings.TelegramBotToken, settings.TelegramChatID, nil)
	}
	return notify.Nop()
}

// Start validates preconditions, creates the run record, and launches the
// waypoint loop in the background. It returns once the run is underway.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	// Reserve the slot before validation so concurrent starts race on the
	// lock, not on the store.
	o.running = true
	o.stopped = false
	o.cancelRun = nil
	o.mu.Unlock()

	abort := func(err error) error {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return err
	}

	settings, err := o.deps.Store.GetSettings(ctx)
	if err != nil {
		return abort(err)
	}
	if r, ok := o.deps.Inspector.(reconfigurable); ok {
		r.Reconfigure(settings.GeminiAPIKey, settings.GeminiModel)
	}
	if !o.deps.Inspector.Configured() {
		return abort(ErrNotConfigured)
	}
	waypoints, err := o.deps.Store.ListWaypoints(ctx, true)
	if err != nil {
		return abort(err)
	}

	runID, err := o.deps.Store.CreateRun(ctx, model.PatrolRun{
		RobotID:     o.cfg.RobotID,
		RobotSerial: o.deps.Robot.Serial(),
		ModelName:   settings.GeminiModel,
		StartedAt:   time.Now(),
	})
	if err != nil {
		return abort(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.runID = runID
	o.startedAt = time.Now()
	o.current = ""
	o.cancelRun = cancel
	o.runDone = make(chan struct{})
	o.mu.Unlock()

	o.cfg.Metrics.RunStarted()
	o.cfg.Logger.Info("patrol run %d started with %d waypoint(s)", runID, len(waypoints))
	go o.execute(runCtx, runID, settings, waypoints)
	return nil
}

// Stop requests a cooperative stop of the active run and returns
// immediately. The run finalizes in the background; callers can watch
// Status. Stopping an idle orchestrator is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	cancel := o.cancelRun
	o.mu.Unlock()

	o.cfg.Logger.Info("patrol stop requested")
	if cancel != nil {
		cancel()
	}
	if err := o.deps.Robot.CancelMotion(ctx); err != nil {
		o.cfg.Logger.Warn("cancel motion failed: %v", err)
	}
}

// Wait blocks until the active run (if any) has fully finalized.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.runDone
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status returns a snapshot of the current run.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Running:         o.running,
		RunID:           o.runID,
		StartedAt:       o.startedAt,
		CurrentWaypoint: o.current,
	}
}

func (o *Orchestrator) setCurrent(name string) {
	o.mu.Lock()
	o.current = name
	o.mu.Unlock()
}

func (o *Orchestrator) stopRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}
