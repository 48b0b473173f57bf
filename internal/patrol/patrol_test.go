package patrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigma-snaken/sigma-patrol/internal/alert"
	"github.com/sigma-snaken/sigma-patrol/internal/config"
	"github.com/sigma-snaken/sigma-patrol/internal/inspect"
	"github.com/sigma-snaken/sigma-patrol/internal/logging"
	"github.com/sigma-snaken/sigma-patrol/internal/model"
	"github.com/sigma-snaken/sigma-patrol/internal/relay"
	"github.com/sigma-snaken/sigma-patrol/internal/robot"
)

type fakeStore struct {
	mu        sync.Mutex
	settings  config.Settings
	waypoints []model.Waypoint
	results   []model.InspectionResult
	alerts    []model.AlertEvent
	nextRunID int64
	finalized []model.RunStatus
	summary   string
}

func (s *fakeStore) CreateRun(context.Context, model.PatrolRun) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRunID++
	return s.nextRunID, nil
}

func (s *fakeStore) FinalizeRun(_ context.Context, _ int64, status model.RunStatus, _ time.Time, summary, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, status)
	s.summary = summary
	return nil
}

func (s *fakeStore) UpdateRunUsage(context.Context, int64) error { return nil }

func (s *fakeStore) AppendInspection(_ context.Context, r model.InspectionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *fakeStore) ListInspections(context.Context, int64) ([]model.InspectionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.InspectionResult(nil), s.results...), nil
}

func (s *fakeStore) ListAlerts(context.Context, int64) ([]model.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AlertEvent(nil), s.alerts...), nil
}

func (s *fakeStore) ListWaypoints(context.Context, bool) ([]model.Waypoint, error) {
	return s.waypoints, nil
}

func (s *fakeStore) GetSettings(context.Context) (config.Settings, error) {
	return s.settings, nil
}

func (s *fakeStore) resultNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.results))
	for i, r := range s.results {
		names[i] = r.WaypointName
	}
	return names
}

type fakeRobot struct {
	mu         sync.Mutex
	moveErrs   map[string]error // keyed by waypoint name via pose lookup
	moved      []string
	returned   bool
	moveDelay  time.Duration
	poseToName map[model.Pose]string
}

func newFakeRobot(waypoints []model.Waypoint) *fakeRobot {
	r := &fakeRobot{moveErrs: map[string]error{}, poseToName: map[model.Pose]string{}}
	for _, wp := range waypoints {
		r.poseToName[wp.Pose] = wp.Name
	}
	return r
}

func (r *fakeRobot) MoveTo(ctx context.Context, pose model.Pose) error {
	if r.moveDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.moveDelay):
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := r.poseToName[pose]
	r.moved = append(r.moved, name)
	if err := r.moveErrs[name]; err != nil {
		return err
	}
	return nil
}

func (r *fakeRobot) ReturnHome(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.returned = true
	return nil
}

func (r *fakeRobot) CancelMotion(context.Context) error { return nil }

func (r *fakeRobot) CaptureFrame(context.Context) (robot.Frame, error) {
	return robot.Frame{Data: []byte{0xff, 0xd8}, MimeType: "image/jpeg"}, nil
}

func (r *fakeRobot) Serial() string { return "SN-TEST" }

func (r *fakeRobot) didReturn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.returned
}

type fakeInspector struct {
	configured bool
	delay      time.Duration
	inspectErr error
}

func (f *fakeInspector) Inspect(ctx context.Context, _ []byte, _, _ string) (inspect.Verdict, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return inspect.Verdict{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.inspectErr != nil {
		return inspect.Verdict{}, f.inspectErr
	}
	return inspect.Verdict{Description: "all clear", Raw: "all clear"}, nil
}

func (f *fakeInspector) ComposeSummary(context.Context, inspect.SummaryInput) (inspect.Summary, error) {
	return inspect.Summary{Text: "patrol summary"}, nil
}

func (f *fakeInspector) AnalyzeVideo(context.Context, string, string) (inspect.Summary, error) {
	return inspect.Summary{}, nil
}

func (f *fakeInspector) Configured() bool { return f.configured }

type fakeRelay struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (r *fakeRelay) StartCamera(key string, _ relay.FrameFunc) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, key)
	return "rtsp://relay/" + key, nil
}

func (r *fakeRelay) StartCopy(key, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, key)
	return "rtsp://relay/" + key, nil
}

func (r *fakeRelay) Stop(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, key)
}

func (r *fakeRelay) PublicURL(key string) string { return "rtsp://relay/" + key }

type fakeMonitor struct {
	mu       sync.Mutex
	startErr error
	started  bool
	stopped  bool
	pauses   int
	resumes  int
}

func (m *fakeMonitor) Start(context.Context, int64, []alert.Stream, []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *fakeMonitor) Pause() {
	m.mu.Lock()
	m.pauses++
	m.mu.Unlock()
}

func (m *fakeMonitor) Resume() {
	m.mu.Lock()
	m.resumes++
	m.mu.Unlock()
}

func (m *fakeMonitor) Stop(context.Context) {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func testWaypoints(n int) []model.Waypoint {
	wps := make([]model.Waypoint, n)
	for i := range wps {
		wps[i] = model.Waypoint{
			ID:      fmt.Sprintf("wp-%d", i+1),
			Name:    fmt.Sprintf("Point %d", i+1),
			Pose:    model.Pose{X: float64(i + 1)},
			Enabled: true,
		}
	}
	return wps
}

func fastConfig() Config {
	return Config{
		RobotID:         "robot-1",
		RobotName:       "sigma",
		SettleDelay:     time.Millisecond,
		Stabilize:       time.Millisecond,
		DrainTimeout:    5 * time.Second,
		FinalizeTimeout: 10 * time.Second,
		Logger:          logging.Nop(),
	}
}

func newTestOrchestrator(store *fakeStore, rob *fakeRobot, insp *fakeInspector) *Orchestrator {
	return New(Deps{
		Store:     store,
		Robot:     rob,
		Inspector: insp,
		Relays:    &fakeRelay{},
	}, fastConfig())
}

func TestStreamPrefixNormalizesRobotName(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrchestrator(store, newFakeRobot(nil), &fakeInspector{configured: true})
	o.cfg.RobotName = "Sigma Bot"

	// Registration names and stale-cleanup matching both derive from the
	// same normalized prefix, so leftovers from a crashed run are found
	// again on the next start regardless of how the name is cased.
	assert.Equal(t, "sigma-bot", streamPrefix(o.cfg.RobotName))
	assert.Equal(t, "sigma-bot-cam", o.streamKey("cam"))
	assert.Equal(t, "sigma-bot-ext", o.streamKey("ext"))
	assert.Equal(t, "patrol", streamPrefix(""))
}

func TestStartRejectsWhileRunning(t *testing.T) {
	store := &fakeStore{waypoints: testWaypoints(3)}
	rob := newFakeRobot(store.waypoints)
	rob.moveDelay = 50 * time.Millisecond
	o := newTestOrchestrator(store, rob, &fakeInspector{configured: true})

	require.NoError(t, o.Start(context.Background()))
	err := o.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	o.Stop(context.Background())
	o.Wait()
}

func TestStartRejectsUnconfiguredInspector(t *testing.T) {
	store := &fakeStore{waypoints: testWaypoints(1)}
	o := newTestOrchestrator(store, newFakeRobot(store.waypoints), &fakeInspector{configured: false})

	err := o.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, o.Status().Running)
}

func TestSyncRunRecordsResultsInOrder(t *testing.T) {
	store := &fakeStore{waypoints: testWaypoints(4)}
	rob := newFakeRobot(store.waypoints)
	o := newTestOrchestrator(store, rob, &fakeInspector{configured: true})

	require.NoError(t, o.Start(context.Background()))
	o.Wait()

	assert.Equal(t, []string{"Point 1", "Point 2", "Point 3", "Point 4"}, store.resultNames())
	require.Len(t, store.finalized, 1)
	assert.Equal(t, model.RunStatusCompleted, store.finalized[0])
	assert.Equal(t, "patrol summary", store.summary)
	assert.True(t, rob.didReturn())
	assert.False(t, o.Status().Running)
}

func TestEmptyWaypointListStillCompletes(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrchestrator(store, newFakeRobot(nil), &fakeInspector{configured: true})

	require.NoError(t, o.Start(context.Background()))
	o.Wait()

	require.Len(t, store.finalized, 1)
	assert.Equal(t, model.RunStatusCompleted, store.finalized[0])
	assert.Empty(t, store.results)
}

func TestMotionFailureRecordedAndRunContinues(t *testing.T) {
	store := &fakeStore{waypoints: testWaypoints(3)}
	rob := newFakeRobot(store.waypoints)
	rob.moveErrs["Point 2"] = errors.New("obstacle ahead")
	o := newTestOrchestrator(store, rob, &fakeInspector{configured: true})

	require.NoError(t, o.Start(context.Background()))
	o.Wait()

	require.Len(t, store.results, 3)
	assert.Equal(t, model.MoveStatusOK, store.results[0].MoveStatus)
	assert.Contains(t, store.results[1].MoveStatus, "obstacle ahead")
	assert.Equal(t, model.MoveStatusOK, store.results[2].MoveStatus)
	assert.Equal(t, model.RunStatusCompleted, store.finalized[0])
}

func TestInspectionErrorRecordedAsResult(t *testing.T) {
	store := &fakeStore{waypoints: testWaypoints(1)}
	o := newTestOrchestrator(store, newFakeRobot(store.waypoints),
		&fakeInspector{configured: true, inspectErr: errors.New("model overloaded")})

	require.NoError(t, o.Start(context.Background()))
	o.Wait()

	require.Len(t, store.results, 1)
	assert.Equal(t, model.MoveStatusOK, store.results[0].MoveStatus)
	assert.Contains(t, store.results[0].Description, "model overloaded")
	assert.Equal(t, model.RunStatusCompleted, store.finalized[0])
}

func TestStopMidRunFinalizesAsStopped(t *testing.T) {
	store := &fakeStore{waypoints: testWaypoints(5)}
	rob := newFakeRobot(store.waypoints)
	rob.moveDelay = 30 * time.Millisecond
	o := newTestOrchestrator(store, rob, &fakeInspector{configured: true})

	require.NoError(t, o.Start(context.Background()))
	time.Sleep(45 * time.Millisecond) // somewhere inside waypoint 2
	o.Stop(context.Background())
	o.Wait()

	require.Len(t, store.finalized, 1)
	assert.Equal(t, model.RunStatusStopped, store.finalized[0])
	assert.Less(t, len(store.results), 5)
	assert.True(t, rob.didReturn(), "robot returns to base on stop")
}

func TestTurboModeDrainsQueueBeforeSummary(t *testing.T) {
	store := &fakeStore{waypoints: testWaypoints(4)}
	store.settings.TurboMode = true
	insp := &fakeInspector{configured: true, delay: 20 * time.Millisecond}
	o := newTestOrchestrator(store, newFakeRobot(store.waypoints), insp)

	require.NoError(t, o.Start(context.Background()))
	o.Wait()

	assert.Len(t, store.results, 4, "every submitted inspection lands before finalize")
	assert.Equal(t, model.RunStatusCompleted, store.finalized[0])
	assert.Equal(t, "patrol summary", store.summary)
}

func TestLiveMonitorPausedAroundInspection(t *testing.T) {
	store := &fakeStore{waypoints: testWaypoints(3)}
	store.settings.EnableLiveMonitor = true
	store.settings.EnableCameraRelay = true
	store.settings.AlertServiceURL = "http://alerts.local"
	monitor := &fakeMonitor{}
	relays := &fakeRelay{}
	rob := newFakeRobot(store.waypoints)
	o := New(Deps{
		Store:          store,
		Robot:          rob,
		Inspector:      &fakeInspector{configured: true},
		Relays:         relays,
		MonitorFactory: func(config.Settings) LiveMonitor { return monitor },
	}, fastConfig())

	require.NoError(t, o.Start(context.Background()))
	o.Wait()

	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	assert.True(t, monitor.started)
	assert.True(t, monitor.stopped)
	assert.Equal(t, 3, monitor.pauses)
	assert.Equal(t, 3, monitor.resumes)
	assert.Equal(t, []string{"sigma-cam"}, relays.started)
	assert.Equal(t, []string{"sigma-cam"}, relays.stopped)
}

func TestUnreachableAlertServiceDoesNotFailRun(t *testing.T) {
	store := &fakeStore{waypoints: testWaypoints(2)}
	store.settings.EnableLiveMonitor = true
	store.settings.EnableCameraRelay = true
	store.settings.AlertServiceURL = "http://alerts.local"
	monitor := &fakeMonitor{startErr: errors.New("connection refused")}
	o := New(Deps{
		Store:          store,
		Robot:          newFakeRobot(store.waypoints),
		Inspector:      &fakeInspector{configured: true},
		Relays:         &fakeRelay{},
		MonitorFactory: func(config.Settings) LiveMonitor { return monitor },
	}, fastConfig())

	require.NoError(t, o.Start(context.Background()))
	o.Wait()

	require.Len(t, store.finalized, 1)
	assert.Equal(t, model.RunStatusCompleted, store.finalized[0])
	assert.Len(t, store.results, 2)
	assert.Empty(t, store.alerts)
}

func TestConcurrentStartOnlyOneWins(t *testing.T) {
	store := &fakeStore{waypoints: testWaypoints(2)}
	rob := newFakeRobot(store.waypoints)
	rob.moveDelay = 20 * time.Millisecond
	o := newTestOrchestrator(store, rob, &fakeInspector{configured: true})

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- o.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyRunning)
		}
	}
	assert.Equal(t, 1, succeeded)

	o.Stop(context.Background())
	o.Wait()
}
