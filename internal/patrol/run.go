package patrol

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sigma-snaken/sigma-patrol/internal/alert"
	"github.com/sigma-snaken/sigma-patrol/internal/config"
	"github.com/sigma-snaken/sigma-patrol/internal/inspect"
	"github.com/sigma-snaken/sigma-patrol/internal/model"
	"github.com/sigma-snaken/sigma-patrol/internal/relay"
)

// execute runs the waypoint loop on its own goroutine and always hands off
// to finalize, whatever happens in between.
func (o *Orchestrator) execute(ctx context.Context, runID int64, settings config.Settings, waypoints []model.Waypoint) {
	var (
		recorder  VideoRecorder
		monitor   LiveMonitor
		queue     *inspect.Queue
		relayKeys []string
		runErr    error
	)

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("waypoint loop panic: %v", r)
			o.cfg.Logger.Error("patrol run %d: %v", runID, runErr)
		}
		o.finalize(runID, settings, queue, monitor, recorder, relayKeys, runErr)
	}()

	if settings.EnableVideoRecording {
		path := filepath.Join(o.cfg.VideoDir, fmt.Sprintf("patrol_%d_%s.mp4", runID, time.Now().Format("20060102_150405")))
		if err := os.MkdirAll(o.cfg.VideoDir, 0o755); err != nil {
			o.cfg.Logger.Warn("create video dir failed: %v", err)
		} else {
			recorder = o.deps.RecorderFactory(path, o.cameraFrames())
			if err := recorder.Start(); err != nil {
				o.cfg.Logger.Warn("video recording unavailable: %v", err)
				recorder = nil
			}
		}
	}

	streams := o.startRelays(settings, &relayKeys)
	if settings.EnableLiveMonitor && settings.AlertServiceURL != "" && len(streams) > 0 {
		sleepCtx(ctx, o.cfg.SettleDelay)
		monitor = o.deps.MonitorFactory(settings)
		if err := monitor.Start(ctx, runID, streams, settings.LiveMonitorRules); err != nil {
			o.cfg.Logger.Warn("live monitor unavailable, continuing without alerts: %v", err)
			monitor = nil
		}
	}

	if settings.TurboMode {
		queue = inspect.NewQueue(inspect.DefaultQueueCapacity, o.inspectTask, o.cfg.Logger)
	}

	for _, wp := range waypoints {
		if ctx.Err() != nil || o.stopRequested() {
			break
		}
		o.setCurrent(wp.Name)
		o.visitWaypoint(ctx, runID, settings, wp, monitor, queue)
	}
	o.setCurrent("")
}

// startRelays brings up the configured streams and returns their live
// monitor descriptors. Relay failures are logged, never fatal.
func (o *Orchestrator) startRelays(settings config.Settings, keys *[]string) []alert.Stream {
	var streams []alert.Stream
	if o.deps.Relays == nil {
		return nil
	}
	if settings.EnableCameraRelay {
		key := o.streamKey("cam")
		url, err := o.deps.Relays.StartCamera(key, o.cameraFrames())
		if err != nil {
			o.cfg.Logger.Warn("camera relay failed to start: %v", err)
		} else {
			*keys = append(*keys, key)
			streams = append(streams, alert.Stream{
				Name:    key,
				URL:     url,
				Type:    relay.StreamCamera,
				Capture: alert.CameraCapture(o.deps.Robot),
			})
		}
	}
	if settings.EnableExternalRelay && settings.ExternalSourceURL != "" {
		key := o.streamKey("ext")
		url, err := o.deps.Relays.StartCopy(key, settings.ExternalSourceURL)
		if err != nil {
			o.cfg.Logger.Warn("external relay failed to start: %v", err)
		} else {
			*keys = append(*keys, key)
			streams = append(streams, alert.Stream{
				Name:    key,
				URL:     url,
				Type:    relay.StreamExternal,
				Capture: alert.SnapshotCapture(o.cfg.FFmpegPath, settings.ExternalSourceURL),
			})
		}
	}
	return streams
}

func (o *Orchestrator) streamKey(kind string) string {
	return streamPrefix(o.cfg.RobotName) + "-" + kind
}

// streamPrefix normalizes the robot name into the identifier that prefixes
// every stream registration. Stale-cleanup matching uses the same prefix,
// so both sides must agree on the normalization.
func streamPrefix(robotName string) string {
	name := strings.ToLower(strings.ReplaceAll(robotName, " ", "-"))
	if name == "" {
		name = "patrol"
	}
	return name
}

func (o *Orchestrator) cameraFrames() relay.FrameFunc {
	return func(ctx context.Context) ([]byte, error) {
		frame, err := o.deps.Robot.CaptureFrame(ctx)
		if err != nil {
			return nil, err
		}
		return frame.Data, nil
	}
}

// visitWaypoint performs one stop of the patrol: move, stabilize, capture
// under paused alerts, inspect inline or enqueue, record the result. Any
// failure is recorded on the result and the patrol continues.
func (o *Orchestrator) visitWaypoint(ctx context.Context, runID int64, settings config.Settings, wp model.Waypoint, monitor LiveMonitor, queue *inspect.Queue) {
	result := model.InspectionResult{
		RunID:        runID,
		WaypointName: wp.Name,
		Pose:         wp.Pose,
		Prompt:       wp.Prompt,
		Timestamp:    time.Now(),
	}

	if err := o.deps.Robot.MoveTo(ctx, wp.Pose); err != nil {
		if ctx.Err() != nil {
			return
		}
		result.MoveStatus = fmt.Sprintf("move failed: %v", err)
		o.recordResult(result, "motion_error")
		return
	}
	sleepCtx(ctx, o.cfg.Stabilize)

	if monitor != nil {
		monitor.Pause()
		defer monitor.Resume()
	}

	frame, err := o.deps.Robot.CaptureFrame(ctx)
	if err != nil || frame.Empty() {
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("empty frame")
		}
		result.MoveStatus = fmt.Sprintf("capture failed: %v", err)
		o.recordResult(result, "motion_error")
		return
	}
	imagePath, err := o.saveFrame(runID, wp, frame.Data)
	if err != nil {
		o.cfg.Logger.Warn("save frame for %q failed: %v", wp.Name, err)
	}

	task := inspect.Task{
		RunID:        runID,
		Waypoint:     wp,
		Image:        frame.Data,
		ImagePath:    imagePath,
		Prompt:       wp.Prompt,
		SystemPrompt: settings.SystemPrompt,
	}
	if queue != nil {
		if err := queue.Submit(ctx, task); err != nil {
			o.cfg.Logger.Warn("turbo submit for %q failed: %v", wp.Name, err)
		}
		return
	}
	o.inspectTask(ctx, task)
}

// inspectTask runs inference for one captured frame and records the
// result. It is both the sync-mode path and the turbo queue handler.
func (o *Orchestrator) inspectTask(ctx context.Context, task inspect.Task) {
	result := model.InspectionResult{
		RunID:        task.RunID,
		WaypointName: task.Waypoint.Name,
		Pose:         task.Waypoint.Pose,
		Prompt:       task.Prompt,
		ImagePath:    task.ImagePath,
		MoveStatus:   model.MoveStatusOK,
		Timestamp:    time.Now(),
	}
	verdict, err := o.deps.Inspector.Inspect(ctx, task.Image, task.Prompt, task.SystemPrompt)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		result.Description = fmt.Sprintf("inspection failed: %v", err)
		o.recordResult(result, "error")
		return
	}
	result.Verdict = verdict.Raw
	result.Anomaly = verdict.Anomaly
	result.Description = verdict.Description
	result.Usage = verdict.Usage
	outcome := "ok"
	if verdict.Anomaly {
		outcome = "anomaly"
	}
	o.recordResult(result, outcome)
}

func (o *Orchestrator) recordResult(result model.InspectionResult, outcome string) {
	if err := o.deps.Store.AppendInspection(context.Background(), result); err != nil {
		o.cfg.Logger.Error("persist result for %q failed: %v", result.WaypointName, err)
		return
	}
	o.cfg.Metrics.IncInspection(outcome)
}

func (o *Orchestrator) saveFrame(runID int64, wp model.Waypoint, jpeg []byte) (string, error) {
	if o.cfg.ImagesDir == "" {
		return "", nil
	}
	dir := filepath.Join(o.cfg.ImagesDir, fmt.Sprintf("run_%d", runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.jpg", sanitizeName(wp.Name), time.Now().Format("150405.000"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// finalize tears the run down and writes the terminal record. It never
// panics past its boundary: any internal failure degrades the run to
// Failed but still persists whatever partial data exists.
func (o *Orchestrator) finalize(runID int64, settings config.Settings, queue *inspect.Queue, monitor LiveMonitor, recorder VideoRecorder, relayKeys []string, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.FinalizeTimeout)
	defer cancel()

	status := model.RunStatusCompleted
	if o.stopRequested() {
		status = model.RunStatusStopped
	}
	if runErr != nil {
		status = model.RunStatusFailed
	}

	var videoPath, videoAnalysis, summaryText string
	func() {
		defer func() {
			if r := recover(); r != nil {
				status = model.RunStatusFailed
				o.cfg.Logger.Error("finalization panic for run %d: %v", runID, r)
			}
		}()

		if monitor != nil {
			monitor.Stop(ctx)
		}
		for _, key := range relayKeys {
			o.deps.Relays.Stop(key)
		}
		if err := o.deps.Robot.ReturnHome(ctx); err != nil {
			o.cfg.Logger.Warn("return to base failed: %v", err)
		}
		if queue != nil {
			drainCtx, drainCancel := context.WithTimeout(ctx, o.cfg.DrainTimeout)
			if err := queue.Drain(drainCtx); err != nil {
				o.cfg.Logger.Warn("turbo queue drain incomplete: %v", err)
			}
			drainCancel()
			queue.Close()
		}
		if recorder != nil {
			recorder.Stop()
			videoPath = recorder.Path()
		}
		if videoPath != "" && o.deps.Inspector.Configured() {
			analysis, err := o.deps.Inspector.AnalyzeVideo(ctx, videoPath, settings.VideoPrompt)
			if err != nil {
				o.cfg.Logger.Warn("video analysis failed: %v", err)
			} else {
				videoAnalysis = analysis.Text
			}
		}

		summaryText = o.composeSummary(ctx, runID, settings, videoAnalysis)
	}()

	if err := o.deps.Store.UpdateRunUsage(ctx, runID); err != nil {
		o.cfg.Logger.Warn("aggregate usage for run %d failed: %v", runID, err)
	}
	if err := o.deps.Store.FinalizeRun(ctx, runID, status, time.Now(), summaryText, videoPath, videoAnalysis); err != nil {
		o.cfg.Logger.Error("finalize run %d failed: %v", runID, err)
	}
	o.cfg.Metrics.RunFinished(string(status))
	o.cfg.Logger.Info("patrol run %d finished: %s", runID, status)

	if summaryText != "" {
		notifier := o.deps.NotifierFactory(settings)
		text := fmt.Sprintf("Patrol run %d %s.\n\n%s", runID, strings.ToLower(string(status)), summaryText)
		if err := notifier.SendSummary(ctx, text); err != nil {
			o.cfg.Logger.Warn("summary notification failed: %v", err)
		}
	}

	o.mu.Lock()
	o.running = false
	o.current = ""
	done := o.runDone
	o.mu.Unlock()
	close(done)
}

// composeSummary builds the end-of-run report from everything recorded.
// Generation failures yield an empty summary, never a failed run.
func (o *Orchestrator) composeSummary(ctx context.Context, runID int64, settings config.Settings, videoAnalysis string) string {
	results, err := o.deps.Store.ListInspections(ctx, runID)
	if err != nil {
		o.cfg.Logger.Warn("load results for summary failed: %v", err)
		return ""
	}
	alerts, err := o.deps.Store.ListAlerts(ctx, runID)
	if err != nil {
		o.cfg.Logger.Warn("load alerts for summary failed: %v", err)
	}
	if len(results) == 0 && len(alerts) == 0 {
		return ""
	}
	summary, err := o.deps.Inspector.ComposeSummary(ctx, inspect.SummaryInput{
		Prompt:        settings.ReportPrompt,
		Results:       results,
		Alerts:        alerts,
		VideoAnalysis: videoAnalysis,
	})
	if err != nil {
		o.cfg.Logger.Warn("summary generation failed: %v", err)
		return ""
	}
	return summary.Text
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
