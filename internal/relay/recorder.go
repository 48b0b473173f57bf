package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sigma-snaken/sigma-patrol/internal/logging"
)

// Recorder writes camera frames to an on-disk video file through an
// encoder subprocess. Unlike relays it is not monitored or restarted: a
// recording that dies mid-run simply yields a shorter artifact.
type Recorder struct {
	ffmpegPath string
	preset     Preset
	interval   time.Duration
	outputPath string
	frames     FrameFunc
	logger     logging.Logger
	launcher   launcher

	mu       sync.Mutex
	proc     process
	cancel   context.CancelFunc
	feedDone chan struct{}
}

// NewRecorder builds a recorder targeting outputPath (mp4).
func NewRecorder(ffmpegPath string, presets *PresetLibrary, outputPath string, frames FrameFunc, logger logging.Logger) *Recorder {
	logger = logging.OrNop(logger)
	if presets == nil {
		presets = DefaultPresetLibrary()
	}
	return &Recorder{
		ffmpegPath: ffmpegPath,
		preset:     presets.Get("recorder"),
		interval:   200 * time.Millisecond, // 5 fps
		outputPath: outputPath,
		frames:     frames,
		logger:     logger,
		launcher:   execLauncher{logger: logger},
	}
}

// Path returns the recording target path.
func (r *Recorder) Path() string { return r.outputPath }

// Start launches the encoder and begins feeding frames.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc != nil && r.proc.Alive() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.outputPath), 0o755); err != nil {
		return fmt.Errorf("create video dir: %w", err)
	}

	spec := commandSpec{
		Path: r.ffmpegPath,
		Args: append(append([]string{
			"-y",
			"-f", "image2pipe",
			"-framerate", "5",
			"-i", "pipe:0",
		}, r.preset.Args()...),
			r.outputPath,
		),
		PipeStdin: true,
	}
	proc, err := r.launcher.Launch(spec, "recorder")
	if err != nil {
		return fmt.Errorf("start recorder: %w", err)
	}
	r.proc = proc

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.feedDone = make(chan struct{})
	stdin := proc.Stdin()

	go func() {
		defer close(r.feedDone)
		defer stdin.Close() // EOF lets the encoder finalize the container
		ticker := time.NewTicker(r.interval)
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
			frame, err := r.frames(ctx)
			if err != nil || len(frame) == 0 {
				continue
			}
			if _, err := stdin.Write(frame); err != nil {
				r.logger.Debug("recorder: pipe closed: %v", err)
				return
			}
		}
	}()

	r.logger.Info("recording patrol video to %s", r.outputPath)
	return nil
}

// Stop ends the recording, giving the encoder time to flush the file.
func (r *Recorder) Stop() {
	r.mu.Lock()
	proc := r.proc
	cancel := r.cancel
	feedDone := r.feedDone
	r.proc = nil
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-feedDone:
		case <-time.After(3 * time.Second):
		}
	}
	if proc != nil {
		if !proc.WaitExit(10 * time.Second) {
			r.logger.Warn("recorder did not flush in time, killing")
			proc.Kill()
		}
	}
	r.logger.Info("stopped video recording")
}
