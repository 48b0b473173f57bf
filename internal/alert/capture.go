package alert

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/sigma-snaken/sigma-patrol/internal/robot"
)

const snapshotTimeout = 10 * time.Second

// CameraCapture returns a capture strategy that asks the robot controller
// for its current front-camera frame. Used for camera-sourced streams.
func CameraCapture(ctrl robot.Controller) CaptureFunc {
	return func(ctx context.Context) (robot.Frame, error) {
		return ctrl.CaptureFrame(ctx)
	}
}

// SnapshotCapture returns a capture strategy that grabs a single frame from
// an arbitrary video source with ffmpeg. Used for externally sourced
// streams where no robot camera is behind the feed.
func SnapshotCapture(ffmpegPath, sourceURL string) CaptureFunc {
	return func(ctx context.Context) (robot.Frame, error) {
		ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
		defer cancel()

		args := []string{
			"-hide_banner", "-loglevel", "error",
			"-i", sourceURL,
			"-frames:v", "1",
			"-f", "image2",
			"-c:v", "mjpeg",
			"pipe:1",
		}
		cmd := exec.CommandContext(ctx, ffmpegPath, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return robot.Frame{}, fmt.Errorf("snapshot %s: %w: %s", sourceURL, err, stderr.String())
		}
		if stdout.Len() == 0 {
			return robot.Frame{}, fmt.Errorf("snapshot %s: empty frame", sourceURL)
		}
		return robot.Frame{Data: stdout.Bytes(), MimeType: "image/jpeg"}, nil
	}
}
