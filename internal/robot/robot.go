// Package robot defines the motion/capture contract the patrol core
// consumes. The concrete robot (gRPC vendor API) lives behind Controller;
// all errors are string-carrying and non-fatal to a run.
package robot

import (
	"context"
	"errors"

	"github.com/sigma-snaken/sigma-patrol/internal/model"
)

// Frame is a single captured camera image.
type Frame struct {
	Data      []byte // JPEG bytes
	MimeType  string
}

// Empty reports whether the frame carries no image data.
func (f Frame) Empty() bool {
	return len(f.Data) == 0
}

// Controller is the robot motion and capture interface.
//
// MoveTo blocks until the motion completes or fails. CaptureFrame returns
// the current front-camera image. Implementations must be safe for
// concurrent use: the relay feeder and the waypoint loop both capture.
type Controller interface {
	MoveTo(ctx context.Context, pose model.Pose) error
	ReturnHome(ctx context.Context) error
	CancelMotion(ctx context.Context) error
	CaptureFrame(ctx context.Context) (Frame, error)
	Serial() string
}

// ErrDisconnected is returned by Disconnected and by implementations that
// have lost their link to the robot.
var ErrDisconnected = errors.New("robot disconnected")

// Disconnected is a Controller with no robot behind it. Every operation
// fails with ErrDisconnected; a patrol against it records one failed
// result per waypoint instead of aborting.
type Disconnected struct{}

func (Disconnected) MoveTo(context.Context, model.Pose) error    { return ErrDisconnected }
func (Disconnected) ReturnHome(context.Context) error            { return ErrDisconnected }
func (Disconnected) CancelMotion(context.Context) error          { return ErrDisconnected }
func (Disconnected) CaptureFrame(context.Context) (Frame, error) { return Frame{}, ErrDisconnected }
func (Disconnected) Serial() string                              { return "" }
