package robot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sigma-snaken/sigma-patrol/internal/logging"
	"github.com/sigma-snaken/sigma-patrol/internal/model"
)

// HTTPController drives the robot through its REST bridge. Motion calls
// block until the bridge reports completion; the bridge itself serializes
// commands, so concurrent capture during motion is safe.
type HTTPController struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger

	mu     sync.Mutex
	serial string
}

// NewHTTPController builds a controller for the bridge at baseURL.
func NewHTTPController(baseURL string, logger logging.Logger) *HTTPController {
	return &HTTPController{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Long timeout: a move across the site can take minutes.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logging.OrNop(logger),
	}
}

// MoveTo commands a move to the pose and waits for the result.
func (c *HTTPController) MoveTo(ctx context.Context, pose model.Pose) error {
	payload := map[string]float64{"x": pose.X, "y": pose.Y, "yaw": pose.Theta}
	return c.post(ctx, "/move_to_pose", payload)
}

// ReturnHome sends the robot back to its charger.
func (c *HTTPController) ReturnHome(ctx context.Context) error {
	return c.post(ctx, "/return_home", nil)
}

// CancelMotion aborts the in-flight command, unblocking a pending MoveTo.
func (c *HTTPController) CancelMotion(ctx context.Context) error {
	return c.post(ctx, "/cancel_command", nil)
}

// CaptureFrame fetches the current front-camera image.
func (c *HTTPController) CaptureFrame(ctx context.Context) (Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/front_camera_image.jpg", nil)
	if err != nil {
		return Frame{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Frame{}, fmt.Errorf("capture frame: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Frame{}, fmt.Errorf("capture frame: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("capture frame: empty body")
	}
	return Frame{Data: data, MimeType: "image/jpeg"}, nil
}

// Serial returns the robot's serial number, cached after the first call.
func (c *HTTPController) Serial() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serial != "" {
		return c.serial
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/robot_serial_number", nil)
	if err != nil {
		return ""
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("read robot serial failed: %v", err)
		return ""
	}
	defer resp.Body.Close()
	var body struct {
		Serial string `json:"serial_number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	c.serial = body.Serial
	return c.serial
}

func (c *HTTPController) post(ctx context.Context, path string, payload any) error {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode command: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("robot %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("robot %s: status %d: %s", path, resp.StatusCode, string(data))
	}
	return nil
}
