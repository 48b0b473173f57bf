// Package model defines the core domain types for the patrol system.
//
// Types correspond directly to record-store tables. PatrolRun is owned by
// the orchestrator for the lifetime of a run and is immutable once its
// status is terminal; InspectionResult and AlertEvent are append-only.
package model

import "time"

// RunStatus represents the lifecycle state of a patrol run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "Running"
	RunStatusCompleted RunStatus = "Completed"
	RunStatusStopped   RunStatus = "Stopped"
	RunStatusFailed    RunStatus = "Failed"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusStopped, RunStatusFailed:
		return true
	}
	return false
}

// Pose is a robot position on the map.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// Waypoint is a configured patrol point: a pose plus the natural-language
// inspection prompt asked at that point. Read-only during a run.
type Waypoint struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Pose     Pose   `json:"pose"`
	Prompt   string `json:"prompt"`
	Enabled  bool   `json:"enabled"`
	Position int    `json:"position"`
}

// Usage aggregates token counters from vision-inference calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the element-wise sum of two usage counters.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// PatrolRun is one end-to-end mission execution.
type PatrolRun struct {
	ID            int64      `json:"id"`
	RobotID       string     `json:"robot_id"`
	RobotSerial   string     `json:"robot_serial"`
	ModelName     string     `json:"model_name"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Summary       string     `json:"summary,omitempty"`
	VideoPath     string     `json:"video_path,omitempty"`
	VideoAnalysis string     `json:"video_analysis,omitempty"`
	Usage         Usage      `json:"usage"`
}

// InspectionResult is the outcome of inspecting one waypoint during a run.
// MoveStatus is "Success" or an error string when motion or capture failed;
// a failed waypoint still produces a result and the run continues.
type InspectionResult struct {
	ID           int64     `json:"id"`
	RunID        int64     `json:"run_id"`
	WaypointName string    `json:"waypoint_name"`
	Pose         Pose      `json:"pose"`
	Prompt       string    `json:"prompt"`
	Verdict      string    `json:"verdict"`
	Anomaly      bool      `json:"anomaly"`
	Description  string    `json:"description"`
	ImagePath    string    `json:"image_path"`
	MoveStatus   string    `json:"move_status"`
	Usage        Usage     `json:"usage"`
	Timestamp    time.Time `json:"timestamp"`
}

// MoveStatusOK marks a waypoint whose motion and capture both succeeded.
const MoveStatusOK = "Success"

// AlertEvent is a triggered live-monitor rule with its evidence frame.
// At most one event per (run, rule) is recorded inside the cooldown window.
type AlertEvent struct {
	ID         int64     `json:"id"`
	RunID      int64     `json:"run_id"`
	Rule       string    `json:"rule"`
	StreamType string    `json:"stream_type"`
	ImagePath  string    `json:"image_path"`
	Timestamp  time.Time `json:"timestamp"`
}

// ScheduleEntry is a configured unattended start time. Weekdays follow
// time.Weekday numbering (0 = Sunday).
type ScheduleEntry struct {
	ID        string         `json:"id"`
	TimeOfDay string         `json:"time"` // "HH:MM", robot-local time
	Weekdays  []time.Weekday `json:"weekdays"`
	Enabled   bool           `json:"enabled"`
}

// MatchesDay reports whether the entry is active on the given weekday.
func (e ScheduleEntry) MatchesDay(day time.Weekday) bool {
	for _, d := range e.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// TriggerKey identifies one firing opportunity: the entry may fire at most
// once per calendar day.
func (e ScheduleEntry) TriggerKey(date string) string {
	return e.ID + "_" + date
}
