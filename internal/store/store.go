// Package store persists patrol records in SQLite. Runs, inspection
// results and alert events are append-only; waypoints, schedule entries
// and settings are small configuration tables.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sigma-snaken/sigma-patrol/internal/config"
	"github.com/sigma-snaken/sigma-patrol/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS patrol_runs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	robot_id       TEXT NOT NULL,
	robot_serial   TEXT NOT NULL DEFAULT '',
	model_name     TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	started_at     TIMESTAMP NOT NULL,
	ended_at       TIMESTAMP,
	summary        TEXT NOT NULL DEFAULT '',
	video_path     TEXT NOT NULL DEFAULT '',
	video_analysis TEXT NOT NULL DEFAULT '',
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	total_tokens   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS inspection_results (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        INTEGER NOT NULL REFERENCES patrol_runs(id),
	waypoint_name TEXT NOT NULL,
	pos_x         REAL NOT NULL DEFAULT 0,
	pos_y         REAL NOT NULL DEFAULT 0,
	pos_theta     REAL NOT NULL DEFAULT 0,
	prompt        TEXT NOT NULL DEFAULT '',
	verdict       TEXT NOT NULL DEFAULT '',
	anomaly       INTEGER NOT NULL DEFAULT 0,
	description   TEXT NOT NULL DEFAULT '',
	image_path    TEXT NOT NULL DEFAULT '',
	move_status   TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens  INTEGER NOT NULL DEFAULT 0,
	timestamp     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inspection_run ON inspection_results(run_id);

CREATE TABLE IF NOT EXISTS alert_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      INTEGER NOT NULL REFERENCES patrol_runs(id),
	rule        TEXT NOT NULL,
	stream_type TEXT NOT NULL DEFAULT '',
	image_path  TEXT NOT NULL DEFAULT '',
	timestamp   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_run ON alert_events(run_id);

CREATE TABLE IF NOT EXISTS waypoints (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	pos_x    REAL NOT NULL DEFAULT 0,
	pos_y    REAL NOT NULL DEFAULT 0,
	pos_theta REAL NOT NULL DEFAULT 0,
	prompt   TEXT NOT NULL DEFAULT '',
	enabled  INTEGER NOT NULL DEFAULT 1,
	position INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS schedule_entries (
	id       TEXT PRIMARY KEY,
	time_of_day TEXT NOT NULL,
	weekdays TEXT NOT NULL DEFAULT '[]',
	enabled  INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS settings (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL DEFAULT '{}'
);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and parent directories) if needed and
// applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the run thread and the listener threads.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Runs ---

// CreateRun inserts a new run in Running state and returns its id.
func (s *Store) CreateRun(ctx context.Context, run model.PatrolRun) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO patrol_runs (robot_id, robot_serial, model_name, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.RobotID, run.RobotSerial, run.ModelName, string(model.RunStatusRunning), run.StartedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	return res.LastInsertId()
}

// FinalizeRun writes the terminal status and summary fields exactly once.
func (s *Store) FinalizeRun(ctx context.Context, id int64, status model.RunStatus, endedAt time.Time, summary, videoPath, videoAnalysis string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patrol_runs
		SET status = ?, ended_at = ?, summary = ?, video_path = ?, video_analysis = ?
		WHERE id = ? AND status = ?`,
		string(status), endedAt.UTC(), summary, videoPath, videoAnalysis, id, string(model.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("finalize run %d: %w", id, err)
	}
	return nil
}

// UpdateRunUsage recomputes the run's aggregated token totals from its
// inspection results.
func (s *Store) UpdateRunUsage(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patrol_runs SET
			input_tokens  = (SELECT COALESCE(SUM(input_tokens), 0)  FROM inspection_results WHERE run_id = ?),
			output_tokens = (SELECT COALESCE(SUM(output_tokens), 0) FROM inspection_results WHERE run_id = ?),
			total_tokens  = (SELECT COALESCE(SUM(total_tokens), 0)  FROM inspection_results WHERE run_id = ?)
		WHERE id = ?`, id, id, id, id)
	if err != nil {
		return fmt.Errorf("update run usage %d: %w", id, err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (model.PatrolRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, robot_id, robot_serial, model_name, status, started_at, ended_at,
		       summary, video_path, video_analysis, input_tokens, output_tokens, total_tokens
		FROM patrol_runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.PatrolRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, robot_id, robot_serial, model_name, status, started_at, ended_at,
		       summary, video_path, video_analysis, input_tokens, output_tokens, total_tokens
		FROM patrol_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.PatrolRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.PatrolRun, error) {
	var run model.PatrolRun
	var status string
	var endedAt sql.NullTime
	err := row.Scan(&run.ID, &run.RobotID, &run.RobotSerial, &run.ModelName, &status,
		&run.StartedAt, &endedAt, &run.Summary, &run.VideoPath, &run.VideoAnalysis,
		&run.Usage.InputTokens, &run.Usage.OutputTokens, &run.Usage.TotalTokens)
	if err != nil {
		return model.PatrolRun{}, fmt.Errorf("scan run: %w", err)
	}
	run.Status = model.RunStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	return run, nil
}

// --- Inspection results ---

// AppendInspection inserts one inspection result. Results are never
// mutated after creation.
func (s *Store) AppendInspection(ctx context.Context, r model.InspectionResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inspection_results
			(run_id, waypoint_name, pos_x, pos_y, pos_theta, prompt, verdict, anomaly,
			 description, image_path, move_status, input_tokens, output_tokens, total_tokens, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.WaypointName, r.Pose.X, r.Pose.Y, r.Pose.Theta, r.Prompt, r.Verdict,
		boolInt(r.Anomaly), r.Description, r.ImagePath, r.MoveStatus,
		r.Usage.InputTokens, r.Usage.OutputTokens, r.Usage.TotalTokens, r.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append inspection for %q: %w", r.WaypointName, err)
	}
	return nil
}

// ListInspections returns a run's inspection results in insertion order.
func (s *Store) ListInspections(ctx context.Context, runID int64) ([]model.InspectionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, waypoint_name, pos_x, pos_y, pos_theta, prompt, verdict, anomaly,
		       description, image_path, move_status, input_tokens, output_tokens, total_tokens, timestamp
		FROM inspection_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list inspections: %w", err)
	}
	defer rows.Close()

	var results []model.InspectionResult
	for rows.Next() {
		var r model.InspectionResult
		var anomaly int
		err := rows.Scan(&r.ID, &r.RunID, &r.WaypointName, &r.Pose.X, &r.Pose.Y, &r.Pose.Theta,
			&r.Prompt, &r.Verdict, &anomaly, &r.Description, &r.ImagePath, &r.MoveStatus,
			&r.Usage.InputTokens, &r.Usage.OutputTokens, &r.Usage.TotalTokens, &r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("scan inspection: %w", err)
		}
		r.Anomaly = anomaly != 0
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Alert events ---

// AppendAlert inserts one live-monitor alert event.
func (s *Store) AppendAlert(ctx context.Context, ev model.AlertEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_events (run_id, rule, stream_type, image_path, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		ev.RunID, ev.Rule, ev.StreamType, ev.ImagePath, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

// ListAlerts returns a run's alert events in arrival order.
func (s *Store) ListAlerts(ctx context.Context, runID int64) ([]model.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, rule, stream_type, image_path, timestamp
		FROM alert_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var events []model.AlertEvent
	for rows.Next() {
		var ev model.AlertEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Rule, &ev.StreamType, &ev.ImagePath, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Waypoints ---

// ListWaypoints returns waypoints ordered by position. When enabledOnly is
// set, disabled waypoints are skipped.
func (s *Store) ListWaypoints(ctx context.Context, enabledOnly bool) ([]model.Waypoint, error) {
	q := `SELECT id, name, pos_x, pos_y, pos_theta, prompt, enabled, position FROM waypoints`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY position, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list waypoints: %w", err)
	}
	defer rows.Close()

	var points []model.Waypoint
	for rows.Next() {
		var w model.Waypoint
		var enabled int
		err := rows.Scan(&w.ID, &w.Name, &w.Pose.X, &w.Pose.Y, &w.Pose.Theta, &w.Prompt, &enabled, &w.Position)
		if err != nil {
			return nil, fmt.Errorf("scan waypoint: %w", err)
		}
		w.Enabled = enabled != 0
		points = append(points, w)
	}
	return points, rows.Err()
}

// SaveWaypoint inserts or replaces a waypoint by id.
func (s *Store) SaveWaypoint(ctx context.Context, w model.Waypoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO waypoints (id, name, pos_x, pos_y, pos_theta, prompt, enabled, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Pose.X, w.Pose.Y, w.Pose.Theta, w.Prompt, boolInt(w.Enabled), w.Position)
	if err != nil {
		return fmt.Errorf("save waypoint %q: %w", w.Name, err)
	}
	return nil
}

// DeleteWaypoint removes a waypoint by id.
func (s *Store) DeleteWaypoint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM waypoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete waypoint %s: %w", id, err)
	}
	return nil
}

// --- Schedule entries ---

// ListSchedules returns all schedule entries.
func (s *Store) ListSchedules(ctx context.Context) ([]model.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, time_of_day, weekdays, enabled FROM schedule_entries ORDER BY time_of_day`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var entries []model.ScheduleEntry
	for rows.Next() {
		var e model.ScheduleEntry
		var weekdays string
		var enabled int
		if err := rows.Scan(&e.ID, &e.TimeOfDay, &weekdays, &enabled); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if err := json.Unmarshal([]byte(weekdays), &e.Weekdays); err != nil {
			return nil, fmt.Errorf("decode weekdays for %s: %w", e.ID, err)
		}
		e.Enabled = enabled != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveSchedule inserts or replaces a schedule entry by id.
func (s *Store) SaveSchedule(ctx context.Context, e model.ScheduleEntry) error {
	weekdays, err := json.Marshal(e.Weekdays)
	if err != nil {
		return fmt.Errorf("encode weekdays: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO schedule_entries (id, time_of_day, weekdays, enabled)
		VALUES (?, ?, ?, ?)`,
		e.ID, e.TimeOfDay, string(weekdays), boolInt(e.Enabled))
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", e.ID, err)
	}
	return nil
}

// DeleteSchedule removes a schedule entry by id.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedule_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return nil
}

// --- Settings ---

// GetSettings returns stored settings merged over defaults.
func (s *Store) GetSettings(ctx context.Context) (config.Settings, error) {
	settings := config.DefaultSettings()
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("get settings: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return settings, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// SaveSettings replaces the stored settings.
func (s *Store) SaveSettings(ctx context.Context, settings config.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, string(data))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
