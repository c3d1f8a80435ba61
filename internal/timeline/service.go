package timeline

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// ErrConflict is returned when a conditional update finds the row no longer
// in the expected state. Callers treat it as a lost race, not a failure.
var ErrConflict = errors.New("conditional update lost the race")

// ErrNotFound is returned by lookups that require an existing row.
var ErrNotFound = errors.New("not found")

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

type TimelineService struct {
	db  *sql.DB
	now func() time.Time
}

// NewTimelineService opens the store at dbPath with the pure-Go driver.
func NewTimelineService(dbPath string) (*TimelineService, error) {
	return Open(DriverModernc, dbPath)
}

// Open opens the store with the named driver and applies the schema.
func Open(driver, dbPath string) (*TimelineService, error) {
	var dsn string
	switch driver {
	case DriverModernc:
		dsn = "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	case DriverCGO:
		dsn = "file:" + dbPath + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
	default:
		return nil, fmt.Errorf("unsupported sqlite driver: %s", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migrations for older dbs (no-op if the column exists).
	_, _ = db.Exec(`ALTER TABLE tasks ADD COLUMN board TEXT DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE tasks ADD COLUMN expects_result BOOLEAN DEFAULT 0`)
	_, _ = db.Exec(`ALTER TABLE agents ADD COLUMN budget_paused_until DATETIME`)

	return &TimelineService{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle so sibling stores (knowledge, memory) can
// share one database file.
func (s *TimelineService) DB() *sql.DB {
	return s.db
}

// SetClock overrides the time source used for timestamps.
func (s *TimelineService) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

func (s *TimelineService) Close() error {
	return s.db.Close()
}

func (s *TimelineService) stamp() time.Time {
	return s.now().UTC()
}

func newID() string {
	return uuid.NewString()
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// UpsertScheduledJob records the latest run status for a scheduler job.
func (s *TimelineService) UpsertScheduledJob(name, status string, tick time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_jobs (job_name, last_run_at, last_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_name) DO UPDATE SET last_run_at = excluded.last_run_at,
			last_status = excluded.last_status, updated_at = excluded.updated_at`,
		name, tick.UTC(), status, s.stamp(), s.stamp())
	if err != nil {
		return fmt.Errorf("upsert scheduled job: %w", err)
	}
	return nil
}

// ListScheduledJobs returns all recorded scheduler jobs.
func (s *TimelineService) ListScheduledJobs() ([]ScheduledJob, error) {
	rows, err := s.db.Query(`SELECT id, job_name, last_run_at, COALESCE(last_status,''), created_at, updated_at
		FROM scheduled_jobs ORDER BY job_name`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()

	var out []ScheduledJob
	for rows.Next() {
		var j ScheduledJob
		var last sql.NullTime
		if err := rows.Scan(&j.ID, &j.JobName, &last, &j.LastStatus, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		if last.Valid {
			j.LastRunAt = last.Time
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
