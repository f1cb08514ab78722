// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/printfarm/lib/clock"
	"github.com/bureau-foundation/printfarm/lib/schema/farm"
	"github.com/bureau-foundation/printfarm/lib/sqlitepool"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrInvalidInput      = errors.New("invalid job submission")
)

// interruptedReason is recorded on jobs failed at open because a
// previous process died between claiming and starting them.
const interruptedReason = "dispatch interrupted by restart"

// defaultFileName replaces a submitted name with nothing usable left
// after sanitizing.
const defaultFileName = "job.gcode"

// FileResolver reports whether a job file reference resolves.
// *filestore.Store satisfies it.
type FileResolver interface {
	Has(ref string) bool
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file.
	Path   string
	Files  FileResolver
	Clock  clock.Clock
	Logger *slog.Logger
}

// Submission is a request to queue a job.
type Submission struct {
	FileName string
	FileRef  string
	Plate    int
	// DeviceID pins the job to one device. It is ignored when
	// AutoAssign is set and required otherwise.
	DeviceID   string
	AutoAssign bool
}

// Filter narrows List. The zero value matches every job.
type Filter struct {
	Status farm.JobStatus
}

// Store is the SQLite-backed job queue. It is safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	files  FileResolver
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens (creating if needed) the queue database and fails any
// job a previous process left in dispatching.
func Open(cfg Config) (*Store, error) {
	if cfg.Files == nil {
		return nil, errors.New("jobqueue: Files is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("jobqueue: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("jobqueue: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Schema: schema,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("jobqueue: %w", err)
	}

	store := &Store{
		pool:   pool,
		files:  cfg.Files,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
	if err := store.recoverInterrupted(); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) recoverInterrupted() error {
	var recovered int
	err := s.pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE jobs SET status = ?, error = ?, finished_at = ? WHERE status = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(farm.JobFailed), interruptedReason, toNanos(s.clock.Now()), string(farm.JobDispatching),
			}})
		recovered = conn.Changes()
		return err
	})
	if err != nil {
		return fmt.Errorf("jobqueue: recovering interrupted dispatches: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("failed jobs interrupted mid-dispatch", "count", recovered)
	}
	return nil
}

// Submit validates and queues a job.
func (s *Store) Submit(ctx context.Context, submission Submission) (farm.Job, error) {
	if strings.TrimSpace(submission.FileName) == "" {
		return farm.Job{}, fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}
	if submission.Plate < 1 {
		return farm.Job{}, fmt.Errorf("%w: plate must be at least 1, got %d", ErrInvalidInput, submission.Plate)
	}
	if submission.FileRef == "" || !s.files.Has(submission.FileRef) {
		return farm.Job{}, fmt.Errorf("%w: job file %q not found", ErrInvalidInput, submission.FileRef)
	}
	target := submission.DeviceID
	if submission.AutoAssign {
		target = ""
	} else if target == "" {
		return farm.Job{}, fmt.Errorf("%w: device_id is required unless auto_assign is set", ErrInvalidInput)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return farm.Job{}, fmt.Errorf("jobqueue: generating job id: %w", err)
	}
	job := farm.Job{
		ID:             id.String(),
		FileName:       SanitizeFileName(submission.FileName),
		FileRef:        submission.FileRef,
		Plate:          submission.Plate,
		TargetDeviceID: target,
		Status:         farm.JobQueued,
		CreatedAt:      s.clock.Now(),
	}

	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO jobs (id, file_name, file_ref, plate, target_device_id, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				job.ID, job.FileName, job.FileRef, job.Plate, job.TargetDeviceID,
				string(job.Status), toNanos(job.CreatedAt),
			}})
	})
	if err != nil {
		return farm.Job{}, fmt.Errorf("jobqueue: inserting job: %w", err)
	}

	s.logger.Info("job queued",
		"job_id", job.ID,
		"file", job.FileName,
		"plate", job.Plate,
		"target", job.TargetDeviceID,
	)
	return job, nil
}

// SanitizeFileName reduces name to its base name in [A-Za-z0-9._-]
// with leading and trailing dots and underscores removed.
func SanitizeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	cleaned := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("._-", r)) {
			return r
		}
		return -1
	}, base)
	cleaned = strings.Trim(cleaned, "._")
	if cleaned == "" {
		return defaultFileName
	}
	return cleaned
}

// Get returns one job.
func (s *Store) Get(ctx context.Context, id string) (farm.Job, error) {
	var job farm.Job
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		job, err = getJob(conn, id)
		return err
	})
	return job, err
}

// List returns jobs in queue order.
func (s *Store) List(ctx context.Context, filter Filter) ([]farm.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if filter.Status != "" {
		if !filter.Status.IsValid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
		}
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY seq`

	jobs := []farm.Job{}
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				jobs = append(jobs, scanJob(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("jobqueue: listing jobs: %w", err)
	}
	return jobs, nil
}

// Counts returns the number of jobs in every status, including zeros.
func (s *Store) Counts(ctx context.Context) (map[farm.JobStatus]int, error) {
	counts := make(map[farm.JobStatus]int, len(farm.AllJobStatuses))
	for _, status := range farm.AllJobStatuses {
		counts[status] = 0
	}
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT status, COUNT(*) FROM jobs GROUP BY status`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[farm.JobStatus(stmt.ColumnText(0))] = stmt.ColumnInt(1)
				return nil
			}})
	})
	if err != nil {
		return nil, fmt.Errorf("jobqueue: counting jobs: %w", err)
	}
	return counts, nil
}

// ReferencesFile reports whether any job still names ref.
func (s *Store) ReferencesFile(ctx context.Context, ref string) (bool, error) {
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT 1 FROM jobs WHERE file_ref = ? LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{ref},
				ResultFunc: func(*sqlite.Stmt) error {
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return false, fmt.Errorf("jobqueue: checking file references: %w", err)
	}
	return found, nil
}

// Claim moves a queued job to dispatching on deviceID. A job that is
// no longer queued yields ErrInvalidTransition.
func (s *Store) Claim(ctx context.Context, id, deviceID string) (farm.Job, error) {
	return s.transition(ctx, id, farm.JobDispatching,
		`assigned_device_id = ?, started_at = ?`, deviceID, toNanos(s.clock.Now()))
}

// MarkRunning records that the device accepted the start.
func (s *Store) MarkRunning(ctx context.Context, id string) (farm.Job, error) {
	return s.transition(ctx, id, farm.JobRunning, `error = ''`)
}

// Requeue returns a dispatching job to the queue after a failed
// attempt, recording reason and counting the attempt.
func (s *Store) Requeue(ctx context.Context, id, reason string) (farm.Job, error) {
	return s.transition(ctx, id, farm.JobQueued,
		`assigned_device_id = '', started_at = 0, error = ?, attempts = attempts + 1`, reason)
}

// MarkFailed ends a dispatching or running job as failed.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (farm.Job, error) {
	return s.transition(ctx, id, farm.JobFailed,
		`error = ?, finished_at = ?`, reason, toNanos(s.clock.Now()))
}

// MarkCompleted ends a running job successfully.
func (s *Store) MarkCompleted(ctx context.Context, id string) (farm.Job, error) {
	return s.transition(ctx, id, farm.JobCompleted, `finished_at = ?`, toNanos(s.clock.Now()))
}

// MarkStopped cancels a job that was stopped outside the queue, such
// as on the device itself, recording reason.
func (s *Store) MarkStopped(ctx context.Context, id, reason string) (farm.Job, error) {
	return s.transition(ctx, id, farm.JobCancelled,
		`assigned_device_id = '', error = ?, finished_at = ?`, reason, toNanos(s.clock.Now()))
}

// Cancel moves a non-terminal job to cancelled and returns the job as
// it was before, so the caller can stop the device it held.
func (s *Store) Cancel(ctx context.Context, id string) (farm.Job, error) {
	var prior farm.Job
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		prior, err = getJob(conn, id)
		if err != nil {
			return err
		}
		if !isValidTransition(prior.Status, farm.JobCancelled) {
			return fmt.Errorf("%w: cannot cancel %s job %s", ErrInvalidTransition, prior.Status, id)
		}
		return sqlitex.Execute(conn,
			`UPDATE jobs SET status = ?, assigned_device_id = '', finished_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{string(farm.JobCancelled), toNanos(s.clock.Now()), id}})
	})
	if err != nil {
		return farm.Job{}, err
	}
	s.logger.Info("job cancelled", "job_id", id, "was", prior.Status, "device", prior.AssignedDeviceID)
	return prior, nil
}

// Remove deletes a job that does not hold a device and returns it.
func (s *Store) Remove(ctx context.Context, id string) (farm.Job, error) {
	var job farm.Job
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		job, err = getJob(conn, id)
		if err != nil {
			return err
		}
		if job.Status.IsActive() {
			return fmt.Errorf("%w: cannot remove %s job %s", ErrInvalidTransition, job.Status, id)
		}
		return sqlitex.Execute(conn, `DELETE FROM jobs WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id}})
	})
	if err != nil {
		return farm.Job{}, err
	}
	s.logger.Info("job removed", "job_id", id, "status", job.Status)
	return job, nil
}

// transition applies assignments to job id and moves it to status to,
// provided its current status may move there. It returns the updated
// job.
func (s *Store) transition(ctx context.Context, id string, to farm.JobStatus, assignments string, args ...any) (farm.Job, error) {
	sources := sourcesOf(to)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(sources)), ", ")
	query := `UPDATE jobs SET status = ?, ` + assignments +
		` WHERE id = ? AND status IN (` + placeholders + `)`

	queryArgs := append([]any{string(to)}, args...)
	queryArgs = append(queryArgs, id)
	for _, source := range sources {
		queryArgs = append(queryArgs, string(source))
	}

	var job farm.Job
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: queryArgs}); err != nil {
			return fmt.Errorf("jobqueue: updating job %s: %w", id, err)
		}
		changed := conn.Changes()
		current, err := getJob(conn, id)
		if err != nil {
			return err
		}
		if changed == 0 {
			return fmt.Errorf("%w: job %s is %s, cannot become %s", ErrInvalidTransition, id, current.Status, to)
		}
		job = current
		return nil
	})
	if err != nil {
		return farm.Job{}, err
	}
	s.logger.Debug("job transition", "job_id", id, "status", to, "device", job.AssignedDeviceID)
	return job, nil
}

func getJob(conn *sqlite.Conn, id string) (farm.Job, error) {
	var (
		job   farm.Job
		found bool
	)
	err := sqlitex.Execute(conn, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				job = scanJob(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return farm.Job{}, fmt.Errorf("jobqueue: reading job %s: %w", id, err)
	}
	if !found {
		return farm.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, nil
}

// scanJob reads a row selected with jobColumns.
func scanJob(stmt *sqlite.Stmt) farm.Job {
	return farm.Job{
		ID:               stmt.ColumnText(0),
		FileName:         stmt.ColumnText(1),
		FileRef:          stmt.ColumnText(2),
		Plate:            stmt.ColumnInt(3),
		TargetDeviceID:   stmt.ColumnText(4),
		AssignedDeviceID: stmt.ColumnText(5),
		Status:           farm.JobStatus(stmt.ColumnText(6)),
		Error:            stmt.ColumnText(7),
		Attempts:         stmt.ColumnInt(8),
		CreatedAt:        fromNanos(stmt.ColumnInt64(9)),
		StartedAt:        fromNanos(stmt.ColumnInt64(10)),
		FinishedAt:       fromNanos(stmt.ColumnInt64(11)),
	}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}
