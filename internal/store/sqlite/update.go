package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"hpcflow/internal/store"
	"hpcflow/internal/workflow"

	sq "github.com/Masterminds/squirrel"
)

// ApplyUpdates applies the batch in order inside a single transaction.
// If any update fails the whole batch is rolled back and the error returned; the caller retries
// the batch later. Updates that do not advance a task are no-ops, which makes replays harmless.
func (s *Store) ApplyUpdates(ctx context.Context, updates []store.TaskUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i, u := range updates {
			if err := s.applyUpdate(ctx, tx, u); err != nil {
				return fmt.Errorf("update %d (%s/%s -> %s): %w", i, u.RunName, u.ProcType, u.Status, err)
			}
		}
		return nil
	})
}

// ApplyUpdate applies a single update in its own transaction.
func (s *Store) ApplyUpdate(ctx context.Context, u store.TaskUpdate) error {
	return s.ApplyUpdates(ctx, []store.TaskUpdate{u})
}

// ValidateUpdate checks the fields every update needs.
func ValidateUpdate(u store.TaskUpdate) error {
	if u.RunName == "" {
		return errors.New("run_name is required")
	}
	if !u.ProcType.Valid() {
		return fmt.Errorf("invalid proc_type %d", int(u.ProcType))
	}
	if !u.Status.Valid() {
		return fmt.Errorf("invalid status %d", int(u.Status))
	}
	if u.Status == workflow.StatusCreated {
		return errors.New("created is not a reportable status")
	}
	// Without a job id a replayed failure would land on the retry row it created.
	if u.JobID == nil {
		return errors.New("update requires a job_id")
	}
	return nil
}

type targetRow struct {
	id           int64
	jobID        sql.NullInt64
	lastModified int64
}

// findTarget returns the newest row of the identity that the update may advance.
// Rows that already failed are final; a completed row may still be invalidated to failed.
func (s *Store) findTarget(ctx context.Context, tx store.DBTransaction, u store.TaskUpdate) (*targetRow, error) {
	q := qb.Select("id", "job_id", "last_modified").From("state").
		Where(sq.Eq{"run_name": u.RunName, "proc_type": int(u.ProcType)}).
		Where(sq.Lt{"status": int(u.Status)}).
		Where(sq.NotEq{"status": statusCodes(workflow.StatusFailed, workflow.StatusKilledWCT)})
	// A report may overtake the queued update that assigns its job id, so a row without a job id
	// can be claimed. A job that already belongs to an attempt only ever advances that attempt.
	owned, err := s.ownsJob(ctx, tx, u.Identity(), *u.JobID)
	if err != nil {
		return nil, err
	}
	if owned {
		q = q.Where(sq.Eq{"job_id": *u.JobID})
	} else {
		q = q.Where(sq.Or{sq.Eq{"job_id": *u.JobID}, sq.Eq{"job_id": nil}})
	}
	query, args, err := q.OrderBy("id DESC").Limit(1).ToSql()
	if err != nil {
		return nil, err
	}

	var row targetRow
	err = tx.QueryRowContext(ctx, query, args...).Scan(&row.id, &row.jobID, &row.lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task row: %w", err)
	}
	return &row, nil
}

func (s *Store) applyUpdate(ctx context.Context, tx store.DBTransaction, u store.TaskUpdate) error {
	if err := ValidateUpdate(u); err != nil {
		return err
	}

	row, err := s.findTarget(ctx, tx, u)
	if err != nil {
		return err
	}

	advanced := false
	if row != nil {
		set := qb.Update("state").
			Set("status", int(u.Status)).
			Set("last_modified", s.nextModified(row.lastModified)).
			Where(sq.Eq{"id": row.id, "last_modified": row.lastModified}).
			Where(sq.Lt{"status": int(u.Status)})
		if u.JobID != nil && !row.jobID.Valid {
			set = set.Set("job_id", *u.JobID)
		}
		query, args, err := set.ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		advanced = n > 0
	}

	if u.JobID != nil {
		record := advanced
		if !record {
			record, err = s.ownsJob(ctx, tx, u.Identity(), *u.JobID)
			if err != nil {
				return err
			}
		}
		if record {
			if err := s.recordDuration(ctx, tx, u); err != nil {
				return err
			}
		}
	}

	if !advanced {
		return nil
	}

	if u.Error != nil && *u.Error != "" {
		if err := s.appendError(ctx, tx, row.id, *u.Error); err != nil {
			return err
		}
	}

	if u.Status.Retryable() {
		return s.retryOrCascade(ctx, tx, row.id, u.Identity(), u.Status, make(map[store.Identity]bool))
	}
	return nil
}

// ownsJob reports whether a row of the identity carries jobID.
func (s *Store) ownsJob(ctx context.Context, tx store.DBTransaction, id store.Identity, jobID int64) (bool, error) {
	query, args, err := qb.Select("COUNT(*)").From("state").
		Where(sq.Eq{"run_name": id.RunName, "proc_type": int(id.ProcType), "job_id": jobID}).
		ToSql()
	if err != nil {
		return false, err
	}
	var n int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up job %d: %w", jobID, err)
	}
	return n > 0, nil
}

// recordDuration fills the duration log fields the lifecycle event carries. Fields already set are
// kept, so replays and late events never overwrite earlier observations.
func (s *Store) recordDuration(ctx context.Context, tx store.DBTransaction, u store.TaskUpdate) error {
	nowSec := s.now().Unix()
	var queued, started, ended *int64
	switch {
	case u.Status == workflow.StatusQueued:
		queued = orNow(u.QueuedAt, nowSec)
	case u.Status == workflow.StatusRunning:
		started = orNow(u.StartedAt, nowSec)
	case u.Status.Terminal():
		started = u.StartedAt
		ended = orNow(u.EndedAt, nowSec)
	}
	if queued == nil {
		queued = u.QueuedAt
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_duration_log (job_id, machine, queued_time, start_time, end_time, nodes, cores, memory, WCT)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			machine = COALESCE(job_duration_log.machine, excluded.machine),
			queued_time = COALESCE(job_duration_log.queued_time, excluded.queued_time),
			start_time = COALESCE(job_duration_log.start_time, excluded.start_time),
			end_time = COALESCE(job_duration_log.end_time, excluded.end_time),
			nodes = COALESCE(job_duration_log.nodes, excluded.nodes),
			cores = COALESCE(job_duration_log.cores, excluded.cores),
			memory = COALESCE(job_duration_log.memory, excluded.memory),
			WCT = COALESCE(job_duration_log.WCT, excluded.WCT)
	`, *u.JobID, u.Machine, queued, started, ended, u.Nodes, u.Cores, u.Memory, u.WCT)
	if err != nil {
		return fmt.Errorf("failed to record duration for job %d: %w", *u.JobID, err)
	}
	return nil
}

func orNow(v *int64, now int64) *int64 {
	if v != nil {
		return v
	}
	return &now
}
