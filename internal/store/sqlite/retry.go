package sqlite

import (
	"context"
	"fmt"

	"hpcflow/internal/store"
	"hpcflow/internal/workflow"

	sq "github.com/Masterminds/squirrel"
)

// retryOrCascade runs after row rowID of identity id moved to a failed or killed_WCT status.
// Below the retry ceiling a fresh created row is inserted. A plain failure additionally invalidates
// completed dependents, which were computed from output that now has to be redone.
func (s *Store) retryOrCascade(ctx context.Context, tx store.DBTransaction, rowID int64, id store.Identity, status workflow.Status, visited map[store.Identity]bool) error {
	prior, err := s.countFailures(ctx, tx, id, status, rowID)
	if err != nil {
		return err
	}
	if prior < s.retryMax {
		if _, err := s.insertTask(ctx, tx, id.RunName, id.ProcType); err != nil {
			return err
		}
	}

	if status != workflow.StatusFailed {
		return nil
	}
	return s.cascade(ctx, tx, id, visited)
}

// countFailures counts rows of the identity with the given status, leaving out excludeID.
func (s *Store) countFailures(ctx context.Context, tx store.DBTransaction, id store.Identity, status workflow.Status, excludeID int64) (int, error) {
	query, args, err := qb.Select("COUNT(*)").From("state").
		Where(sq.Eq{"run_name": id.RunName, "proc_type": int(id.ProcType), "status": int(status)}).
		Where(sq.NotEq{"id": excludeID}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s rows for %s/%s: %w", status, id.RunName, id.ProcType, err)
	}
	return n, nil
}

type completedRow struct {
	id           int64
	runName      string
	lastModified int64
}

// cascade marks completed dependents of id as failed and recurses through them.
// Dependents that are not completed are left alone. The graph is acyclic, visited only guards
// against revisiting an identity reachable through several paths.
func (s *Store) cascade(ctx context.Context, tx store.DBTransaction, id store.Identity, visited map[store.Identity]bool) error {
	visited[id] = true

	for _, dep := range s.graph.Dependents(id.ProcType) {
		q := qb.Select("id", "run_name", "last_modified").From("state").
			Where(sq.Eq{"proc_type": int(dep.Proc), "status": int(workflow.StatusCompleted)})
		if dep.Scope == workflow.ScopeFaultGroup {
			// Group-scoped dependents only consume the median's output.
			if !workflow.IsMedian(id.RunName) {
				continue
			}
			q = q.Where(sq.Or{
				sq.Eq{"run_name": id.RunName},
				sq.Expr(`run_name LIKE ? ESCAPE '\'`, workflow.GroupMemberPattern(id.RunName)),
			})
		} else {
			q = q.Where(sq.Eq{"run_name": id.RunName})
		}
		query, args, err := q.OrderBy("id").ToSql()
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to find dependents of %s/%s: %w", id.RunName, id.ProcType, err)
		}
		var completed []completedRow
		for rows.Next() {
			var r completedRow
			if err := rows.Scan(&r.id, &r.runName, &r.lastModified); err != nil {
				rows.Close()
				return err
			}
			completed = append(completed, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, r := range completed {
			depID := store.Identity{RunName: r.runName, ProcType: dep.Proc}
			if visited[depID] {
				continue
			}

			query, args, err := qb.Update("state").
				Set("status", int(workflow.StatusFailed)).
				Set("last_modified", s.nextModified(r.lastModified)).
				Where(sq.Eq{"id": r.id, "status": int(workflow.StatusCompleted)}).
				ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to invalidate %s/%s: %w", r.runName, dep.Proc, err)
			}

			msg := fmt.Sprintf("invalidated: dependency %s of %s failed", id.ProcType, id.RunName)
			if err := s.appendError(ctx, tx, r.id, msg); err != nil {
				return err
			}
			if err := s.retryOrCascade(ctx, tx, r.id, depID, workflow.StatusFailed, visited); err != nil {
				return err
			}
		}
	}
	return nil
}
