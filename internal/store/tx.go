package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/loomwork/loom/internal/model"
)

// execer, queryer, and selector are satisfied by *sqlx.DB, *sqlx.Tx and
// *Store, letting the Store methods that accept one run either standalone
// or inside a caller-managed transaction — the shape needed by the multi-row
// invariant-preserving APIs (edge insertion, child-batch creation,
// close-cascade), which live in the DAG Service and Pipeline Engine and
// drive these primitives through an explicit transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type queryer interface {
	Get(dest any, query string, args ...any) error
}

type selector interface {
	Select(dest any, query string, args ...any) error
}

// Select runs a multi-row query against the Store's own connection pool
// (non-transactional), letting other packages pass a *Store anywhere a
// selector is accepted.
func (s *Store) Select(dest any, query string, args ...any) error {
	return s.db.Select(dest, query, args...)
}

// Get runs a single-row query against the Store's own connection pool.
func (s *Store) Get(dest any, query string, args ...any) error {
	return s.db.Get(dest, query, args...)
}

// Exec runs a statement against the Store's own connection pool
// (non-transactional), letting other packages pass a *Store anywhere an
// execer is accepted — e.g. the Worker Supervisor's own bookkeeping writes,
// which don't need to share a transaction with the Pipeline Engine.
func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(query, args...)
}

// Begin starts a new transaction with the driver's default (deferred)
// locking: it does not issue BEGIN IMMEDIATE, so the write lock is taken at
// the transaction's first write, not when it begins.
func (s *Store) Begin() (*sqlx.Tx, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "begin transaction")
	}
	if _, err := tx.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		tx.Rollback()
		return nil, model.Wrap(model.KindStorageError, err, "begin transaction")
	}
	return tx, nil
}

// InsertEdge inserts a dependency edge row. The caller (internal/dag) is
// responsible for the cycle/self-edge checks before calling this.
func (s *Store) InsertEdge(ex execer, parentTicketID, childTicketID string, depType model.DependencyType) error {
	if !depType.Valid() {
		return enumError("dependency_type", string(depType))
	}
	_, err := ex.Exec(`
		INSERT INTO dependencies (parent_ticket_id, child_ticket_id, dependency_type)
		VALUES (?, ?, ?)`, parentTicketID, childTicketID, depType)
	if err != nil {
		return model.Wrap(model.KindConflict, err, "insert edge %s->%s", parentTicketID, childTicketID)
	}
	return nil
}

// DeleteEdge removes a dependency edge row.
func (s *Store) DeleteEdge(ex execer, parentTicketID, childTicketID string) error {
	res, err := ex.Exec(`DELETE FROM dependencies WHERE parent_ticket_id = ? AND child_ticket_id = ?`, parentTicketID, childTicketID)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "delete edge %s->%s", parentTicketID, childTicketID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.NewError(model.KindNotFound, "edge %s->%s not found", parentTicketID, childTicketID)
	}
	return nil
}

// ListParentEdges returns every edge where childTicketID is the child (i.e.
// the tickets this ticket depends on).
func (s *Store) ListParentEdges(sel selector, childTicketID string) ([]model.Dependency, error) {
	var ds []model.Dependency
	err := sel.Select(&ds, `SELECT * FROM dependencies WHERE child_ticket_id = ?`, childTicketID)
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list parent edges for %s", childTicketID)
	}
	return ds, nil
}

// ListChildEdges returns every edge where parentTicketID is the parent.
func (s *Store) ListChildEdges(sel selector, parentTicketID string) ([]model.Dependency, error) {
	var ds []model.Dependency
	err := sel.Select(&ds, `SELECT * FROM dependencies WHERE parent_ticket_id = ?`, parentTicketID)
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list child edges for %s", parentTicketID)
	}
	return ds, nil
}

// ListProjectEdges returns every dependency edge among a project's tickets.
func (s *Store) ListProjectEdges(sel selector, projectID string) ([]model.Dependency, error) {
	var ds []model.Dependency
	err := sel.Select(&ds, `
		SELECT d.* FROM dependencies d
		JOIN tickets t ON d.parent_ticket_id = t.ticket_id
		WHERE t.project_id = ?`, projectID)
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list edges for project %s", projectID)
	}
	return ds, nil
}

// EdgeExists reports whether an edge of any type already connects parent->child.
func (s *Store) EdgeExists(q queryer, parentTicketID, childTicketID string) (bool, error) {
	var count int
	err := q.Get(&count, `SELECT COUNT(*) FROM dependencies WHERE parent_ticket_id = ? AND child_ticket_id = ?`, parentTicketID, childTicketID)
	if err != nil {
		return false, model.Wrap(model.KindStorageError, err, "check edge existence")
	}
	return count > 0, nil
}

// GetTicketTx fetches a ticket by id within a transaction.
func (s *Store) GetTicketTx(q queryer, ticketID string) (*model.Ticket, error) {
	return s.getTicketWith(q, ticketID)
}

// InsertWorkerType inserts a worker type row within a caller-managed
// transaction, for the Pipeline Engine's planning-stage specialization,
// which must create missing worker types in the same
// transaction as the tickets and edges that reference them.
func (s *Store) InsertWorkerType(ex execer, wt *model.WorkerType) error {
	_, err := ex.Exec(`
		INSERT INTO worker_types (project_id, worker_type, short_description, system_prompt, binary_override, timeout_seconds)
		VALUES (?, ?, ?, ?, ?, ?)`,
		wt.ProjectID, wt.WorkerType, wt.ShortDescription, wt.SystemPrompt, wt.BinaryOverride, wt.TimeoutSeconds)
	if err != nil {
		return model.Wrap(model.KindConflict, err, "create worker type %s/%s", wt.ProjectID, wt.WorkerType)
	}
	return nil
}

// WorkerTypeExists reports whether a (project, worker_type) pair is already
// configured, within a caller-managed transaction.
func (s *Store) WorkerTypeExists(q queryer, projectID, workerType string) (bool, error) {
	var count int
	err := q.Get(&count, `SELECT COUNT(*) FROM worker_types WHERE project_id = ? AND worker_type = ?`, projectID, workerType)
	if err != nil {
		return false, model.Wrap(model.KindStorageError, err, "check worker type %s/%s", projectID, workerType)
	}
	return count > 0, nil
}

// GetWorkerTypeTx fetches a worker type by (project, worker_type) within a
// caller-managed transaction.
func (s *Store) GetWorkerTypeTx(q queryer, projectID, workerType string) (*model.WorkerType, error) {
	var wt model.WorkerType
	err := q.Get(&wt, `SELECT * FROM worker_types WHERE project_id = ? AND worker_type = ?`, projectID, workerType)
	if rowNotFound(err) {
		return nil, model.NewError(model.KindNotFound, "worker type %s/%s not found", projectID, workerType)
	}
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "get worker type %s/%s", projectID, workerType)
	}
	return &wt, nil
}

// ListProjectTickets returns every ticket belonging to a project.
func (s *Store) ListProjectTickets(sel selector, projectID string) ([]model.Ticket, error) {
	var rows []ticketRow
	err := sel.Select(&rows, `SELECT `+ticketColumns+` FROM tickets WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list tickets for project %s", projectID)
	}
	out := make([]model.Ticket, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// CloseTicketRow sets the terminal fields of a close: state, stage,
// closed_at, dependency_status, and clears processing_worker_id. It does not
// run the cascade — that is the DAG Service's onTicketClosed, invoked by the
// Pipeline Engine within the same transaction.
func (s *Store) CloseTicketRow(ex execer, ticketID, resolution string) error {
	var res any
	if resolution != "" {
		res = resolution
	}
	_, err := ex.Exec(`
		UPDATE tickets SET state = 'closed', current_stage = ?, closed_at = CURRENT_TIMESTAMP,
			dependency_status = 'ready', processing_worker_id = NULL, resolution = ?, updated_at = CURRENT_TIMESTAMP
		WHERE ticket_id = ?`, model.StageClosed, res, ticketID)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "close ticket %s", ticketID)
	}
	return nil
}

// SetTicketStageTx advances current_stage (and optionally replaces
// execution_plan) within a transaction, for use by the Pipeline Engine's
// next_stage/prev_stage handling.
func (s *Store) SetTicketStageTx(ex execer, ticketID, stage string, newPlan []string) error {
	if newPlan != nil {
		planJSON, err := marshalPlan(newPlan)
		if err != nil {
			return err
		}
		_, err = ex.Exec(`UPDATE tickets SET current_stage = ?, execution_plan = ?, updated_at = CURRENT_TIMESTAMP WHERE ticket_id = ?`,
			stage, planJSON, ticketID)
		if err != nil {
			return model.Wrap(model.KindStorageError, err, "advance stage for %s", ticketID)
		}
		return nil
	}
	_, err := ex.Exec(`UPDATE tickets SET current_stage = ?, updated_at = CURRENT_TIMESTAMP WHERE ticket_id = ?`, stage, ticketID)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "advance stage for %s", ticketID)
	}
	return nil
}

func marshalPlan(plan []string) (string, error) {
	b, err := json.Marshal(plan)
	if err != nil {
		return "", model.Wrap(model.KindValidation, err, "encode execution_plan")
	}
	return string(b), nil
}

// rowNotFound is a small helper so callers can use errors.Is against sql.ErrNoRows
// without importing database/sql in every package.
func rowNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
