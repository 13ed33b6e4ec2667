package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomwork/loom/internal/model"
)

// ticketRow mirrors the tickets table exactly, so sqlx can scan it directly;
// model.Ticket is the public shape with execution_plan already decoded.
type ticketRow struct {
	TicketID            string         `db:"ticket_id"`
	ProjectID           string         `db:"project_id"`
	Title               string         `db:"title"`
	Description         sql.NullString `db:"description"`
	ExecutionPlan       string         `db:"execution_plan"`
	CurrentStage        string         `db:"current_stage"`
	State               string         `db:"state"`
	Priority            string         `db:"priority"`
	DependencyStatus    string         `db:"dependency_status"`
	TicketType          string         `db:"ticket_type"`
	ParentTicketID      sql.NullString `db:"parent_ticket_id"`
	CreatedByWorkerID   sql.NullString `db:"created_by_worker_id"`
	ProcessingWorkerID  sql.NullString `db:"processing_worker_id"`
	RulesVersion        int            `db:"rules_version"`
	PatternsVersion     int            `db:"patterns_version"`
	InheritedFromParent bool           `db:"inherited_from_parent"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	ClosedAt            sql.NullTime   `db:"closed_at"`
	Resolution          sql.NullString `db:"resolution"`
}

func (r ticketRow) toModel() (*model.Ticket, error) {
	var plan []string
	if err := json.Unmarshal([]byte(r.ExecutionPlan), &plan); err != nil {
		return nil, fmt.Errorf("decode execution_plan for %s: %w", r.TicketID, err)
	}
	t := &model.Ticket{
		TicketID:            r.TicketID,
		ProjectID:           r.ProjectID,
		Title:               r.Title,
		Description:         r.Description.String,
		ExecutionPlan:       plan,
		CurrentStage:        r.CurrentStage,
		State:                model.TicketState(r.State),
		Priority:             model.Priority(r.Priority),
		DependencyStatus:     model.DependencyStatus(r.DependencyStatus),
		TicketType:           model.TicketType(r.TicketType),
		RulesVersion:         r.RulesVersion,
		PatternsVersion:      r.PatternsVersion,
		InheritedFromParent:  r.InheritedFromParent,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if r.ParentTicketID.Valid {
		t.ParentTicketID = &r.ParentTicketID.String
	}
	if r.CreatedByWorkerID.Valid {
		t.CreatedByWorkerID = &r.CreatedByWorkerID.String
	}
	if r.ProcessingWorkerID.Valid {
		t.ProcessingWorkerID = &r.ProcessingWorkerID.String
	}
	if r.ClosedAt.Valid {
		ts := r.ClosedAt.Time
		t.ClosedAt = &ts
	}
	if r.Resolution.Valid {
		t.Resolution = &r.Resolution.String
	}
	return t, nil
}

const ticketColumns = `ticket_id, project_id, title, description, execution_plan, current_stage,
	state, priority, dependency_status, ticket_type, parent_ticket_id, created_by_worker_id,
	processing_worker_id, rules_version, patterns_version, inherited_from_parent,
	created_at, updated_at, closed_at, resolution`

// --- Project ---

// CreateProject inserts a new project row.
func (s *Store) CreateProject(p *model.Project) error {
	_, err := s.db.Exec(`
		INSERT INTO projects (repository_name, path, short_description, project_prefix,
			rules, patterns, rules_version, patterns_version, jbct_enabled, jbct_version, jbct_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RepositoryName, p.Path, p.ShortDescription, p.ProjectPrefix,
		p.Rules, p.Patterns, p.RulesVersion, p.PatternsVersion, p.JBCTEnabled, p.JBCTVersion, p.JBCTURL)
	if err != nil {
		return model.Wrap(model.KindConflict, err, "create project %s", p.RepositoryName)
	}
	return nil
}

// GetProject fetches a project by its repository name.
func (s *Store) GetProject(repositoryName string) (*model.Project, error) {
	var p model.Project
	err := s.db.Get(&p, `SELECT * FROM projects WHERE repository_name = ?`, repositoryName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewError(model.KindNotFound, "project %s not found", repositoryName)
	}
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "get project %s", repositoryName)
	}
	return &p, nil
}

// ListProjects returns every project, ordered by repository name.
func (s *Store) ListProjects() ([]model.Project, error) {
	var ps []model.Project
	if err := s.db.Select(&ps, `SELECT * FROM projects ORDER BY repository_name`); err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list projects")
	}
	return ps, nil
}

// UpdateProjectRules replaces a project's rules text and bumps rules_version.
func (s *Store) UpdateProjectRules(repositoryName, rules string) (int, error) {
	var version int
	err := s.db.Get(&version, `
		UPDATE projects SET rules = ?, rules_version = rules_version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE repository_name = ?
		RETURNING rules_version`, rules, repositoryName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, model.NewError(model.KindNotFound, "project %s not found", repositoryName)
	}
	if err != nil {
		return 0, model.Wrap(model.KindStorageError, err, "update rules for %s", repositoryName)
	}
	return version, nil
}

// UpdateProjectPatterns replaces a project's patterns text and bumps patterns_version.
func (s *Store) UpdateProjectPatterns(repositoryName, patterns string) (int, error) {
	var version int
	err := s.db.Get(&version, `
		UPDATE projects SET patterns = ?, patterns_version = patterns_version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE repository_name = ?
		RETURNING patterns_version`, patterns, repositoryName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, model.NewError(model.KindNotFound, "project %s not found", repositoryName)
	}
	if err != nil {
		return 0, model.Wrap(model.KindStorageError, err, "update patterns for %s", repositoryName)
	}
	return version, nil
}

// DeleteProject removes a project; ON DELETE CASCADE removes every
// dependent worker type, ticket, comment, worker, and dependency edge.
func (s *Store) DeleteProject(repositoryName string) error {
	res, err := s.db.Exec(`DELETE FROM projects WHERE repository_name = ?`, repositoryName)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "delete project %s", repositoryName)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.NewError(model.KindNotFound, "project %s not found", repositoryName)
	}
	return nil
}

// --- WorkerType ---

func (s *Store) CreateWorkerType(wt *model.WorkerType) (*model.WorkerType, error) {
	res, err := s.db.Exec(`
		INSERT INTO worker_types (project_id, worker_type, short_description, system_prompt, binary_override, timeout_seconds)
		VALUES (?, ?, ?, ?, ?, ?)`,
		wt.ProjectID, wt.WorkerType, wt.ShortDescription, wt.SystemPrompt, wt.BinaryOverride, wt.TimeoutSeconds)
	if err != nil {
		return nil, model.Wrap(model.KindConflict, err, "create worker type %s/%s", wt.ProjectID, wt.WorkerType)
	}
	id, _ := res.LastInsertId()
	return s.GetWorkerTypeByID(id)
}

func (s *Store) GetWorkerTypeByID(id int64) (*model.WorkerType, error) {
	var wt model.WorkerType
	err := s.db.Get(&wt, `SELECT * FROM worker_types WHERE id = ?`, id)
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "get worker type %d", id)
	}
	return &wt, nil
}

func (s *Store) GetWorkerType(projectID, workerType string) (*model.WorkerType, error) {
	var wt model.WorkerType
	err := s.db.Get(&wt, `SELECT * FROM worker_types WHERE project_id = ? AND worker_type = ?`, projectID, workerType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewError(model.KindNotFound, "worker type %s/%s not found", projectID, workerType)
	}
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "get worker type %s/%s", projectID, workerType)
	}
	return &wt, nil
}

func (s *Store) ListWorkerTypes(projectID string) ([]model.WorkerType, error) {
	var wts []model.WorkerType
	err := s.db.Select(&wts, `SELECT * FROM worker_types WHERE project_id = ? ORDER BY worker_type`, projectID)
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list worker types for %s", projectID)
	}
	return wts, nil
}

func (s *Store) UpdateWorkerType(wt *model.WorkerType) error {
	res, err := s.db.Exec(`
		UPDATE worker_types SET short_description = ?, system_prompt = ?, binary_override = ?,
			timeout_seconds = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		wt.ShortDescription, wt.SystemPrompt, wt.BinaryOverride, wt.TimeoutSeconds, wt.ID)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "update worker type %d", wt.ID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.NewError(model.KindNotFound, "worker type %d not found", wt.ID)
	}
	return nil
}

func (s *Store) DeleteWorkerType(projectID, workerType string) error {
	res, err := s.db.Exec(`DELETE FROM worker_types WHERE project_id = ? AND worker_type = ?`, projectID, workerType)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "delete worker type %s/%s", projectID, workerType)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.NewError(model.KindNotFound, "worker type %s/%s not found", projectID, workerType)
	}
	return nil
}

// --- Ticket ---

// InsertTicket inserts a single ticket row as-is (used by CreateTicket and by
// the planning-batch transaction in internal/pipeline/planning.go). It does not validate invariants;
// callers are expected to have done so.
func (s *Store) InsertTicket(execer execer, t *model.Ticket) error {
	planJSON, err := json.Marshal(t.ExecutionPlan)
	if err != nil {
		return fmt.Errorf("encode execution_plan: %w", err)
	}
	_, err = execer.Exec(`
		INSERT INTO tickets (ticket_id, project_id, title, description, execution_plan, current_stage,
			state, priority, dependency_status, ticket_type, parent_ticket_id, created_by_worker_id,
			processing_worker_id, rules_version, patterns_version, inherited_from_parent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TicketID, t.ProjectID, t.Title, t.Description, string(planJSON), t.CurrentStage,
		t.State, t.Priority, t.DependencyStatus, t.TicketType, t.ParentTicketID, t.CreatedByWorkerID,
		t.ProcessingWorkerID, t.RulesVersion, t.PatternsVersion, t.InheritedFromParent)
	if err != nil {
		return model.Wrap(model.KindConflict, err, "insert ticket %s", t.TicketID)
	}
	return nil
}

// CreateTicket validates enums, inserts the ticket, and returns it.
func (s *Store) CreateTicket(t *model.Ticket) (*model.Ticket, error) {
	if !t.State.Valid() {
		return nil, enumError("state", string(t.State))
	}
	if !t.Priority.Valid() {
		return nil, enumError("priority", string(t.Priority))
	}
	if !t.DependencyStatus.Valid() {
		return nil, enumError("dependency_status", string(t.DependencyStatus))
	}
	if !t.TicketType.Valid() {
		return nil, enumError("ticket_type", string(t.TicketType))
	}
	for _, stage := range t.ExecutionPlan {
		if stage == model.StageClosed {
			return nil, model.NewError(model.KindValidation, "execution_plan must not contain reserved stage %q", model.StageClosed)
		}
	}
	if err := s.InsertTicket(s.db, t); err != nil {
		return nil, err
	}
	return s.GetTicket(t.TicketID)
}

// GetTicket fetches a ticket by id.
func (s *Store) GetTicket(ticketID string) (*model.Ticket, error) {
	return s.getTicketWith(s.db, ticketID)
}

func (s *Store) getTicketWith(q queryer, ticketID string) (*model.Ticket, error) {
	var row ticketRow
	err := q.Get(&row, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = ?`, ticketID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewError(model.KindNotFound, "ticket %s not found", ticketID)
	}
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "get ticket %s", ticketID)
	}
	return row.toModel()
}

// TicketFilter narrows ListTickets.
type TicketFilter struct {
	ProjectID        string
	State            model.TicketState
	Stage            string
	Priority         model.Priority
	DependencyStatus model.DependencyStatus
}

// ListTickets returns tickets matching every non-empty filter field.
func (s *Store) ListTickets(f TicketFilter) ([]model.Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		q += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.State != "" {
		q += ` AND state = ?`
		args = append(args, f.State)
	}
	if f.Stage != "" {
		q += ` AND current_stage = ?`
		args = append(args, f.Stage)
	}
	if f.Priority != "" {
		q += ` AND priority = ?`
		args = append(args, f.Priority)
	}
	if f.DependencyStatus != "" {
		q += ` AND dependency_status = ?`
		args = append(args, f.DependencyStatus)
	}
	q += ` ORDER BY created_at`

	var rows []ticketRow
	if err := s.db.Select(&rows, q, args...); err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list tickets")
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

// UpdateTicketStage sets current_stage, optionally replacing execution_plan, and
// clears processing_worker_id. Used outside of the transactional transitions
// in tx.go for the coordinator's update_stage / resume_ticket_processing tools.
func (s *Store) UpdateTicketStage(ticketID, stage string, plan []string) error {
	if plan != nil {
		planJSON, err := json.Marshal(plan)
		if err != nil {
			return fmt.Errorf("encode execution_plan: %w", err)
		}
		_, err = s.db.Exec(`UPDATE tickets SET current_stage = ?, execution_plan = ?, processing_worker_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE ticket_id = ?`,
			stage, string(planJSON), ticketID)
		if err != nil {
			return model.Wrap(model.KindStorageError, err, "update stage for %s", ticketID)
		}
		return nil
	}
	_, err := s.db.Exec(`UPDATE tickets SET current_stage = ?, processing_worker_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE ticket_id = ?`, stage, ticketID)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "update stage for %s", ticketID)
	}
	return nil
}

// SetProcessingWorker sets or clears (pass "") tickets.processing_worker_id.
func (s *Store) SetProcessingWorker(execer execer, ticketID, workerID string) error {
	var val any
	if workerID != "" {
		val = workerID
	}
	_, err := execer.Exec(`UPDATE tickets SET processing_worker_id = ?, updated_at = CURRENT_TIMESTAMP WHERE ticket_id = ?`, val, ticketID)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "set processing worker for %s", ticketID)
	}
	return nil
}

// SetDependencyStatus updates a single ticket's derived readiness.
func (s *Store) SetDependencyStatus(execer execer, ticketID string, status model.DependencyStatus) error {
	if !status.Valid() {
		return enumError("dependency_status", string(status))
	}
	_, err := execer.Exec(`UPDATE tickets SET dependency_status = ?, updated_at = CURRENT_TIMESTAMP WHERE ticket_id = ?`, status, ticketID)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "set dependency status for %s", ticketID)
	}
	return nil
}

// --- Comment ---

func (s *Store) AddComment(execer execer, c *model.Comment) error {
	_, err := execer.Exec(`
		INSERT INTO comments (ticket_id, worker_type, worker_id, stage_number, kind, content)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.TicketID, c.WorkerType, c.WorkerID, c.StageNumber, c.Kind, c.Content)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "add comment to %s", c.TicketID)
	}
	return nil
}

func (s *Store) ListComments(ticketID string) ([]model.Comment, error) {
	var cs []model.Comment
	err := s.db.Select(&cs, `SELECT * FROM comments WHERE ticket_id = ? ORDER BY created_at`, ticketID)
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list comments for %s", ticketID)
	}
	return cs, nil
}

// --- Worker ---

func (s *Store) InsertWorker(execer execer, w *model.Worker) error {
	_, err := execer.Exec(`
		INSERT INTO workers (worker_id, project_id, worker_type, ticket_id, status, pid, queue_name, started_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.WorkerID, w.ProjectID, w.WorkerType, w.TicketID, w.Status, w.PID, w.QueueName, w.StartedAt, w.LastActivity)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "insert worker %s", w.WorkerID)
	}
	return nil
}

func (s *Store) GetWorker(workerID string) (*model.Worker, error) {
	var w model.Worker
	err := s.db.Get(&w, `SELECT * FROM workers WHERE worker_id = ?`, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewError(model.KindNotFound, "worker %s not found", workerID)
	}
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "get worker %s", workerID)
	}
	return &w, nil
}

func (s *Store) UpdateWorkerStatus(execer execer, workerID string, status model.WorkerStatus, pid *int) error {
	if !status.Valid() {
		return enumError("worker.status", string(status))
	}
	_, err := execer.Exec(`UPDATE workers SET status = ?, pid = COALESCE(?, pid), last_activity = CURRENT_TIMESTAMP WHERE worker_id = ?`,
		status, pid, workerID)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "update worker %s status", workerID)
	}
	return nil
}

// ListWorkers returns workers, optionally filtered by status.
func (s *Store) ListWorkers(status model.WorkerStatus) ([]model.Worker, error) {
	var ws []model.Worker
	var err error
	if status != "" {
		err = s.db.Select(&ws, `SELECT * FROM workers WHERE status = ? ORDER BY started_at DESC`, status)
	} else {
		err = s.db.Select(&ws, `SELECT * FROM workers ORDER BY started_at DESC`)
	}
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list workers")
	}
	return ws, nil
}

// ListActiveProcessingTickets returns tickets with a non-null processing_worker_id,
// used by the Queue Manager's startup recovery scan.
func (s *Store) ListActiveProcessingTickets() ([]model.Ticket, error) {
	var rows []ticketRow
	err := s.db.Select(&rows, `SELECT `+ticketColumns+` FROM tickets WHERE processing_worker_id IS NOT NULL`)
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list processing tickets")
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

// --- Event ---

func (s *Store) InsertEvent(execer execer, e *model.Event) error {
	_, err := execer.Exec(`
		INSERT INTO events (event_type, project_id, ticket_id, worker_id, stage, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.EventType, e.ProjectID, e.TicketID, e.WorkerID, e.Stage, e.Reason)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "insert event %s", e.EventType)
	}
	return nil
}

// ListProjectEvents returns every event for a project, oldest-first, for
// the get_system_health tool's thrash/rework analysis.
func (s *Store) ListProjectEvents(projectID string) ([]model.Event, error) {
	var es []model.Event
	err := s.db.Select(&es, `SELECT * FROM events WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list events for project %s", projectID)
	}
	return es, nil
}

// ListUnprocessedEvents returns unprocessed events oldest-first.
func (s *Store) ListUnprocessedEvents() ([]model.Event, error) {
	var es []model.Event
	err := s.db.Select(&es, `SELECT * FROM events WHERE processed = 0 ORDER BY created_at, id`)
	if err != nil {
		return nil, model.Wrap(model.KindStorageError, err, "list unprocessed events")
	}
	return es, nil
}

// ResolveEvent marks an event processed and stores its resolution summary.
func (s *Store) ResolveEvent(id int64, resolutionSummary string) error {
	res, err := s.db.Exec(`UPDATE events SET processed = 1, resolution_summary = ? WHERE id = ?`, resolutionSummary, id)
	if err != nil {
		return model.Wrap(model.KindStorageError, err, "resolve event %d", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.NewError(model.KindNotFound, "event %d not found", id)
	}
	return nil
}
