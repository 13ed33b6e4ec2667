// Package model defines the durable entities and enumerations shared by
// every component of the coordination server.
package model

import "time"

// Priority is the scheduling priority of a ticket.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank orders priorities high-to-low for queue ordering's FIFO tiebreaker.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// TicketState is the lifecycle state of a ticket.
type TicketState string

const (
	StateOpen    TicketState = "open"
	StateClosed  TicketState = "closed"
	StateOnHold  TicketState = "on_hold"
)

func (s TicketState) Valid() bool {
	switch s {
	case StateOpen, StateClosed, StateOnHold:
		return true
	}
	return false
}

// DependencyStatus is the derived readiness of a ticket.
type DependencyStatus string

const (
	DependencyReady    DependencyStatus = "ready"
	DependencyBlocked  DependencyStatus = "blocked"
	DependencyWaiting  DependencyStatus = "waiting"
)

func (d DependencyStatus) Valid() bool {
	switch d {
	case DependencyReady, DependencyBlocked, DependencyWaiting:
		return true
	}
	return false
}

// TicketType classifies the granularity of a ticket.
type TicketType string

const (
	TicketEpic    TicketType = "epic"
	TicketStory   TicketType = "story"
	TicketTask    TicketType = "task"
	TicketSubtask TicketType = "subtask"
)

func (t TicketType) Valid() bool {
	switch t {
	case TicketEpic, TicketStory, TicketTask, TicketSubtask:
		return true
	}
	return false
}

// DependencyType is the kind of edge between two tickets.
type DependencyType string

const (
	DependencyBlocks  DependencyType = "blocks"
	DependencySubtask DependencyType = "subtask"
)

func (d DependencyType) Valid() bool {
	switch d {
	case DependencyBlocks, DependencySubtask:
		return true
	}
	return false
}

// WorkerStatus is the lifecycle state of a spawned worker.
type WorkerStatus string

const (
	WorkerSpawning WorkerStatus = "spawning"
	WorkerActive   WorkerStatus = "active"
	WorkerIdle     WorkerStatus = "idle"
	WorkerFinished WorkerStatus = "finished"
	WorkerFailed   WorkerStatus = "failed"
)

func (w WorkerStatus) Valid() bool {
	switch w {
	case WorkerSpawning, WorkerActive, WorkerIdle, WorkerFinished, WorkerFailed:
		return true
	}
	return false
}

// Active reports whether a worker in this status occupies its queue's slot.
func (w WorkerStatus) Active() bool {
	return w == WorkerSpawning || w == WorkerActive
}

// StageClosed is the sentinel stage name meaning a ticket has been closed.
// It is reserved: no execution_plan may contain it as a declared stage.
const StageClosed = "closed"

// StagePlanning is the conventional name of a ticket's first stage.
const StagePlanning = "planning"

// Project is a coordinated codebase/workspace.
type Project struct {
	RepositoryName    string    `db:"repository_name" json:"repository_name"`
	Path              string    `db:"path" json:"path"`
	ShortDescription  string    `db:"short_description" json:"short_description,omitempty"`
	ProjectPrefix     string    `db:"project_prefix" json:"project_prefix"`
	Rules             string    `db:"rules" json:"rules,omitempty"`
	Patterns          string    `db:"patterns" json:"patterns,omitempty"`
	RulesVersion      int       `db:"rules_version" json:"rules_version"`
	PatternsVersion   int       `db:"patterns_version" json:"patterns_version"`
	JBCTEnabled       bool      `db:"jbct_enabled" json:"jbct_enabled"`
	JBCTVersion       string    `db:"jbct_version" json:"jbct_version,omitempty"`
	JBCTURL           string    `db:"jbct_url" json:"jbct_url,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// WorkerType is a template for a stage's worker, scoped to a project.
type WorkerType struct {
	ID               int64     `db:"id" json:"id"`
	ProjectID        string    `db:"project_id" json:"project_id"`
	WorkerType       string    `db:"worker_type" json:"worker_type"`
	ShortDescription string    `db:"short_description" json:"short_description,omitempty"`
	SystemPrompt     string    `db:"system_prompt" json:"system_prompt"`
	BinaryOverride   string    `db:"binary_override" json:"binary_override,omitempty"`
	TimeoutSeconds   int       `db:"timeout_seconds" json:"timeout_seconds"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Ticket is the unit of work driven through the pipeline.
type Ticket struct {
	TicketID            string           `db:"ticket_id" json:"ticket_id"`
	ProjectID           string           `db:"project_id" json:"project_id"`
	Title               string           `db:"title" json:"title"`
	Description         string           `db:"description" json:"description,omitempty"`
	ExecutionPlan        []string         `db:"-" json:"execution_plan"`
	ExecutionPlanJSON    string           `db:"execution_plan" json:"-"`
	CurrentStage         string           `db:"current_stage" json:"current_stage"`
	State                TicketState      `db:"state" json:"state"`
	Priority             Priority         `db:"priority" json:"priority"`
	DependencyStatus     DependencyStatus `db:"dependency_status" json:"dependency_status"`
	TicketType           TicketType       `db:"ticket_type" json:"ticket_type"`
	ParentTicketID       *string          `db:"parent_ticket_id" json:"parent_ticket_id,omitempty"`
	CreatedByWorkerID    *string          `db:"created_by_worker_id" json:"created_by_worker_id,omitempty"`
	ProcessingWorkerID   *string          `db:"processing_worker_id" json:"processing_worker_id,omitempty"`
	RulesVersion         int              `db:"rules_version" json:"rules_version"`
	PatternsVersion      int              `db:"patterns_version" json:"patterns_version"`
	InheritedFromParent  bool             `db:"inherited_from_parent" json:"inherited_from_parent"`
	CreatedAt            time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time        `db:"updated_at" json:"updated_at"`
	ClosedAt             *time.Time       `db:"closed_at" json:"closed_at,omitempty"`
	Resolution           *string          `db:"resolution" json:"resolution,omitempty"`
}

// Dependency is a directed edge between two tickets.
type Dependency struct {
	ID             int64          `db:"id" json:"id"`
	ParentTicketID string         `db:"parent_ticket_id" json:"parent_ticket_id"`
	ChildTicketID  string         `db:"child_ticket_id" json:"child_ticket_id"`
	DependencyType DependencyType `db:"dependency_type" json:"dependency_type"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// Comment is an append-only note bound to a ticket.
type Comment struct {
	ID          int64     `db:"id" json:"id"`
	TicketID    string    `db:"ticket_id" json:"ticket_id"`
	WorkerType  string    `db:"worker_type" json:"worker_type,omitempty"`
	WorkerID    string    `db:"worker_id" json:"worker_id,omitempty"`
	StageNumber int       `db:"stage_number" json:"stage_number,omitempty"`
	Kind        string    `db:"kind" json:"kind,omitempty"`
	Content     string    `db:"content" json:"content"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Worker is a spawned subprocess instance, retained for audit after it exits.
type Worker struct {
	WorkerID     string       `db:"worker_id" json:"worker_id"`
	ProjectID    string       `db:"project_id" json:"project_id"`
	WorkerType   string       `db:"worker_type" json:"worker_type"`
	TicketID     string       `db:"ticket_id" json:"ticket_id"`
	Status       WorkerStatus `db:"status" json:"status"`
	PID          *int         `db:"pid" json:"pid,omitempty"`
	QueueName    string       `db:"queue_name" json:"queue_name"`
	StartedAt    time.Time    `db:"started_at" json:"started_at"`
	LastActivity time.Time    `db:"last_activity" json:"last_activity"`
}

// Event is an append-only record of an observable transition.
type Event struct {
	ID                 int64     `db:"id" json:"id"`
	EventType          string    `db:"event_type" json:"event_type"`
	ProjectID          string    `db:"project_id" json:"project_id,omitempty"`
	TicketID           string    `db:"ticket_id" json:"ticket_id,omitempty"`
	WorkerID           string    `db:"worker_id" json:"worker_id,omitempty"`
	Stage              string    `db:"stage" json:"stage,omitempty"`
	Reason             string    `db:"reason" json:"reason,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	Processed          bool      `db:"processed" json:"processed"`
	ResolutionSummary  *string   `db:"resolution_summary" json:"resolution_summary,omitempty"`
}

// Common event types emitted by the Pipeline Engine and DAG Service.
const (
	EventTicketCreated             = "ticket_created"
	EventTicketClosed              = "ticket_closed"
	EventTicketUnblocked           = "ticket_unblocked"
	EventWorkerStopped             = "worker_stopped"
	EventCoordinatorAttention      = "coordinator_attention_required"
	EventStageTransition           = "stage_transition"
)

// CompletionOutcome is the result a worker's completion report declares.
type CompletionOutcome string

const (
	OutcomeNextStage            CompletionOutcome = "next_stage"
	OutcomePrevStage             CompletionOutcome = "prev_stage"
	OutcomeCoordinatorAttention CompletionOutcome = "coordinator_attention"
)

// NewChildTicket is one element of a planning report's child-ticket batch.
type NewChildTicket struct {
	TicketID      string   `json:"ticket_id,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	ExecutionPlan []string `json:"execution_plan"`
	TicketType    TicketType `json:"ticket_type,omitempty"`
	Priority      Priority `json:"priority,omitempty"`
}

// NewEdge is one element of a planning report's dependency-edge batch, referencing
// tickets by their batch-local index (negative) or an existing ticket_id.
type NewEdge struct {
	Parent string         `json:"parent"`
	Child  string         `json:"child"`
	Type   DependencyType `json:"type"`
}

// NewWorkerTypeSpec is one element of a planning report's worker-type batch.
type NewWorkerTypeSpec struct {
	WorkerType       string `json:"worker_type"`
	ShortDescription string `json:"short_description,omitempty"`
	SystemPrompt     string `json:"system_prompt"`
}

// CompletionReport is the schema of a worker's stdout completion report.
type CompletionReport struct {
	TicketID        string             `json:"ticket_id"`
	Outcome         CompletionOutcome  `json:"outcome"`
	TargetStage     string             `json:"target_stage,omitempty"`
	PipelineUpdate  []string           `json:"pipeline_update,omitempty"`
	Comment         string             `json:"comment"`
	Reason          string             `json:"reason"`
	NewTickets      []NewChildTicket   `json:"new_tickets,omitempty"`
	NewEdges        []NewEdge          `json:"new_edges,omitempty"`
	NewWorkerTypes  []NewWorkerTypeSpec `json:"new_worker_types,omitempty"`
}
