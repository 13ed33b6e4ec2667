package store

// migration is one forward-only, versioned schema change applied inside a
// transaction by Open. New migrations are appended, never edited in place —
// the post-migration schema below is already the frozen final shape (see
// DESIGN.md's Open Question decision on not reproducing the source's
// column-rename migrations).
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, migration1Core},
	{2, migration2Events},
}

// migration1Core creates every entity table, with
// ON DELETE CASCADE on every project_id FK.
const migration1Core = `
CREATE TABLE IF NOT EXISTS projects (
    repository_name   TEXT PRIMARY KEY,
    path              TEXT NOT NULL,
    short_description TEXT,
    project_prefix    TEXT NOT NULL,
    rules             TEXT,
    patterns          TEXT,
    rules_version     INTEGER NOT NULL DEFAULT 0,
    patterns_version  INTEGER NOT NULL DEFAULT 0,
    jbct_enabled      INTEGER NOT NULL DEFAULT 0,
    jbct_version      TEXT,
    jbct_url          TEXT,
    created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS worker_types (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id        TEXT NOT NULL REFERENCES projects(repository_name) ON DELETE CASCADE,
    worker_type       TEXT NOT NULL,
    short_description TEXT,
    system_prompt     TEXT NOT NULL DEFAULT '',
    binary_override   TEXT,
    timeout_seconds   INTEGER NOT NULL DEFAULT 1800,
    created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (project_id, worker_type)
);

CREATE TABLE IF NOT EXISTS tickets (
    ticket_id              TEXT PRIMARY KEY,
    project_id             TEXT NOT NULL REFERENCES projects(repository_name) ON DELETE CASCADE,
    title                  TEXT NOT NULL,
    description            TEXT,
    execution_plan         TEXT NOT NULL DEFAULT '[]',
    current_stage          TEXT NOT NULL,
    state                  TEXT NOT NULL DEFAULT 'open',
    priority               TEXT NOT NULL DEFAULT 'medium',
    dependency_status      TEXT NOT NULL DEFAULT 'ready',
    ticket_type            TEXT NOT NULL DEFAULT 'task',
    parent_ticket_id       TEXT REFERENCES tickets(ticket_id),
    created_by_worker_id   TEXT,
    processing_worker_id   TEXT,
    rules_version          INTEGER NOT NULL DEFAULT 0,
    patterns_version       INTEGER NOT NULL DEFAULT 0,
    inherited_from_parent  INTEGER NOT NULL DEFAULT 0,
    created_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    closed_at              DATETIME,
    resolution             TEXT
);

CREATE INDEX IF NOT EXISTS idx_tickets_project ON tickets(project_id);
CREATE INDEX IF NOT EXISTS idx_tickets_parent ON tickets(parent_ticket_id);
CREATE INDEX IF NOT EXISTS idx_tickets_state ON tickets(state);
CREATE INDEX IF NOT EXISTS idx_tickets_stage ON tickets(project_id, current_stage);
CREATE INDEX IF NOT EXISTS idx_tickets_dep_status ON tickets(dependency_status);
CREATE INDEX IF NOT EXISTS idx_tickets_processing_worker ON tickets(processing_worker_id);

CREATE TABLE IF NOT EXISTS dependencies (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_ticket_id TEXT NOT NULL REFERENCES tickets(ticket_id) ON DELETE CASCADE,
    child_ticket_id  TEXT NOT NULL REFERENCES tickets(ticket_id) ON DELETE CASCADE,
    dependency_type  TEXT NOT NULL,
    created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (parent_ticket_id, child_ticket_id, dependency_type)
);

CREATE INDEX IF NOT EXISTS idx_dependencies_parent ON dependencies(parent_ticket_id);
CREATE INDEX IF NOT EXISTS idx_dependencies_child ON dependencies(child_ticket_id);

CREATE TABLE IF NOT EXISTS comments (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_id    TEXT NOT NULL REFERENCES tickets(ticket_id) ON DELETE CASCADE,
    worker_type  TEXT,
    worker_id    TEXT,
    stage_number INTEGER,
    kind         TEXT,
    content      TEXT NOT NULL,
    created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_comments_ticket ON comments(ticket_id);

CREATE TABLE IF NOT EXISTS workers (
    worker_id     TEXT PRIMARY KEY,
    project_id    TEXT NOT NULL REFERENCES projects(repository_name) ON DELETE CASCADE,
    worker_type   TEXT NOT NULL,
    ticket_id     TEXT NOT NULL REFERENCES tickets(ticket_id),
    status        TEXT NOT NULL DEFAULT 'spawning',
    pid           INTEGER,
    queue_name    TEXT NOT NULL,
    started_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_workers_queue ON workers(queue_name);
CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
CREATE INDEX IF NOT EXISTS idx_workers_ticket ON workers(ticket_id);
`

// migration2Events adds the append-only event log.
const migration2Events = `
CREATE TABLE IF NOT EXISTS events (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type          TEXT NOT NULL,
    project_id          TEXT,
    ticket_id           TEXT,
    worker_id           TEXT,
    stage               TEXT,
    reason              TEXT,
    created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    processed           INTEGER NOT NULL DEFAULT 0,
    resolution_summary  TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_processed ON events(processed, created_at);
CREATE INDEX IF NOT EXISTS idx_events_ticket ON events(ticket_id);
`
