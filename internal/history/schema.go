package history

const schemaSQL = `
CREATE TABLE IF NOT EXISTS task_log (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL,
    process_name    TEXT NOT NULL,
    task_name       TEXT NOT NULL,
    step_index      INTEGER NOT NULL,
    engine          TEXT NOT NULL DEFAULT '',
    model           TEXT NOT NULL DEFAULT '',
    prompt          TEXT NOT NULL DEFAULT '',
    is_orchestrator INTEGER NOT NULL DEFAULT 0,
    session_id      TEXT NOT NULL DEFAULT '',
    exit_code       INTEGER,
    summary         TEXT NOT NULL DEFAULT '',
    started_at      TIMESTAMP NOT NULL,
    finished_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_task_log_run ON task_log(run_id);
CREATE INDEX IF NOT EXISTS idx_task_log_process ON task_log(process_name, task_name);

CREATE TABLE IF NOT EXISTS task_result (
    id           TEXT PRIMARY KEY,
    task_log_id  TEXT NOT NULL REFERENCES task_log(id),
    run_id       TEXT NOT NULL,
    process_name TEXT NOT NULL,
    task_name    TEXT NOT NULL,
    content      TEXT NOT NULL,
    key_files    TEXT NOT NULL DEFAULT '[]',
    tags         TEXT NOT NULL DEFAULT '[]',
    created_at   TIMESTAMP NOT NULL,
    UNIQUE(task_log_id)
);
CREATE INDEX IF NOT EXISTS idx_task_result_run ON task_result(run_id, task_name);

CREATE TABLE IF NOT EXISTS artifact (
    id          TEXT PRIMARY KEY,
    task_log_id TEXT NOT NULL REFERENCES task_log(id),
    run_id      TEXT NOT NULL,
    name        TEXT NOT NULL,
    content     TEXT NOT NULL,
    tags        TEXT NOT NULL DEFAULT '[]',
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifact_run ON artifact(run_id);

CREATE TABLE IF NOT EXISTS knowledge (
    id          TEXT PRIMARY KEY,
    key         TEXT NOT NULL,
    version     INTEGER NOT NULL,
    content     TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    task_log_id TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMP NOT NULL,
    UNIQUE(key, version)
);
CREATE INDEX IF NOT EXISTS idx_knowledge_key ON knowledge(key);

CREATE TABLE IF NOT EXISTS orchestrator_decision (
    id             TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL,
    phase          TEXT NOT NULL,
    step_index     INTEGER NOT NULL,
    decision       TEXT NOT NULL,
    reasoning      TEXT NOT NULL DEFAULT '',
    injected_steps TEXT NOT NULL DEFAULT '[]',
    task_log_id    TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_run ON orchestrator_decision(run_id, created_at);

CREATE TABLE IF NOT EXISTS run_ref (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL,
    commit_sha TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_ref_run ON run_ref(run_id, created_at);
`
