package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("history: not found")

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (and if needed creates) the database at path and
// applies the schema. Parent directories are created.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	// sqlite allows a single writer; keep the pool at one connection so
	// transactions never deadlock against our own pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying history schema: %w", err)
	}

	logger.Debug("opened history store", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateTaskLog(ctx context.Context, log *TaskLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_log (id, run_id, process_name, task_name, step_index,
			engine, model, prompt, is_orchestrator, session_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.RunID, log.ProcessName, log.TaskName, log.StepIndex,
		log.Engine, log.Model, log.Prompt, log.IsOrchestrator, log.SessionID, log.StartedAt)
	if err != nil {
		return fmt.Errorf("creating task log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishTaskLog(ctx context.Context, id string, exitCode int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_log SET exit_code = ?, finished_at = ? WHERE id = ?`,
		exitCode, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing task log: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetTaskSessionID(ctx context.Context, id, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_log SET session_id = ? WHERE id = ?`, sessionID, id)
	if err != nil {
		return fmt.Errorf("setting session id: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) UpdateTaskSummary(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_log SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("updating task summary: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) GetTaskLog(ctx context.Context, id string) (*TaskLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, process_name, task_name, step_index, engine, model,
			prompt, is_orchestrator, session_id, exit_code, summary,
			started_at, finished_at
		FROM task_log WHERE id = ?`, id)

	var log TaskLog
	err := row.Scan(&log.ID, &log.RunID, &log.ProcessName, &log.TaskName,
		&log.StepIndex, &log.Engine, &log.Model, &log.Prompt,
		&log.IsOrchestrator, &log.SessionID, &log.ExitCode, &log.Summary,
		&log.StartedAt, &log.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting task log: %w", err)
	}
	return &log, nil
}

func (s *SQLiteStore) SaveResult(ctx context.Context, res *TaskResult) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	keyFiles, err := encodeStrings(res.KeyFiles)
	if err != nil {
		return fmt.Errorf("encoding key files: %w", err)
	}
	tags, err := encodeStrings(res.Tags)
	if err != nil {
		return fmt.Errorf("encoding result tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_result (id, task_log_id, run_id, process_name, task_name, content, key_files, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_log_id) DO UPDATE SET
			id = excluded.id,
			run_id = excluded.run_id,
			content = excluded.content,
			key_files = excluded.key_files,
			tags = excluded.tags,
			created_at = excluded.created_at`,
		res.ID, res.TaskLogID, res.RunID, res.ProcessName, res.TaskName,
		res.Content, keyFiles, tags, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving result: %w", err)
	}
	return nil
}

func encodeStrings(vals []string) (string, error) {
	if vals == nil {
		vals = []string{}
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetResultByTaskName prefers the latest result recorded in runID and
// falls back to the most recent result for the task from any run.
func (s *SQLiteStore) GetResultByTaskName(ctx context.Context, runID, taskName string) (*TaskResult, error) {
	res, err := s.scanResult(s.db.QueryRowContext(ctx, `
		SELECT id, task_log_id, run_id, process_name, task_name, content, key_files, tags, created_at
		FROM task_result WHERE run_id = ? AND task_name = ?
		ORDER BY created_at DESC LIMIT 1`,
		runID, taskName))
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.scanResult(s.db.QueryRowContext(ctx, `
		SELECT id, task_log_id, run_id, process_name, task_name, content, key_files, tags, created_at
		FROM task_result WHERE task_name = ?
		ORDER BY created_at DESC LIMIT 1`, taskName))
}

// GetResultByTaskLogID looks a result up by the attempt that wrote it.
func (s *SQLiteStore) GetResultByTaskLogID(ctx context.Context, taskLogID string) (*TaskResult, error) {
	return s.scanResult(s.db.QueryRowContext(ctx, `
		SELECT id, task_log_id, run_id, process_name, task_name, content, key_files, tags, created_at
		FROM task_result WHERE task_log_id = ?
		ORDER BY created_at DESC LIMIT 1`, taskLogID))
}

func (s *SQLiteStore) scanResult(row *sql.Row) (*TaskResult, error) {
	var res TaskResult
	var keyFiles, tags string
	err := row.Scan(&res.ID, &res.TaskLogID, &res.RunID, &res.ProcessName,
		&res.TaskName, &res.Content, &keyFiles, &tags, &res.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting result: %w", err)
	}
	if err := json.Unmarshal([]byte(keyFiles), &res.KeyFiles); err != nil {
		return nil, fmt.Errorf("decoding key files: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &res.Tags); err != nil {
		return nil, fmt.Errorf("decoding result tags: %w", err)
	}
	return &res, nil
}

func (s *SQLiteStore) CreateArtifact(ctx context.Context, art *Artifact) error {
	if art.ID == "" {
		art.ID = uuid.NewString()
	}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(art.Tags)
	if err != nil {
		return fmt.Errorf("encoding artifact tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifact (id, task_log_id, run_id, name, content, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		art.ID, art.TaskLogID, art.RunID, art.Name, art.Content, string(tags), art.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	return nil
}

// GetArtifact loads one artifact by ID.
func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_log_id, run_id, name, content, tags, created_at
		FROM artifact WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("getting artifact: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("getting artifact: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanArtifact(rows)
}

// ListArtifacts returns the run's artifacts, oldest first, optionally
// filtered to one attempt.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, runID, taskLogID string) ([]Artifact, error) {
	query := `
		SELECT id, task_log_id, run_id, name, content, tags, created_at
		FROM artifact WHERE run_id = ?`
	args := []any{runID}
	if taskLogID != "" {
		query += ` AND task_log_id = ?`
		args = append(args, taskLogID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		art, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *art)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	return out, nil
}

// FindArtifactByTag returns the most recent artifact in the run that
// carries the given tag.
func (s *SQLiteStore) FindArtifactByTag(ctx context.Context, runID, tag string) (*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_log_id, run_id, name, content, tags, created_at
		FROM artifact WHERE run_id = ?
		ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		art, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		for _, t := range art.Tags {
			if t == tag {
				return art, nil
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	return nil, ErrNotFound
}

func scanArtifact(rows *sql.Rows) (*Artifact, error) {
	var art Artifact
	var tags string
	if err := rows.Scan(&art.ID, &art.TaskLogID, &art.RunID, &art.Name,
		&art.Content, &tags, &art.CreatedAt); err != nil {
		return nil, fmt.Errorf("scanning artifact: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &art.Tags); err != nil {
		return nil, fmt.Errorf("decoding artifact tags: %w", err)
	}
	return &art, nil
}

// WriteKnowledge appends a new version for key inside a transaction so
// concurrent writers never collide on a version number.
func (s *SQLiteStore) WriteKnowledge(ctx context.Context, key, content, reason, taskLogID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning knowledge write: %w", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM knowledge WHERE key = ?`, key,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("allocating knowledge version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO knowledge (id, key, version, content, reason, task_log_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), key, version, content, reason, taskLogID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("writing knowledge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing knowledge write: %w", err)
	}
	return version, nil
}

// GetKnowledge returns the requested version, or the latest when
// version is nil.
func (s *SQLiteStore) GetKnowledge(ctx context.Context, key string, version *int) (*Knowledge, error) {
	var row *sql.Row
	if version != nil {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, key, version, content, reason, task_log_id, created_at
			FROM knowledge WHERE key = ? AND version = ?`, key, *version)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, key, version, content, reason, task_log_id, created_at
			FROM knowledge WHERE key = ?
			ORDER BY version DESC LIMIT 1`, key)
	}

	var k Knowledge
	err := row.Scan(&k.ID, &k.Key, &k.Version, &k.Content, &k.Reason, &k.TaskLogID, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting knowledge: %w", err)
	}
	return &k, nil
}

// GetKnowledgeHistory returns every version of key, oldest first.
func (s *SQLiteStore) GetKnowledgeHistory(ctx context.Context, key string) ([]Knowledge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, version, content, reason, task_log_id, created_at
		FROM knowledge WHERE key = ? ORDER BY version ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("getting knowledge history: %w", err)
	}
	defer rows.Close()

	var out []Knowledge
	for rows.Next() {
		var k Knowledge
		if err := rows.Scan(&k.ID, &k.Key, &k.Version, &k.Content, &k.Reason, &k.TaskLogID, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning knowledge: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("getting knowledge history: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SaveDecision(ctx context.Context, dec *Decision) error {
	if dec.ID == "" {
		dec.ID = uuid.NewString()
	}
	if dec.CreatedAt.IsZero() {
		dec.CreatedAt = time.Now().UTC()
	}
	steps := dec.InjectedSteps
	if steps == nil {
		steps = []StepDef{}
	}
	encoded, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encoding injected steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_decision
			(id, run_id, phase, step_index, decision, reasoning, injected_steps, task_log_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dec.ID, dec.RunID, dec.Phase, dec.StepIndex, dec.Decision,
		dec.Reasoning, string(encoded), dec.TaskLogID, dec.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDecisions(ctx context.Context, runID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, phase, step_index, decision, reasoning, injected_steps, task_log_id, created_at
		FROM orchestrator_decision WHERE run_id = ?
		ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("getting decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var steps string
		if err := rows.Scan(&d.ID, &d.RunID, &d.Phase, &d.StepIndex,
			&d.Decision, &d.Reasoning, &steps, &d.TaskLogID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		if err := json.Unmarshal([]byte(steps), &d.InjectedSteps); err != nil {
			return nil, fmt.Errorf("decoding injected steps: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("getting decisions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CreateRunRef(ctx context.Context, ref *RunRef) error {
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_ref (id, run_id, commit_sha, created_at)
		VALUES (?, ?, ?, ?)`,
		ref.ID, ref.RunID, ref.CommitSHA, ref.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating run ref: %w", err)
	}
	return nil
}

func (s *SQLiteStore) EarliestRef(ctx context.Context, runID string) (*RunRef, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, commit_sha, created_at
		FROM run_ref WHERE run_id = ?
		ORDER BY created_at ASC LIMIT 1`, runID)

	var ref RunRef
	err := row.Scan(&ref.ID, &ref.RunID, &ref.CommitSHA, &ref.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting earliest ref: %w", err)
	}
	return &ref, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
