package history

import "context"

// Store is the persistence surface the sequencer and gateway depend on.
// SQLiteStore is the production implementation.
type Store interface {
	// Task logs.
	CreateTaskLog(ctx context.Context, log *TaskLog) error
	FinishTaskLog(ctx context.Context, id string, exitCode int) error
	SetTaskSessionID(ctx context.Context, id, sessionID string) error
	UpdateTaskSummary(ctx context.Context, id, summary string) error
	GetTaskLog(ctx context.Context, id string) (*TaskLog, error)

	// Results. SaveResult replaces any prior result written by the
	// same attempt; name lookups prefer the run, then fall back to the
	// most recent result anywhere.
	SaveResult(ctx context.Context, res *TaskResult) error
	GetResultByTaskName(ctx context.Context, runID, taskName string) (*TaskResult, error)
	GetResultByTaskLogID(ctx context.Context, taskLogID string) (*TaskResult, error)

	// Artifacts.
	CreateArtifact(ctx context.Context, art *Artifact) error
	GetArtifact(ctx context.Context, id string) (*Artifact, error)
	ListArtifacts(ctx context.Context, runID, taskLogID string) ([]Artifact, error)
	FindArtifactByTag(ctx context.Context, runID, tag string) (*Artifact, error)

	// Knowledge. WriteKnowledge returns the version it created.
	WriteKnowledge(ctx context.Context, key, content, reason, taskLogID string) (int, error)
	GetKnowledge(ctx context.Context, key string, version *int) (*Knowledge, error)
	GetKnowledgeHistory(ctx context.Context, key string) ([]Knowledge, error)

	// Orchestrator decisions, returned in creation order.
	SaveDecision(ctx context.Context, dec *Decision) error
	GetDecisions(ctx context.Context, runID string) ([]Decision, error)

	// Run refs.
	CreateRunRef(ctx context.Context, ref *RunRef) error
	EarliestRef(ctx context.Context, runID string) (*RunRef, error)

	Close() error
}
