// Package history persists run records: task logs, results, artifacts,
// versioned knowledge, and orchestrator decisions. Rows live in SQLite;
// searchable text is mirrored into a chromem-go vector index.
package history

import "time"

// TaskLog is one executed task within a run.
type TaskLog struct {
	ID             string
	RunID          string
	ProcessName    string
	TaskName       string
	StepIndex      int
	Engine         string
	Model          string
	Prompt         string
	IsOrchestrator bool
	SessionID      string
	ExitCode       *int
	Summary        string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// TaskResult is the durable outcome of one attempt, keyed by the
// attempt's task log. Name lookups resolve the latest result within a
// run; results from earlier runs are never overwritten.
type TaskResult struct {
	ID          string
	TaskLogID   string
	RunID       string
	ProcessName string
	TaskName    string
	Content     string
	KeyFiles    []string
	Tags        []string
	CreatedAt   time.Time
}

// Artifact is a named blob a task chose to publish, optionally tagged.
type Artifact struct {
	ID        string
	TaskLogID string
	RunID     string
	Name      string
	Content   string
	Tags      []string
	CreatedAt time.Time
}

// Knowledge is an append-only versioned key/value entry. Writes never
// overwrite: each write creates version max+1 for the key.
type Knowledge struct {
	ID        string
	Key       string
	Version   int
	Content   string
	Reason    string
	TaskLogID string
	CreatedAt time.Time
}

// StepDef mirrors a process step for storage inside an orchestrator
// decision. Injected steps are recorded exactly as they will run.
type StepDef struct {
	Task             string   `json:"task"`
	Engine           string   `json:"engine,omitempty"`
	Model            string   `json:"model,omitempty"`
	Tools            []string `json:"tools,omitempty"`
	Prompt           string   `json:"prompt,omitempty"`
	SkipOrchestrator bool     `json:"skip_orchestrator,omitempty"`
	OriginStepIndex  *int     `json:"origin_step_index,omitempty"`
}

// Decision records one orchestrator verdict for a run phase.
type Decision struct {
	ID            string
	RunID         string
	Phase         string
	StepIndex     int
	Decision      string
	Reasoning     string
	InjectedSteps []StepDef
	TaskLogID     string
	CreatedAt     time.Time
}

// RunRef pins a run to the commit it started from, used to scope diffs
// and commit logs to what the process actually produced.
type RunRef struct {
	ID        string
	RunID     string
	CommitSHA string
	CreatedAt time.Time
}

// SearchResult is one similarity hit across the indexed collections.
type SearchResult struct {
	Collection string
	ID         string
	Content    string
	Distance   float64
	Metadata   map[string]string
}
