package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/history"
)

// sharedToolNames lists the tools every attempt may call, in
// registration order.
var sharedToolNames = []string{
	"write_result",
	"load_result",
	"read_result_summary",
	"write_artifact",
	"load_artifact",
	"list_artifacts",
	"write_knowledge",
	"get_knowledge",
	"view_knowledge_history",
	"search_knowledge",
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

type writeResultInput struct {
	Result   string   `json:"result" jsonschema:"required,The full result text"`
	KeyFiles []string `json:"key_files,omitempty" jsonschema:"File paths most relevant to this result"`
	Tags     []string `json:"tags,omitempty" jsonschema:"Tags for categorization (e.g. 'bug-fix' or 'pr_description')"`
}

type writeResultOutput struct {
	Status         string `json:"status,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
	SummaryPreview string `json:"summary_preview,omitempty"`
	Error          string `json:"error,omitempty"`
}

type resultLookupInput struct {
	TaskName string `json:"task_name,omitempty" jsonschema:"Name of the task whose result to load"`
	TaskID   string `json:"task_id,omitempty" jsonschema:"Specific task ID to load (overrides task_name)"`
}

type loadResultOutput struct {
	ResultText string   `json:"result_text,omitempty"`
	KeyFiles   []string `json:"key_files,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	CreatedAt  string   `json:"created_at,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type resultSummaryOutput struct {
	SummaryText string   `json:"summary_text,omitempty"`
	KeyFiles    []string `json:"key_files,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type writeArtifactInput struct {
	Name    string   `json:"name" jsonschema:"required,The artifact name"`
	Content string   `json:"content" jsonschema:"required,The full artifact content"`
	Tags    []string `json:"tags,omitempty" jsonschema:"Tags for categorization (e.g. 'pr_description')"`
}

type writeArtifactOutput struct {
	Status     string `json:"status,omitempty"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type loadArtifactInput struct {
	ArtifactID string `json:"artifact_id" jsonschema:"required,The artifact ID to load"`
}

type artifactOutput struct {
	ArtifactID string   `json:"artifact_id,omitempty"`
	Name       string   `json:"name,omitempty"`
	Content    string   `json:"content,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	CreatedAt  string   `json:"created_at,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type listArtifactsInput struct {
	TaskID string `json:"task_id,omitempty" jsonschema:"Optional task ID to filter by; lists the whole process otherwise"`
}

type artifactEntry struct {
	ArtifactID string   `json:"artifact_id"`
	Name       string   `json:"name"`
	Tags       []string `json:"tags,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

type listArtifactsOutput struct {
	Artifacts []artifactEntry `json:"artifacts"`
	Error     string          `json:"error,omitempty"`
}

type writeKnowledgeInput struct {
	Key     string `json:"key" jsonschema:"required,The knowledge key (e.g. 'api-design-decisions')"`
	Content string `json:"content" jsonschema:"required,The knowledge content to store"`
	Reason  string `json:"reason,omitempty" jsonschema:"Why this version was created"`
}

type writeKnowledgeOutput struct {
	Status  string `json:"status,omitempty"`
	Key     string `json:"key,omitempty"`
	Version int    `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

type getKnowledgeInput struct {
	Key     string `json:"key" jsonschema:"required,The knowledge key to look up"`
	Version *int   `json:"version,omitempty" jsonschema:"Optional version number; defaults to latest"`
}

type knowledgeOutput struct {
	Key       string `json:"key,omitempty"`
	Version   int    `json:"version,omitempty"`
	Content   string `json:"content,omitempty"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

type knowledgeHistoryInput struct {
	Key string `json:"key" jsonschema:"required,The knowledge key to look up"`
}

type knowledgeHistoryOutput struct {
	Versions []knowledgeOutput `json:"versions"`
	Error    string            `json:"error,omitempty"`
}

type searchInput struct {
	Query string `json:"query" jsonschema:"required,The search query text"`
	Page  int    `json:"page,omitempty" jsonschema:"Page number (1-based); 10 results per page"`
}

type searchHit struct {
	Source    string  `json:"source"`
	ID        string  `json:"id"`
	Title     string  `json:"title,omitempty"`
	Snippet   string  `json:"snippet"`
	Distance  float64 `json:"distance"`
	CreatedAt string  `json:"created_at,omitempty"`
}

type searchOutput struct {
	Results []searchHit `json:"results"`
	Page    int         `json:"page,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) registerSharedTools(srv *mcp.Server) {
	mcp.AddTool(srv, &mcp.Tool{
		Name: "write_result",
		Description: "Write a task result. Stores the full result text and compresses it " +
			"into a summary. Include findings, decisions, code changes, and file paths a " +
			"subsequent task should know about.",
	}, s.handleWriteResult)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "load_result",
		Description: "Load a full task result by task name (most recent in the current " +
			"process) or by specific task ID.",
	}, s.handleLoadResult)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "read_result_summary",
		Description: "Read the compressed summary of a task result. Prefer this over " +
			"load_result to keep context concise.",
	}, s.handleReadResultSummary)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "write_artifact",
		Description: "Write a structured artifact document (PRD, ADR, PR description) " +
			"associated with the current task.",
	}, s.handleWriteArtifact)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "load_artifact",
		Description: "Load a full artifact by ID, including content and tags.",
	}, s.handleLoadArtifact)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "list_artifacts",
		Description: "List artifact metadata for a task or the whole process. Use " +
			"load_artifact to fetch full content.",
	}, s.handleListArtifacts)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "write_knowledge",
		Description: "Write a new version of a persistent knowledge entry. Each write " +
			"creates a new version under the key, preserving history.",
	}, s.handleWriteKnowledge)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "get_knowledge",
		Description: "Get a knowledge entry by key. Returns the latest version unless a " +
			"version number is given.",
	}, s.handleGetKnowledge)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "view_knowledge_history",
		Description: "View all versions of a knowledge entry in ascending order, with " +
			"reasons and timestamps.",
	}, s.handleViewKnowledgeHistory)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "search_knowledge",
		Description: "Search knowledge, results, and artifacts by semantic similarity. " +
			"Lower distance means more relevant; 10 results per page.",
	}, s.handleSearchKnowledge)
}

func (s *Server) handleWriteResult(ctx context.Context, req *mcp.CallToolRequest, args writeResultInput) (*mcp.CallToolResult, writeResultOutput, error) {
	taskID := callerTaskID(ctx)
	if taskID == "" {
		return textResult("missing %s header", TaskIDHeader),
			writeResultOutput{Error: fmt.Sprintf("Missing %s header.", TaskIDHeader)}, nil
	}
	log, err := s.cfg.Store.GetTaskLog(ctx, taskID)
	if err != nil {
		return textResult("unknown task %s", taskID),
			writeResultOutput{Error: fmt.Sprintf("Task %q is not registered for this process.", taskID)}, nil
	}

	res := &history.TaskResult{
		TaskLogID:   taskID,
		RunID:       s.cfg.ProcessID,
		ProcessName: log.ProcessName,
		TaskName:    log.TaskName,
		Content:     args.Result,
		KeyFiles:    args.KeyFiles,
		Tags:        args.Tags,
	}
	if err := s.cfg.Store.SaveResult(ctx, res); err != nil {
		return textResult("failed to store result"),
			writeResultOutput{Error: err.Error()}, nil
	}
	s.indexResult(ctx, res)

	preview := s.compressResult(ctx, taskID, args.Result)
	return textResult("result stored for task %s", taskID), writeResultOutput{
		Status:         "ok",
		TaskID:         taskID,
		SummaryPreview: preview,
	}, nil
}

func (s *Server) handleLoadResult(ctx context.Context, req *mcp.CallToolRequest, args resultLookupInput) (*mcp.CallToolResult, loadResultOutput, error) {
	res, errMsg := s.lookupResult(ctx, args)
	if errMsg != "" {
		return textResult("%s", errMsg), loadResultOutput{Error: errMsg}, nil
	}
	return textResult("result for %s", res.TaskName), loadResultOutput{
		ResultText: res.Content,
		KeyFiles:   res.KeyFiles,
		Tags:       res.Tags,
		CreatedAt:  res.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (s *Server) handleReadResultSummary(ctx context.Context, req *mcp.CallToolRequest, args resultLookupInput) (*mcp.CallToolResult, resultSummaryOutput, error) {
	res, errMsg := s.lookupResult(ctx, args)
	if errMsg != "" {
		return textResult("%s", errMsg), resultSummaryOutput{Error: errMsg}, nil
	}
	log, err := s.cfg.Store.GetTaskLog(ctx, res.TaskLogID)
	if err != nil || log.Summary == "" {
		msg := fmt.Sprintf("No summary available for task %q. Use load_result for the raw output.", res.TaskName)
		return textResult("%s", msg), resultSummaryOutput{Error: msg}, nil
	}
	return textResult("summary for %s", res.TaskName), resultSummaryOutput{
		SummaryText: log.Summary,
		KeyFiles:    res.KeyFiles,
		CreatedAt:   res.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (s *Server) handleWriteArtifact(ctx context.Context, req *mcp.CallToolRequest, args writeArtifactInput) (*mcp.CallToolResult, writeArtifactOutput, error) {
	taskID := callerTaskID(ctx)
	if taskID == "" {
		return textResult("missing %s header", TaskIDHeader),
			writeArtifactOutput{Error: fmt.Sprintf("Missing %s header.", TaskIDHeader)}, nil
	}
	art := &history.Artifact{
		TaskLogID: taskID,
		RunID:     s.cfg.ProcessID,
		Name:      args.Name,
		Content:   args.Content,
		Tags:      args.Tags,
	}
	if err := s.cfg.Store.CreateArtifact(ctx, art); err != nil {
		return textResult("failed to store artifact"),
			writeArtifactOutput{Error: err.Error()}, nil
	}
	if s.cfg.Index != nil {
		if err := s.cfg.Index.AddArtifact(ctx, art); err != nil {
			s.logger.Warn("failed to index artifact", zap.Error(err))
		}
	}
	return textResult("artifact stored: %s", art.ID), writeArtifactOutput{
		Status:     "ok",
		ArtifactID: art.ID,
	}, nil
}

func (s *Server) handleLoadArtifact(ctx context.Context, req *mcp.CallToolRequest, args loadArtifactInput) (*mcp.CallToolResult, artifactOutput, error) {
	art, err := s.cfg.Store.GetArtifact(ctx, args.ArtifactID)
	if err != nil {
		msg := fmt.Sprintf("No artifact found with ID %q.", args.ArtifactID)
		return textResult("%s", msg), artifactOutput{Error: msg}, nil
	}
	return textResult("artifact %s", art.Name), artifactOutput{
		ArtifactID: art.ID,
		Name:       art.Name,
		Content:    art.Content,
		Tags:       art.Tags,
		CreatedAt:  art.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (s *Server) handleListArtifacts(ctx context.Context, req *mcp.CallToolRequest, args listArtifactsInput) (*mcp.CallToolResult, listArtifactsOutput, error) {
	arts, err := s.cfg.Store.ListArtifacts(ctx, s.cfg.ProcessID, args.TaskID)
	if err != nil {
		return textResult("failed to list artifacts"),
			listArtifactsOutput{Error: err.Error()}, nil
	}
	out := listArtifactsOutput{Artifacts: make([]artifactEntry, 0, len(arts))}
	for _, art := range arts {
		out.Artifacts = append(out.Artifacts, artifactEntry{
			ArtifactID: art.ID,
			Name:       art.Name,
			Tags:       art.Tags,
			CreatedAt:  art.CreatedAt.Format(time.RFC3339),
		})
	}
	return textResult("%d artifacts", len(out.Artifacts)), out, nil
}

func (s *Server) handleWriteKnowledge(ctx context.Context, req *mcp.CallToolRequest, args writeKnowledgeInput) (*mcp.CallToolResult, writeKnowledgeOutput, error) {
	version, err := s.cfg.Store.WriteKnowledge(ctx, args.Key, args.Content, args.Reason, callerTaskID(ctx))
	if err != nil {
		return textResult("failed to write knowledge"),
			writeKnowledgeOutput{Error: err.Error()}, nil
	}
	if s.cfg.Index != nil {
		err := s.cfg.Index.AddKnowledge(ctx, &history.Knowledge{
			Key: args.Key, Version: version, Content: args.Content,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("failed to index knowledge", zap.Error(err))
		}
	}
	return textResult("knowledge %s stored as version %d", args.Key, version), writeKnowledgeOutput{
		Status:  "ok",
		Key:     args.Key,
		Version: version,
	}, nil
}

func (s *Server) handleGetKnowledge(ctx context.Context, req *mcp.CallToolRequest, args getKnowledgeInput) (*mcp.CallToolResult, knowledgeOutput, error) {
	k, err := s.cfg.Store.GetKnowledge(ctx, args.Key, args.Version)
	if err != nil {
		msg := fmt.Sprintf("No knowledge found for key %q.", args.Key)
		return textResult("%s", msg), knowledgeOutput{Error: msg}, nil
	}
	return textResult("knowledge %s v%d", k.Key, k.Version), knowledgeView(k), nil
}

func (s *Server) handleViewKnowledgeHistory(ctx context.Context, req *mcp.CallToolRequest, args knowledgeHistoryInput) (*mcp.CallToolResult, knowledgeHistoryOutput, error) {
	versions, err := s.cfg.Store.GetKnowledgeHistory(ctx, args.Key)
	if err != nil {
		return textResult("failed to read knowledge history"),
			knowledgeHistoryOutput{Error: err.Error()}, nil
	}
	if len(versions) == 0 {
		msg := fmt.Sprintf("No knowledge found for key %q.", args.Key)
		return textResult("%s", msg), knowledgeHistoryOutput{Error: msg}, nil
	}
	out := knowledgeHistoryOutput{Versions: make([]knowledgeOutput, 0, len(versions))}
	for i := range versions {
		out.Versions = append(out.Versions, knowledgeView(&versions[i]))
	}
	return textResult("%d versions of %s", len(versions), args.Key), out, nil
}

func (s *Server) handleSearchKnowledge(ctx context.Context, req *mcp.CallToolRequest, args searchInput) (*mcp.CallToolResult, searchOutput, error) {
	if s.cfg.Index == nil {
		msg := "Similarity search is not available: no index configured."
		return textResult("%s", msg), searchOutput{Error: msg}, nil
	}
	page := args.Page
	if page < 1 {
		page = 1
	}
	hits, err := s.cfg.Index.Search(ctx, args.Query, page-1)
	if err != nil {
		return textResult("search failed"), searchOutput{Error: err.Error()}, nil
	}
	out := searchOutput{Page: page, Results: make([]searchHit, 0, len(hits))}
	for _, h := range hits {
		out.Results = append(out.Results, searchHit{
			Source:    h.Collection,
			ID:        h.ID,
			Title:     h.Metadata["title"],
			Snippet:   snippet(h.Content),
			Distance:  h.Distance,
			CreatedAt: h.Metadata["created_at"],
		})
	}
	return textResult("%d results", len(out.Results)), out, nil
}

func knowledgeView(k *history.Knowledge) knowledgeOutput {
	return knowledgeOutput{
		Key:       k.Key,
		Version:   k.Version,
		Content:   k.Content,
		Reason:    k.Reason,
		CreatedAt: k.CreatedAt.Format(time.RFC3339),
	}
}

const snippetLimit = 200

func snippet(content string) string {
	if len(content) > snippetLimit {
		return content[:snippetLimit]
	}
	return content
}

// lookupResult resolves a result by explicit task ID or by task name
// within the current process. The returned message is empty on success.
func (s *Server) lookupResult(ctx context.Context, args resultLookupInput) (*history.TaskResult, string) {
	if args.TaskID == "" && args.TaskName == "" {
		return nil, "At least one of task_name or task_id must be provided."
	}
	var res *history.TaskResult
	var err error
	if args.TaskID != "" {
		res, err = s.cfg.Store.GetResultByTaskLogID(ctx, args.TaskID)
	} else {
		res, err = s.cfg.Store.GetResultByTaskName(ctx, s.cfg.ProcessID, args.TaskName)
	}
	if err != nil {
		lookup := args.TaskID
		if lookup == "" {
			lookup = args.TaskName
		}
		return nil, fmt.Sprintf("No result found for task %q in the current process.", lookup)
	}
	return res, ""
}

// compressResult summarizes a result best-effort and persists the
// summary on the task record. Failures only cost the preview.
func (s *Server) compressResult(ctx context.Context, taskID, result string) string {
	if s.cfg.Summarizer == nil || !s.cfg.Summarizer.Available() {
		return "Compression skipped"
	}
	summary, err := s.cfg.Summarizer.Summarize(ctx, result)
	if err != nil {
		s.logger.Warn("result compression failed",
			zap.String("task_id", taskID), zap.Error(err))
		return "Compression skipped"
	}
	if err := s.cfg.Store.UpdateTaskSummary(ctx, taskID, summary); err != nil {
		s.logger.Warn("failed to persist summary", zap.Error(err))
		return "Compression skipped"
	}
	if len(summary) > snippetLimit {
		summary = summary[:snippetLimit]
	}
	return summary
}

func (s *Server) indexResult(ctx context.Context, res *history.TaskResult) {
	if s.cfg.Index == nil {
		return
	}
	if err := s.cfg.Index.AddResult(ctx, res); err != nil {
		s.logger.Warn("failed to index result", zap.Error(err))
	}
}
