// Package gateway exposes process state and history operations to
// running attempts over MCP. One gateway serves one process run on an
// ephemeral local port; every request carries the caller attempt's
// identity in the X-Stepd-Task-ID header.
//
// Tools come in two scopes. Shared tools are visible to every attempt.
// Orchestrator tools are listed and served only to callers whose task
// record is flagged orchestrator-originated; everyone else gets a
// structured refusal, never a transport error.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/history"
	"github.com/fyrsmithlabs/stepd/internal/process"
	"github.com/fyrsmithlabs/stepd/internal/summarize"
	"github.com/fyrsmithlabs/stepd/internal/task"
	"github.com/fyrsmithlabs/stepd/internal/worktree"
)

// TaskIDHeader carries the caller attempt's identity.
const TaskIDHeader = "X-Stepd-Task-ID"

const serverName = "stepd"

// DefaultDiffMaxBytes caps get_git_diff output.
const DefaultDiffMaxBytes = 256 * 1024

type taskIDKey struct{}

// Config wires the gateway's collaborators.
type Config struct {
	ProcessID   string
	ProcessName string

	Store history.Store
	Tasks task.Catalog

	// Optional. Nil disables the corresponding behavior.
	Index      *history.SearchIndex
	Summarizer *summarize.Summarizer
	Tree       *worktree.Tree

	BindHost     string
	DiffMaxBytes int
	Logger       *zap.Logger
}

// Server is the per-run MCP gateway.
type Server struct {
	cfg    Config
	logger *zap.Logger

	// shared serves non-orchestrator callers, full adds the
	// orchestrator tools. Both are served by one HTTP listener; the
	// caller's identity picks the server per request.
	shared *mcp.Server
	full   *mcp.Server

	httpSrv  *http.Server
	listener net.Listener
	url      string

	mu    sync.RWMutex
	state process.StateView
}

// New builds an unstarted gateway.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task catalog is required")
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	if cfg.DiffMaxBytes <= 0 {
		cfg.DiffMaxBytes = DefaultDiffMaxBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		shared: newMCPServer(),
		full:   newMCPServer(),
	}
	s.registerSharedTools(s.shared)
	s.registerSharedTools(s.full)
	s.registerOrchestratorTools(s.full)
	return s, nil
}

func newMCPServer() *mcp.Server {
	return mcp.NewServer(&mcp.Implementation{Name: serverName, Version: "1.0.0"}, nil)
}

// Start binds an ephemeral port and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.BindHost, "0"))
	if err != nil {
		return fmt.Errorf("binding gateway listener: %w", err)
	}
	s.listener = ln
	s.url = fmt.Sprintf("http://%s/", ln.Addr().String())

	handler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		if s.isOrchestrator(req.Context(), req.Header.Get(TaskIDHeader)) {
			return s.full
		}
		return s.shared
	}, &mcp.StreamableHTTPOptions{Stateless: true})

	s.httpSrv = &http.Server{Handler: s.withIdentity(handler)}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("gateway server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("gateway started",
		zap.String("url", s.url),
		zap.String("process_id", s.cfg.ProcessID))
	s.logger.Debug("gateway tools registered",
		zap.Strings("shared", sharedToolNames),
		zap.Strings("orchestrator", orchestratorToolNames))
	return nil
}

// Stop shuts the HTTP server down, waiting briefly for in-flight calls.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("stopping gateway: %w", err)
	}
	s.logger.Info("gateway stopped")
	return nil
}

// withIdentity copies the caller's task ID from the header into the
// request context so tool handlers can read it.
func (s *Server) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), taskIDKey{}, r.Header.Get(TaskIDHeader))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerTaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

// isOrchestrator resolves whether the caller's task record is flagged
// orchestrator-originated. Unknown or missing callers are not.
func (s *Server) isOrchestrator(ctx context.Context, taskID string) bool {
	if taskID == "" {
		return false
	}
	log, err := s.cfg.Store.GetTaskLog(ctx, taskID)
	if err != nil {
		return false
	}
	return log.IsOrchestrator
}

// URL returns the address attempts connect to. Empty before Start.
func (s *Server) URL() string {
	return s.url
}

// ToolNames returns the fully-qualified shared tool names for engine
// allowlists.
func (s *Server) ToolNames() []string {
	names := make([]string, len(sharedToolNames))
	for i, name := range sharedToolNames {
		names[i] = fmt.Sprintf("mcp__%s__%s", serverName, name)
	}
	return names
}

// PublishState stores the latest run snapshot for get_process_state.
func (s *Server) PublishState(view process.StateView) {
	s.mu.Lock()
	s.state = view
	s.mu.Unlock()
}

func (s *Server) snapshot() process.StateView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
