package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/config"
	"github.com/fyrsmithlabs/stepd/internal/engine"
	"github.com/fyrsmithlabs/stepd/internal/executor"
	"github.com/fyrsmithlabs/stepd/internal/gateway"
	"github.com/fyrsmithlabs/stepd/internal/history"
	"github.com/fyrsmithlabs/stepd/internal/logging"
	"github.com/fyrsmithlabs/stepd/internal/process"
	"github.com/fyrsmithlabs/stepd/internal/summarize"
	"github.com/fyrsmithlabs/stepd/internal/task"
	"github.com/fyrsmithlabs/stepd/internal/worktree"
)

// runtime bundles the collaborators every command wires the same way:
// config, logging, the history store, the search index, and the task
// and process catalogs layered global-then-project.
type runtime struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   *history.SQLiteStore
	index   *history.SearchIndex
	tasks   task.Catalog
	procs   process.Catalog
	engines *engine.Registry
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, err
	}

	store, err := history.NewSQLiteStore(cfg.History.Path, logger.Zap())
	if err != nil {
		return nil, err
	}

	var index *history.SearchIndex
	if cfg.History.VectorPath != "" {
		index, err = history.NewSearchIndex(cfg.History.VectorPath, nil, logger.Zap())
		if err != nil {
			store.Close()
			return nil, err
		}
	} else {
		index = history.NewMemorySearchIndex(nil, logger.Zap())
	}

	taskRoots := []string{cfg.Catalog.TasksDir}
	procRoots := []string{cfg.Catalog.ProcessesDir}
	if home, err := os.UserHomeDir(); err == nil {
		// Project definitions override global ones, so the home roots
		// go first.
		taskRoots = append([]string{filepath.Join(home, ".stepd", "tasks")}, taskRoots...)
		procRoots = append([]string{filepath.Join(home, ".stepd", "processes")}, procRoots...)
	}

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		index:   index,
		tasks:   task.NewDirCatalog(taskRoots...),
		procs:   process.NewDirCatalog(procRoots...),
		engines: engine.NewRegistry(),
	}, nil
}

func (r *runtime) Close() {
	r.store.Close()
	_ = r.logger.Sync()
}

// summarizer builds the result compressor, or nil when summarization is
// disabled or no engine resolves.
func (r *runtime) summarizer() *summarize.Summarizer {
	if !r.cfg.Summarize.Enabled {
		return nil
	}
	eng, err := r.engines.Resolve(r.cfg.Engine.Name)
	if err != nil {
		return nil
	}
	return summarize.New(&eng, r.cfg.Engine.Model, r.cfg.Summarize.Timeout, r.logger.Zap())
}

// startGateway builds and starts the per-run tool gateway. Returns nil
// when the gateway cannot start; the run proceeds without shared tools.
func (r *runtime) startGateway(processID, processName string, tree *worktree.Tree) *gateway.Server {
	gw, err := gateway.New(gateway.Config{
		ProcessID:    processID,
		ProcessName:  processName,
		Store:        r.store,
		Tasks:        r.tasks,
		Index:        r.index,
		Summarizer:   r.summarizer(),
		Tree:         tree,
		BindHost:     r.cfg.Gateway.BindHost,
		DiffMaxBytes: r.cfg.Gateway.DiffMaxBytes,
		Logger:       r.logger.Zap(),
	})
	if err != nil {
		r.logger.Warn(context.Background(), "gateway unavailable, continuing without shared tools", zap.Error(err))
		return nil
	}
	if err := gw.Start(); err != nil {
		r.logger.Warn(context.Background(), "gateway failed to start, continuing without shared tools", zap.Error(err))
		return nil
	}
	return gw
}

// openWorktree returns the enclosing git repository, or nil when the
// working directory is not inside one.
func openWorktree() *worktree.Tree {
	tree, err := worktree.Open(".")
	if err != nil {
		return nil
	}
	return tree
}

func newLocalExecutor(opts executor.Options) executor.Executor {
	return executor.NewLocal(opts)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func unknownNameError(kind, name string, known []string) error {
	if len(known) == 0 {
		return fmt.Errorf("unknown %s %q (none defined; run 'stepd init' and add definitions under .stepd/)", kind, name)
	}
	return fmt.Errorf("unknown %s %q (known: %v)", kind, name, known)
}
