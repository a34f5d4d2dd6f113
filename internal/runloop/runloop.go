// Package runloop executes N attempts concurrently and fans their
// message streams into a single consumer. Order is preserved within one
// attempt; nothing is guaranteed across attempts. There is no
// cancellation path, an attempt runs to completion or failure.
package runloop

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/engine"
	"github.com/fyrsmithlabs/stepd/internal/executor"
	"github.com/fyrsmithlabs/stepd/internal/logging"
)

// Attempt is one executor run scheduled by the loop.
type Attempt struct {
	TaskID   string
	Engine   engine.Engine
	Prompt   string
	Executor executor.Executor
}

// Result is the per-attempt outcome, returned in attempt order.
type Result struct {
	TaskID    string
	ExitCode  int
	SessionID string
	Output    string
	Summary   *executor.Summary
	Err       error
}

// Monitor receives every message as it arrives at the consumer.
type Monitor interface {
	OnMessage(attempt int, msg executor.Message)
	OnDone(attempt int, res Result)
}

// SessionFunc is invoked once per attempt when the engine first reports
// its session identifier.
type SessionFunc func(taskID, sessionID string)

// Loop drives attempts and owns the fan-in channel.
type Loop struct {
	logger    *logging.Logger
	monitor   Monitor
	onSession SessionFunc
}

// Option configures a Loop.
type Option func(*Loop)

// WithMonitor attaches a live view of the message stream.
func WithMonitor(m Monitor) Option {
	return func(l *Loop) { l.monitor = m }
}

// WithSessionFunc registers the session persistence callback.
func WithSessionFunc(fn SessionFunc) Option {
	return func(l *Loop) { l.onSession = fn }
}

func New(logger *logging.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = logging.NewNop()
	}
	l := &Loop{logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// tagged carries one message through the shared channel. A nil-content
// entry with done set is the completion sentinel for that attempt.
type tagged struct {
	attempt int
	msg     executor.Message
	done    bool
}

// Run executes all attempts and blocks until every one has signaled
// completion. Exit codes come back in attempt order, not completion
// order.
func (l *Loop) Run(ctx context.Context, attempts []Attempt) []Result {
	results := make([]Result, len(attempts))
	if len(attempts) == 0 {
		return results
	}

	ch := make(chan tagged, 64)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			l.runAttempt(ctx, idx, attempts[idx], results, ch)
		}(i)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()

	outputs := make([]strings.Builder, len(attempts))
	for t := range ch {
		if t.done {
			if l.monitor != nil {
				l.monitor.OnDone(t.attempt, results[t.attempt])
			}
			continue
		}
		if t.msg.SessionID != "" && results[t.attempt].SessionID == "" {
			results[t.attempt].SessionID = t.msg.SessionID
			if l.onSession != nil {
				l.onSession(attempts[t.attempt].TaskID, t.msg.SessionID)
			}
		}
		if t.msg.Content != "" {
			outputs[t.attempt].WriteString(t.msg.Content)
			outputs[t.attempt].WriteString("\n")
		}
		if l.monitor != nil {
			l.monitor.OnMessage(t.attempt, t.msg)
		}
	}

	for i := range results {
		results[i].Output = strings.TrimRight(outputs[i].String(), "\n")
	}
	return results
}

func (l *Loop) runAttempt(ctx context.Context, idx int, att Attempt, results []Result, ch chan<- tagged) {
	ctx = logging.WithTaskID(ctx, att.TaskID)
	results[idx].TaskID = att.TaskID

	defer func() {
		ch <- tagged{attempt: idx, done: true}
	}()

	if err := att.Executor.Setup(ctx, att.Engine, att.Prompt); err != nil {
		l.logger.Error(ctx, "attempt setup failed", zap.Int("attempt", idx), zap.Error(err))
		results[idx].ExitCode = 1
		results[idx].Err = err
		return
	}

	msgs, err := att.Executor.Run(ctx)
	if err != nil {
		l.logger.Error(ctx, "attempt start failed", zap.Int("attempt", idx), zap.Error(err))
		results[idx].ExitCode = 1
		results[idx].Err = err
		_ = att.Executor.Teardown(ctx)
		return
	}

	for msg := range msgs {
		ch <- tagged{attempt: idx, msg: msg}
	}

	if err := att.Executor.Teardown(ctx); err != nil {
		l.logger.Warn(ctx, "attempt teardown reported error",
			zap.Int("attempt", idx), zap.Error(err))
	}
	results[idx].ExitCode = att.Executor.ExitCode()
	results[idx].Summary = att.Executor.Summary()
}
