// Package worker runs the claim-execute loop. A pool of workers polls the
// store for pending tasks, drives the registered executor for each claim,
// and keeps heartbeats flowing so the stale sweep can tell a slow task from
// a dead worker.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/mothlane/relayq/internal/eventlog"
	"github.com/mothlane/relayq/internal/executor"
	"github.com/mothlane/relayq/internal/otel"
	"github.com/mothlane/relayq/internal/persistence"
)

type Config struct {
	WorkerCount       int
	PollInterval      time.Duration
	TaskTimeout       time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	SweepInterval     time.Duration

	// Tracer spans each task execution. Nil means no spans.
	Tracer trace.Tracer
}

func (c *Config) normalize() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

type Pool struct {
	store    *persistence.Store
	log      *eventlog.Log
	registry *executor.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      Config

	host      string
	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewPool(store *persistence.Store, log *eventlog.Log, registry *executor.Registry, logger *slog.Logger, cfg Config) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.normalize()
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Pool{
		store:    store,
		log:      log,
		registry: registry,
		logger:   logger,
		tracer:   tracer,
		cfg:      cfg,
		host:     host,
	}
}

// Start launches the workers and the stale sweep. It runs one recovery sweep
// synchronously first so tasks orphaned by a previous crash are requeued
// before anything new is claimed.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)

		p.sweep(ctx)

		p.wg.Add(1)
		go p.sweepLoop(ctx)

		for i := 0; i < p.cfg.WorkerCount; i++ {
			owner := fmt.Sprintf("%s-w%d", p.host, i)
			p.wg.Add(1)
			go p.run(ctx, owner)
		}
		p.logger.Info("worker pool started", "workers", p.cfg.WorkerCount, "poll_interval", p.cfg.PollInterval)
	})
}

// Drain stops claiming new work and waits up to timeout for in-flight tasks
// to finish. Tasks still running after the deadline keep their claim; the
// stale sweep of the next process picks them up.
func (p *Pool) Drain(timeout time.Duration) bool {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		p.logger.Warn("drain timed out with tasks still running", "timeout", timeout)
		return false
	}
}

func (p *Pool) run(ctx context.Context, owner string) {
	defer p.wg.Done()
	for {
		task, err := p.store.ClaimNextPendingTask(ctx, owner)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claim failed", "owner", owner, "err", err)
		}
		if task != nil {
			p.execute(ctx, owner, *task)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep requeues tasks with expired heartbeats and writes the terminal error
// event for any that ran out of attempts.
func (p *Pool) sweep(ctx context.Context) {
	result, err := p.store.RequeueStaleTasks(ctx, p.cfg.StaleAfter)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("stale sweep failed", "err", err)
		}
		return
	}
	for _, id := range result.Requeued {
		p.logger.Warn("requeued stale task", "task_id", id)
	}
	for _, d := range result.Dead {
		p.logger.Warn("stale task exhausted attempts", "task_id", d.ID)
		p.appendError(ctx, d.ID, d.Reason)
	}
}

func (p *Pool) execute(ctx context.Context, owner string, task persistence.Task) {
	logger := p.logger.With("task_id", task.ID, "type", task.Type, "owner", owner, "attempt", task.Attempt)

	attrs := []attribute.KeyValue{
		otel.AttrTaskID.String(task.ID),
		otel.AttrTaskType.String(task.Type),
		otel.AttrOwner.String(owner),
		otel.AttrAttempt.Int(task.Attempt),
	}
	if task.ChatID != "" {
		attrs = append(attrs, otel.AttrChatID.String(task.ChatID))
	}
	ctx, span := otel.StartSpan(ctx, p.tracer, "task.execute", attrs...)
	defer span.End()

	if err := p.store.StartTask(ctx, task.ID, owner); err != nil {
		logger.Error("start failed", "err", err)
		return
	}

	exec, ok := p.registry.Get(task.Type)
	if !ok {
		logger.Error("no executor registered")
		p.finishFailed(ctx, task, fmt.Sprintf("no executor registered for type %q", task.Type), logger)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	hbDone := make(chan struct{})
	go p.heartbeat(taskCtx, cancel, task.ID, owner, hbDone)

	summary, err := p.safeExecute(taskCtx, exec, task)
	cancel()
	<-hbDone

	if err != nil {
		msg := err.Error()
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("task exceeded timeout of %s", p.cfg.TaskTimeout)
		}
		logger.Error("execution failed", "err", msg)
		p.finishFailed(context.WithoutCancel(ctx), task, msg, logger)
		return
	}

	p.finishCompleted(context.WithoutCancel(ctx), task, summary, logger)
}

// safeExecute contains executor panics so one bad task cannot take down the
// worker.
func (p *Pool) safeExecute(ctx context.Context, exec executor.Executor, task persistence.Task) (summary executor.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("executor panic", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	emit := func(kind string, payload any) error {
		raw, merr := json.Marshal(payload)
		if merr != nil {
			return fmt.Errorf("marshal event payload: %w", merr)
		}
		_, aerr := p.log.Append(ctx, task.ID, kind, string(raw))
		return aerr
	}
	return exec.Execute(ctx, task, emit)
}

func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, taskID, owner string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.HeartbeatTask(ctx, taskID, owner); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Lost the claim: the sweep handed this task to someone
				// else, so stop working on it.
				if errors.Is(err, persistence.ErrStaleClaim) || errors.Is(err, persistence.ErrInvalidTransition) {
					p.logger.Warn("claim lost mid-execution", "task_id", taskID, "owner", owner)
					cancel()
					return
				}
				p.logger.Error("heartbeat failed", "task_id", taskID, "err", err)
			}
		}
	}
}

func (p *Pool) finishCompleted(ctx context.Context, task persistence.Task, summary executor.Summary, logger *slog.Logger) {
	result, err := json.Marshal(summary)
	if err != nil {
		result = []byte("{}")
	}

	if ev, err := p.log.Append(ctx, task.ID, persistence.EventKindComplete, string(result)); err != nil {
		logger.Error("append complete event failed", "err", err)
	} else {
		trace.SpanFromContext(ctx).SetAttributes(otel.AttrEventSeq.Int64(ev.Seq))
	}
	if err := p.store.CompleteTask(ctx, task.ID, string(result)); err != nil {
		logger.Error("complete failed", "err", err)
		return
	}

	if task.ChatID != "" && summary.Output != "" {
		if _, err := p.store.AddMessage(ctx, task.ChatID, "assistant", summary.Output, summary.InputTokens, summary.OutputTokens); err != nil {
			logger.Error("save assistant message failed", "chat_id", task.ChatID, "err", err)
		}
	}
	logger.Info("task completed", "tools", summary.ToolCount)
}

// finishFailed records the failure. The terminal error event is only written
// when the attempt budget is spent: a requeued task resumes appending to the
// same log on its next attempt.
func (p *Pool) finishFailed(ctx context.Context, task persistence.Task, msg string, logger *slog.Logger) {
	decision, err := p.store.FailTask(ctx, task.ID, msg)
	if err != nil {
		logger.Error("fail transition failed", "err", err)
		return
	}
	switch decision.Outcome {
	case persistence.FailureOutcomeDead:
		p.appendError(ctx, task.ID, msg)
		logger.Error("task dead", "attempt", decision.Attempt, "max_attempts", decision.MaxAttempts)
	default:
		logger.Warn("task requeued", "attempt", decision.Attempt, "max_attempts", decision.MaxAttempts)
	}
}

func (p *Pool) appendError(ctx context.Context, taskID, msg string) {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	ev, err := p.log.Append(ctx, taskID, persistence.EventKindError, string(payload))
	if err != nil {
		// Already terminal is fine: a prior attempt or sweep closed the log.
		if !errors.Is(err, persistence.ErrInvalidTransition) {
			p.logger.Error("append error event failed", "task_id", taskID, "err", err)
		}
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(otel.AttrEventSeq.Int64(ev.Seq))
}
