// Package executor runs submitted tasks through registered handlers
// under bounded concurrency. Every submission is validated, rate
// limited, and permission-gated before it is accepted, and every
// lifecycle transition lands on the audit chain: a task's trail is
// always task_created, then task_started, then exactly one terminal
// event. Cancellation is cooperative; timeouts are enforced through the
// handler context.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/authz"
	"github.com/wardenlabs/warden/pkg/crypto"
	"github.com/wardenlabs/warden/pkg/ratelimit"
)

// ruleTaskCreation is the limiter rule consulted before every submit.
const ruleTaskCreation = "task_creation"

// Handler executes one task type. The context is cancelled when the
// task times out or is cancelled; implementations must return promptly
// once it is done. The task is a private copy, safe to inspect.
type Handler interface {
	Execute(ctx context.Context, task *Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *Task) (json.RawMessage, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, task *Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// InputValidator vets a submission before any other admission step.
// Implementations must be safe for concurrent use.
type InputValidator interface {
	ValidateInput(ctx context.Context, req *SubmitRequest) error
}

// AuditLog is the slice of the audit chain the executor writes to.
type AuditLog interface {
	Record(ctx context.Context, event string, level audit.Level, message string, opts ...audit.EntryOption) (*audit.Entry, error)
}

// Limiter is the slice of the rate limiter consulted at submit.
type Limiter interface {
	Check(ctx context.Context, ruleName, key string) (ratelimit.Result, error)
}

// Gate is the slice of the RBAC engine consulted before a task is
// accepted. *authz.Engine satisfies it.
type Gate interface {
	RequirePermission(roleRef string, check authz.Check, userID string) error
}

// Config bounds the executor. Zero values take the defaults noted per
// field.
type Config struct {
	MaxConcurrent  int           // simultaneous running tasks; default 4
	QueueSize      int           // pending backlog; default 100
	DefaultTimeout time.Duration // per-task deadline when unset; default 30s
	MaxTimeout     time.Duration // requested timeouts clamp to this; default 10m
}

// registration pairs a handler with the permission checks a submitter
// must pass.
type registration struct {
	handler  Handler
	required []authz.Check
}

// record pairs a task with its runtime control state. cancel is nil
// until the task is running; requested is guarded by the executor
// mutex. finished is closed on the terminal transition.
type record struct {
	task      *Task
	cancel    context.CancelFunc
	once      sync.Once
	requested bool
	finished  chan struct{}
}

// Executor accepts, queues, and runs tasks. All mutable state is behind
// the mutex; the pump goroutine owns dequeue order.
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]registration
	tasks    map[string]*record
	order    []string

	queue chan *record

	validators []InputValidator
	chain      AuditLog
	limiter    Limiter
	gate       Gate
	logger     *slog.Logger
	clock      func() time.Time
	observer   func(taskType, status string)

	maxConcurrent  int
	defaultTimeout time.Duration
	maxTimeout     time.Duration

	submitted uint64
	completed uint64
	failed    uint64
	timeouts  uint64
	cancelled uint64
	rejected  uint64
	running   int64

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.clock = now }
}

// WithValidator appends an input validator. Validators run in order as
// the first admission step.
func WithValidator(v InputValidator) Option {
	return func(e *Executor) { e.validators = append(e.validators, v) }
}

// WithObserver registers a callback invoked once per task as it reaches
// a terminal status. Telemetry counters hang off this.
func WithObserver(fn func(taskType, status string)) Option {
	return func(e *Executor) { e.observer = fn }
}

// New builds an executor and starts its pump. chain, limiter and gate
// may be nil in tests; each nil disables that step.
func New(cfg Config, chain AuditLog, limiter Limiter, gate Gate, opts ...Option) *Executor {
	e := &Executor{
		handlers:       make(map[string]registration),
		tasks:          make(map[string]*record),
		chain:          chain,
		limiter:        limiter,
		gate:           gate,
		logger:         slog.Default(),
		clock:          time.Now,
		maxConcurrent:  cfg.MaxConcurrent,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		done:           make(chan struct{}),
	}
	if e.maxConcurrent <= 0 {
		e.maxConcurrent = 4
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = 30 * time.Second
	}
	if e.maxTimeout <= 0 {
		e.maxTimeout = 10 * time.Minute
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	e.queue = make(chan *record, queueSize)
	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(1)
	go e.pump()
	return e
}

// Register binds a handler to a task type along with the permission
// checks every submitter must pass. Without explicit checks the type
// requires tasks/create. Re-registering a type replaces it.
func (e *Executor) Register(taskType string, h Handler, required ...authz.Check) error {
	if taskType == "" {
		return fmt.Errorf("executor: empty task type")
	}
	if h == nil {
		return fmt.Errorf("executor: nil handler for %q", taskType)
	}
	if len(required) == 0 {
		required = []authz.Check{{Resource: "tasks", Action: "create"}}
	}
	e.mu.Lock()
	e.handlers[taskType] = registration{handler: h, required: required}
	e.mu.Unlock()
	return nil
}

// Types returns the registered task types.
func (e *Executor) Types() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		out = append(out, t)
	}
	return out
}

// Submit runs the admission pipeline and enqueues the task: input
// validators, the task_creation rate limit, handler lookup, then the
// RBAC gate. The task_created entry is written before the task becomes
// visible, so an unauditable task never runs.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	select {
	case <-e.done:
		return nil, ErrStopped
	default:
	}

	if req.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidInput)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if len(req.Input) == 0 {
		req.Input = json.RawMessage("null")
	}
	if !json.Valid(req.Input) {
		return nil, fmt.Errorf("%w: input is not valid JSON", ErrInvalidInput)
	}

	for _, v := range e.validators {
		if err := v.ValidateInput(ctx, &req); err != nil {
			atomic.AddUint64(&e.rejected, 1)
			e.audit(ctx, "task_rejected", audit.LevelWarn,
				fmt.Sprintf("task %s rejected by input validation", req.Type),
				req.UserID, "", req.CorrelationID,
				map[string]string{"type": req.Type, "reason": err.Error()})
			return nil, err
		}
	}

	if e.limiter != nil {
		res, err := e.limiter.Check(ctx, ruleTaskCreation, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("executor: rate limit check: %w", err)
		}
		if !res.Allowed {
			e.audit(ctx, "task_rate_limited", audit.LevelWarn,
				fmt.Sprintf("task %s blocked by %s", req.Type, ruleTaskCreation),
				req.UserID, "", req.CorrelationID,
				map[string]string{"type": req.Type, "retryAfter": strconv.Itoa(res.RetryAfter)})
			return nil, &RateLimitedError{RetryAfter: res.RetryAfter}
		}
	}

	e.mu.RLock()
	reg, known := e.handlers[req.Type]
	e.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}

	used := make([]string, 0, len(reg.required))
	if e.gate != nil {
		for _, check := range reg.required {
			if err := e.gate.RequirePermission(req.Role, check, req.UserID); err != nil {
				return nil, err
			}
			used = append(used, check.Resource+":"+check.Action)
		}
	}

	inputHash, err := crypto.CanonicalHash(req.Input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}

	task := &Task{
		ID:            crypto.NewID(),
		Type:          req.Type,
		Name:          req.Name,
		Description:   req.Description,
		ParentTaskID:  req.ParentTaskID,
		Status:        StatusPending,
		Input:         append(json.RawMessage(nil), req.Input...),
		InputHash:     inputHash,
		UserID:        req.UserID,
		CorrelationID: req.CorrelationID,
		Security: SecurityContext{
			Role:            req.Role,
			PermissionsUsed: used,
			IPAddress:       req.IPAddress,
			UserAgent:       req.UserAgent,
		},
		CreatedAt: e.clock().UTC(),
		Timeout:   timeout,
		cancelled: make(chan struct{}),
	}

	if len(e.queue) == cap(e.queue) {
		return nil, ErrQueueFull
	}
	if err := e.auditStrict(ctx, "task_created", audit.LevelInfo,
		fmt.Sprintf("task %s submitted", task.Type),
		task.UserID, task.ID, task.CorrelationID,
		map[string]string{"type": task.Type, "inputHash": task.InputHash}); err != nil {
		return nil, err
	}

	rec := &record{task: task, finished: make(chan struct{})}
	e.mu.Lock()
	select {
	case e.queue <- rec:
		e.tasks[task.ID] = rec
		e.order = append(e.order, task.ID)
	default:
		e.mu.Unlock()
		return nil, ErrQueueFull
	}
	e.mu.Unlock()

	atomic.AddUint64(&e.submitted, 1)
	e.logger.Debug("task queued", "task", task.ID, "type", task.Type, "user", task.UserID)
	return task.clone(), nil
}

// Get returns a copy of the task.
func (e *Executor) Get(id string) (*Task, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return rec.task.clone(), nil
}

// List returns copies of tasks matching the filter, newest first.
func (e *Executor) List(f Filter) []*Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Task, 0)
	for i := len(e.order) - 1; i >= 0; i-- {
		rec := e.tasks[e.order[i]]
		if !f.matches(rec.task) {
			continue
		}
		out = append(out, rec.task.clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Wait blocks until the task reaches a terminal state, then returns its
// final form.
func (e *Executor) Wait(ctx context.Context, id string) (*Task, error) {
	e.mu.RLock()
	rec, ok := e.tasks[id]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	select {
	case <-rec.finished:
		return e.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops a task. Pending tasks transition to cancelled
// immediately; running tasks have cancellation signalled through their
// context and Cancelled channel, and transition when the handler
// returns. Terminal tasks return ErrTaskFinished.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	rec, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return ErrTaskNotFound
	}
	switch {
	case rec.task.Status.Terminal():
		e.mu.Unlock()
		return ErrTaskFinished
	case rec.task.Status == StatusPending:
		now := e.clock().UTC()
		rec.task.Status = StatusCancelled
		rec.task.CompletedAt = &now
		rec.requested = true
		rec.once.Do(func() { close(rec.task.cancelled) })
		task := rec.task
		e.mu.Unlock()

		atomic.AddUint64(&e.cancelled, 1)
		e.audit(ctx, "task_cancelled", audit.LevelInfo,
			fmt.Sprintf("task %s cancelled before start", task.Type),
			task.UserID, task.ID, task.CorrelationID,
			map[string]string{"type": task.Type})
		close(rec.finished)
		e.observe(task.Type, string(StatusCancelled))
		e.logger.Info("task cancelled", "task", task.ID, "phase", "pending")
		return nil
	default: // running
		rec.requested = true
		rec.once.Do(func() { close(rec.task.cancelled) })
		if rec.cancel != nil {
			rec.cancel()
		}
		e.mu.Unlock()
		e.logger.Info("task cancellation requested", "task", id)
		return nil
	}
}

// Stats snapshots executor activity.
func (e *Executor) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadUint64(&e.submitted),
		Completed: atomic.LoadUint64(&e.completed),
		Failed:    atomic.LoadUint64(&e.failed),
		Timeouts:  atomic.LoadUint64(&e.timeouts),
		Cancelled: atomic.LoadUint64(&e.cancelled),
		Rejected:  atomic.LoadUint64(&e.rejected),
		Running:   int(atomic.LoadInt64(&e.running)),
		Queued:    len(e.queue),
	}
}

// Stop refuses new submissions, cancels running tasks, and waits for
// in-flight work to finish or ctx to expire. Queued tasks that never
// started stay pending.
func (e *Executor) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		for _, rec := range e.tasks {
			if rec.task.Status == StatusRunning {
				rec.requested = true
				rec.once.Do(func() { close(rec.task.cancelled) })
				if rec.cancel != nil {
					rec.cancel()
				}
			}
		}
		e.mu.Unlock()
	})

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: stop: %w", ctx.Err())
	}
}

// pump dequeues in FIFO order and admits at most maxConcurrent
// concurrent runs. Acquiring the slot before spawning keeps start order
// equal to queue order.
func (e *Executor) pump() {
	defer e.wg.Done()
	sem := make(chan struct{}, e.maxConcurrent)
	for {
		select {
		case <-e.done:
			return
		case rec := <-e.queue:
			select {
			case sem <- struct{}{}:
			case <-e.done:
				return
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				defer func() { <-sem }()
				e.run(rec)
			}()
		}
	}
}

// run executes a single task through its handler and applies exactly
// one terminal transition.
func (e *Executor) run(rec *record) {
	e.mu.Lock()
	task := rec.task
	if task.Status != StatusPending { // cancelled while queued
		e.mu.Unlock()
		return
	}
	now := e.clock().UTC()
	task.Status = StatusRunning
	task.StartedAt = &now

	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
	rec.cancel = cancel
	handler := e.handlers[task.Type].handler
	e.mu.Unlock()
	defer cancel()

	atomic.AddInt64(&e.running, 1)
	defer atomic.AddInt64(&e.running, -1)

	e.audit(ctx, "task_started", audit.LevelInfo,
		fmt.Sprintf("task %s started", task.Type),
		task.UserID, task.ID, task.CorrelationID,
		map[string]string{"type": task.Type})

	output, err := handler.Execute(ctx, task.clone())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	e.mu.Lock()
	now = e.clock().UTC()
	task.CompletedAt = &now
	if task.StartedAt != nil {
		task.DurationMs = now.Sub(*task.StartedAt).Milliseconds()
	}
	task.Resources = &ResourceUsage{WallMs: task.DurationMs, HeapAllocBytes: mem.HeapAlloc}
	requested := rec.requested

	var event string
	var level audit.Level
	md := map[string]string{"type": task.Type}
	switch {
	case err == nil:
		task.Status = StatusCompleted
		task.Output = output
		task.OutputHash = outputHash(output)
		event, level = "task_completed", audit.LevelInfo
		md["durationMs"] = strconv.FormatInt(task.DurationMs, 10)
		md["outputHash"] = task.OutputHash
		atomic.AddUint64(&e.completed, 1)
	case requested:
		task.Status = StatusCancelled
		task.Error = "cancelled"
		event, level = "task_cancelled", audit.LevelInfo
		atomic.AddUint64(&e.cancelled, 1)
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		task.Status = StatusTimeout
		task.Error = fmt.Sprintf("deadline of %s exceeded", task.Timeout)
		task.ErrorCode = CodeTimeout
		event, level = "task_failed", audit.LevelWarn
		md["code"] = CodeTimeout
		md["timeoutMs"] = strconv.FormatInt(task.Timeout.Milliseconds(), 10)
		atomic.AddUint64(&e.timeouts, 1)
	default:
		task.Status = StatusFailed
		task.Error = err.Error()
		task.ErrorCode = CodeExecutionError
		event, level = "task_failed", audit.LevelError
		md["code"] = CodeExecutionError
		md["error"] = err.Error()
		atomic.AddUint64(&e.failed, 1)
	}
	e.mu.Unlock()

	// Detached context: the handler context is spent by now. The
	// finished channel closes after the entry lands so waiters always
	// observe a complete trail.
	e.audit(context.Background(), event, level,
		fmt.Sprintf("task %s %s", task.Type, task.Status),
		task.UserID, task.ID, task.CorrelationID, md)
	close(rec.finished)
	e.observe(task.Type, string(task.Status))
	e.logger.Info("task finished",
		"task", task.ID, "type", task.Type, "status", string(task.Status),
		"durationMs", task.DurationMs)
}

func (e *Executor) observe(taskType, status string) {
	if e.observer != nil {
		e.observer(taskType, status)
	}
}

// outputHash digests handler output the same way input is digested.
// Non-JSON output (which Handler's contract already forbids) falls back
// to a plain digest of the bytes.
func outputHash(out json.RawMessage) string {
	if len(out) == 0 {
		return ""
	}
	if h, err := crypto.CanonicalHash(out); err == nil {
		return h
	}
	return crypto.SHA256Hex(out)
}

// audit records best-effort; chain failures are logged, not propagated.
func (e *Executor) audit(ctx context.Context, event string, level audit.Level, msg, userID, taskID, correlationID string, md map[string]string) {
	_ = e.auditStrict(ctx, event, level, msg, userID, taskID, correlationID, md)
}

// auditStrict records an entry and propagates failure so Submit can
// refuse work it cannot account for.
func (e *Executor) auditStrict(ctx context.Context, event string, level audit.Level, msg, userID, taskID, correlationID string, md map[string]string) error {
	if e.chain == nil {
		return nil
	}
	opts := []audit.EntryOption{audit.WithUser(userID), audit.WithMetadata(md)}
	if taskID != "" {
		opts = append(opts, audit.WithTask(taskID))
	}
	if correlationID != "" {
		opts = append(opts, audit.WithCorrelation(correlationID))
	}
	if _, err := e.chain.Record(ctx, event, level, msg, opts...); err != nil {
		e.logger.Error("audit record failed", "event", event, "task", taskID, "error", err)
		return fmt.Errorf("executor: audit write failed: %w", err)
	}
	return nil
}
