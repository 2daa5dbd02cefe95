package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is a task lifecycle state. Tasks move from pending to running
// to exactly one of the four terminal states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Error codes attached to failed and timed-out tasks. Neither is
// recoverable by retrying the same submission.
const (
	CodeTimeout        = "TIMEOUT"
	CodeExecutionError = "EXECUTION_ERROR"
)

// Sentinel errors. The gateway maps these onto HTTP statuses.
var (
	ErrUnknownType  = errors.New("executor: unknown task type")
	ErrInvalidInput = errors.New("executor: invalid input")
	ErrQueueFull    = errors.New("executor: queue full")
	ErrTaskNotFound = errors.New("executor: task not found")
	ErrTaskFinished = errors.New("executor: task already finished")
	ErrStopped      = errors.New("executor: stopped")
	ErrRateLimited  = errors.New("executor: rate limited")
)

// RateLimitedError carries the retry hint alongside the ErrRateLimited
// identity, so callers can both branch on errors.Is and emit Retry-After.
type RateLimitedError struct {
	RetryAfter int // seconds
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("executor: rate limited, retry after %ds", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// SecurityContext records how the task's submission was authorized.
// PermissionsUsed lists the resource:action pairs the gate granted.
type SecurityContext struct {
	Role            string   `json:"role"`
	PermissionsUsed []string `json:"permissionsUsed"`
	IPAddress       string   `json:"ipAddress,omitempty"`
	UserAgent       string   `json:"userAgent,omitempty"`
}

// ResourceUsage is a best-effort, informational accounting snapshot
// taken at the terminal transition. It never gates behavior.
type ResourceUsage struct {
	WallMs         int64  `json:"wallMs"`
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
}

// Task is one unit of submitted work. Input is kept verbatim;
// InputHash is the canonical-JSON digest recorded at submission, so a
// task stays tied to exactly the payload that was authorized.
// OutputHash is the matching digest of a completed task's output.
type Task struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Name          string          `json:"name,omitempty"`
	Description   string          `json:"description,omitempty"`
	ParentTaskID  string          `json:"parentTaskId,omitempty"`
	Status        Status          `json:"status"`
	Input         json.RawMessage `json:"input,omitempty"`
	InputHash     string          `json:"inputHash"`
	Output        json.RawMessage `json:"output,omitempty"`
	OutputHash    string          `json:"outputHash,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorCode     string          `json:"errorCode,omitempty"`
	UserID        string          `json:"userId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Security      SecurityContext `json:"securityContext"`
	CreatedAt     time.Time       `json:"createdAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	DurationMs    int64           `json:"durationMs,omitempty"`
	Timeout       time.Duration   `json:"timeoutMs"`
	Resources     *ResourceUsage  `json:"resources,omitempty"`

	cancelled chan struct{}
}

// Cancelled returns a channel that is closed once cancellation of the
// task has been requested. Handlers poll it for cooperative shutdown;
// the execution context is cancelled at the same time.
func (t *Task) Cancelled() <-chan struct{} { return t.cancelled }

func (t *Task) clone() *Task {
	cp := *t
	cp.Input = append(json.RawMessage(nil), t.Input...)
	cp.Output = append(json.RawMessage(nil), t.Output...)
	cp.Security.PermissionsUsed = append([]string(nil), t.Security.PermissionsUsed...)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	if t.Resources != nil {
		r := *t.Resources
		cp.Resources = &r
	}
	return &cp
}

// SubmitRequest describes a task to run. UserID, Role, IPAddress and
// UserAgent identify the authenticated submitter and are filled by the
// caller from the request context, never from the body.
type SubmitRequest struct {
	Type          string          `json:"type"`
	Name          string          `json:"name,omitempty"`
	Description   string          `json:"description,omitempty"`
	ParentTaskID  string          `json:"parentTaskId,omitempty"`
	Input         json.RawMessage `json:"input"`
	TimeoutMs     int             `json:"timeoutMs,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`

	UserID    string `json:"-"`
	Role      string `json:"-"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// Filter narrows List results. Zero fields match everything; Limit
// caps the result count, zero meaning no cap.
type Filter struct {
	Status Status
	Type   string
	UserID string
	Limit  int
}

func (f Filter) matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	return true
}

// Stats is a point-in-time executor snapshot. The counters are
// monotonic over the process lifetime; Running and Queued are gauges.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Timeouts  uint64 `json:"timeouts"`
	Cancelled uint64 `json:"cancelled"`
	Rejected  uint64 `json:"rejected"`
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
}
