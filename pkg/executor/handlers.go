package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EchoHandler returns the task input unchanged. It is the smallest
// useful handler and doubles as a liveness probe for the pipeline.
func EchoHandler() Handler {
	return HandlerFunc(func(_ context.Context, task *Task) (json.RawMessage, error) {
		return task.Input, nil
	})
}

// SleepHandler sleeps for input {"ms": n} and returns {"sleptMs": n}.
// It honors both the execution context and the task's cancellation
// channel, making it the reference for cooperative handlers.
func SleepHandler() Handler {
	return HandlerFunc(func(ctx context.Context, task *Task) (json.RawMessage, error) {
		var in struct {
			Ms int `json:"ms"`
		}
		if err := json.Unmarshal(task.Input, &in); err != nil {
			return nil, fmt.Errorf("sleep: %w", err)
		}
		if in.Ms < 0 {
			return nil, fmt.Errorf("sleep: negative duration %dms", in.Ms)
		}

		timer := time.NewTimer(time.Duration(in.Ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			return json.RawMessage(fmt.Sprintf(`{"sleptMs":%d}`, in.Ms)), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-task.Cancelled():
			return nil, context.Canceled
		}
	})
}
