package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/store"
)

// Resumer continues an execution whose confirmation was granted.
type Resumer interface {
	ResumeAfterConfirmation(ctx context.Context, executionID string) (*contracts.ExecutionResult, error)
}

// DefaultBatchSize is the number of tasks drained per tick.
const DefaultBatchSize = 50

// Relay drains pending outbox tasks. A failed task stays pending with its
// attempt count raised and is retried on the next drain.
type Relay struct {
	store     store.Store
	publisher Publisher
	resumer   Resumer
	batchSize int
	logger    *slog.Logger
}

// NewRelay creates a relay. Resume tasks fail until a Resumer is attached.
func NewRelay(st store.Store, pub Publisher, batchSize int) *Relay {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if pub == nil {
		pub = NewLogPublisher(nil)
	}
	return &Relay{
		store:     st,
		publisher: pub,
		batchSize: batchSize,
		logger:    slog.Default().With("component", "outbox"),
	}
}

// WithResumer attaches the settlement engine.
func (r *Relay) WithResumer(res Resumer) *Relay {
	r.resumer = res
	return r
}

// Drain processes one batch and returns how many tasks completed.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	tasks, err := r.store.PendingTasks(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load pending tasks: %w", err)
	}
	done := 0
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if herr := r.handle(ctx, t); herr != nil {
			r.logger.WarnContext(ctx, "outbox task failed",
				"task_id", t.ID, "kind", t.Kind, "attempts", t.Attempts+1, "error", herr)
			if err := r.store.MarkTaskFailed(ctx, t.ID, herr); err != nil {
				return done, fmt.Errorf("mark task %s failed: %w", t.ID, err)
			}
			continue
		}
		if err := r.store.MarkTaskDone(ctx, t.ID); err != nil {
			return done, fmt.Errorf("mark task %s done: %w", t.ID, err)
		}
		done++
	}
	return done, nil
}

func (r *Relay) handle(ctx context.Context, t *store.Task) error {
	switch t.Kind {
	case store.TaskPublishEvent:
		var p PublishPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("corrupt publish payload: %w", err)
		}
		return r.publisher.Publish(ctx, p.Subject, p.Data)
	case store.TaskResumeSettlement:
		if r.resumer == nil {
			return errors.New("no resumer attached")
		}
		var p ResumePayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("corrupt resume payload: %w", err)
		}
		res, err := r.resumer.ResumeAfterConfirmation(ctx, p.ExecutionID)
		if err != nil && (res == nil || !res.Status.Terminal()) {
			return err
		}
		// a terminal execution needs no further work, whatever its outcome
		return nil
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

// Run drains on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.ErrorContext(ctx, "outbox drain failed", "error", err)
			} else if n > 0 {
				r.logger.DebugContext(ctx, "outbox drained", "tasks", n)
			}
		}
	}
}
