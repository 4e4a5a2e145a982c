package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lumora-core/pkg/config"
	"lumora-core/pkg/task"
	"lumora-core/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.ledger",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers),
	fx.Invoke(StartPayoutScheduler),
)

type Task struct {
	service  *Service
	enqueuer task.Enqueuer
}

type TaskParams struct {
	fx.In

	Service  *Service
	Enqueuer task.Enqueuer
}

func NewTask(p TaskParams) *Task {
	return &Task{
		service:  p.Service,
		enqueuer: p.Enqueuer,
	}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.PayoutRun, t.HandlePayoutRun)
	mux.HandleFunc(taskname.PayoutRunAuthor, t.HandlePayoutRunAuthor)
}

type PayoutRunPayload struct {
	Period string `json:"period"`
}

type PayoutRunAuthorPayload struct {
	AuthorID string `json:"author_id"`
	Period   string `json:"period"`
}

// HandlePayoutRun fans one task out per author owed money. The fan-out keeps
// a single slow author from starving the rest and gives each author its own
// retry budget. Batch ids keep every retry idempotent.
func (t *Task) HandlePayoutRun(ctx context.Context, at *asynq.Task) error {
	var payload PayoutRunPayload
	if err := json.Unmarshal(at.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", at.Type()),
		zap.String("period", payload.Period),
	)
	zapLog.Info("starting payout run")

	authors, err := t.service.AuthorsWithPendingBalance(ctx)
	if err != nil {
		zapLog.Error("failed to list authors", zap.Error(err))
		return err
	}

	for _, authorID := range authors {
		raw, err := json.Marshal(PayoutRunAuthorPayload{AuthorID: authorID, Period: payload.Period})
		if err != nil {
			return err
		}
		if _, err := t.enqueuer.Enqueue(asynq.NewTask(taskname.PayoutRunAuthor, raw)); err != nil {
			zapLog.Error("failed to enqueue author payout", zap.String("author_id", authorID), zap.Error(err))
			return err
		}
	}

	zapLog.Info("payout run enqueued", zap.Int("authors", len(authors)))
	return nil
}

func (t *Task) HandlePayoutRunAuthor(ctx context.Context, at *asynq.Task) error {
	var payload PayoutRunAuthorPayload
	if err := json.Unmarshal(at.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	_, err := t.service.RecordPayoutBatch(ctx, payload.AuthorID, payload.Period)
	return err
}

// StartPayoutScheduler enqueues the monthly payout run on the first day of
// each month at the configured hour. Authors are paid once a month.
func StartPayoutScheduler(lc fx.Lifecycle, cfg *config.Config, t *Task) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go t.runScheduler(ctx, cfg.Payout.RunHour)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (t *Task) runScheduler(ctx context.Context, hour int) {
	zap.L().Info("[Scheduler] started payout scheduler", zap.Int("run_hour", hour))

	for {
		now := time.Now()
		next := nextMonthlyRun(now, hour)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next payout run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			period := time.Now().AddDate(0, -1, 0).Format("2006-01")
			raw, _ := json.Marshal(PayoutRunPayload{Period: period})
			if _, err := t.enqueuer.Enqueue(asynq.NewTask(taskname.PayoutRun, raw)); err != nil {
				zap.L().Error("[Scheduler] failed to enqueue payout run", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

// nextMonthlyRun computes the next first-of-month at the given hour.
func nextMonthlyRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), 1, hour, 0, 0, 0, now.Location())
	if !now.Before(next) {
		next = next.AddDate(0, 1, 0)
	}
	return next
}
