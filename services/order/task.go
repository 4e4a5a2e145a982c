package order

import (
	"context"
	"time"

	"lumora-core/pkg/task"
	"lumora-core/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.order",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers),
	fx.Invoke(StartDeadlineSweeper),
)

type Task struct {
	machine   *Machine
	announcer Announcer
	enqueuer  task.Enqueuer
}

type TaskParams struct {
	fx.In

	Machine   *Machine
	Announcer Announcer
	Enqueuer  task.Enqueuer
}

func NewTask(p TaskParams) *Task {
	return &Task{
		machine:   p.Machine,
		announcer: p.Announcer,
		enqueuer:  p.Enqueuer,
	}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.OrderDeadlineSweep, t.HandleDeadlineSweep)
}

// HandleDeadlineSweep flags in-escrow orders whose delivery deadline has
// passed. It never moves an order: whether a late order becomes a dispute or
// a refund is the participants' call, the sweep only raises the flag once.
func (t *Task) HandleDeadlineSweep(ctx context.Context, _ *asynq.Task) error {
	overdue, err := t.machine.Overdue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	for _, o := range overdue {
		zap.L().Warn("order past delivery deadline",
			zap.String("order_id", o.ID),
			zap.String("code", o.Code),
			zap.Timep("deadline_at", o.DeadlineAt),
		)
		if err := t.announcer.SendSystem(ctx, o.ID,
			"The delivery deadline has passed. The client may open a dispute."); err != nil {
			zap.L().Warn("failed to post deadline notice",
				zap.String("order_id", o.ID),
				zap.Error(err),
			)
			continue
		}
		if err := t.machine.MarkDeadlineNotified(ctx, o.ID); err != nil {
			zap.L().Error("failed to mark deadline notified",
				zap.String("order_id", o.ID),
				zap.Error(err),
			)
		}
	}

	if len(overdue) > 0 {
		zap.L().Info("deadline sweep finished", zap.Int("overdue", len(overdue)))
	}
	return nil
}

// StartDeadlineSweeper enqueues the sweep hourly.
func StartDeadlineSweeper(lc fx.Lifecycle, t *Task) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go t.runSweeper(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (t *Task) runSweeper(ctx context.Context) {
	zap.L().Info("[Scheduler] started deadline sweeper")

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := t.enqueuer.Enqueue(asynq.NewTask(taskname.OrderDeadlineSweep, nil)); err != nil {
				zap.L().Error("[Scheduler] failed to enqueue deadline sweep", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] deadline sweeper stopped")
			return
		}
	}
}
