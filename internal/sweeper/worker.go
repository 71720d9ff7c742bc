package sweeper

import (
	"context"
	"time"

	"github.com/riverqueue/river"
)

type SweepArgs struct{}

func (SweepArgs) Kind() string { return "expiry_sweep" }

type Worker struct {
	river.WorkerDefaults[SweepArgs]
	svc *Service
}

func NewWorker(svc *Service) *Worker {
	return &Worker{svc: svc}
}

func (w *Worker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	_, err := w.svc.Sweep(ctx, time.Now())
	return err
}

// PeriodicJob schedules the sweep at the given interval, with one run at
// startup to clear any backlog from downtime.
func PeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return SweepArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
