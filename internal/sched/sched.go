// Package sched binds the deadline sweeps to their fixed UTC schedule.
package sched

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"qube/internal/engine"
)

type sweep struct {
	name string
	spec string
	run  func(context.Context) (int, error)
}

// Scheduler runs the nightly sweeps. All times are UTC regardless of the
// host timezone.
type Scheduler struct {
	cron   *cron.Cron
	sweeps []sweep
}

func New(e engine.Engine) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithLocation(time.UTC)),
		sweeps: []sweep{
			{"submission-deadline", "0 21 * * *", e.SweepSubmissionDeadline},
			{"payment-deadline", "30 21 * * *", e.SweepPaymentDeadline},
			{"disapproval-refund", "0 22 * * *", e.SweepDisapproveRefund},
			{"dispute-refund", "30 22 * * *", e.SweepDisputeRefund},
			{"stale-dispute", "0 23 * * *", e.SweepStaleDisputes},
			{"stale-signature", "30 23 * * *", e.SweepUnsignedProjects},
			{"daily-task-update", "0 0 * * *", e.SweepDailyTasks},
		},
	}
}

// Start registers every sweep and launches the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, sw := range s.sweeps {
		sw := sw
		if _, err := s.cron.AddFunc(sw.spec, func() {
			n, err := sw.run(ctx)
			if err != nil {
				log.Printf("sched: %s: %v", sw.name, err)
				return
			}
			log.Printf("sched: %s: processed %d records", sw.name, n)
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for in-flight sweeps.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunAll executes every sweep once, in schedule order. Used by the CLI.
func (s *Scheduler) RunAll(ctx context.Context) (int, error) {
	total := 0
	for _, sw := range s.sweeps {
		n, err := sw.run(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Run executes a single sweep by name. Returns false when the name is
// unknown.
func (s *Scheduler) Run(ctx context.Context, name string) (int, bool, error) {
	for _, sw := range s.sweeps {
		if sw.name == name {
			n, err := sw.run(ctx)
			return n, true, err
		}
	}
	return 0, false, nil
}

// Names lists the sweep names in schedule order.
func (s *Scheduler) Names() []string {
	names := make([]string, len(s.sweeps))
	for i, sw := range s.sweeps {
		names[i] = sw.name
	}
	return names
}
