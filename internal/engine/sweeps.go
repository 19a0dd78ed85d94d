package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"qube/internal/domain"
	"qube/internal/repo"
)

// Sweeps compare stored deadlines to wall-clock time and push overdue records
// forward. Each sweep is idempotent: the guarded status updates make a second
// run over the same records a no-op, and a lost race against a user action is
// skipped silently. Failures on one record never stop the rest.

const (
	staleAfterDays       = 7
	disputeExtensionDays = 14
)

// SweepSubmissionDeadline refunds projects whose submission window lapsed and
// moves post-extension projects into their payment window.
func (e Engine) SweepSubmissionDeadline(ctx context.Context) (int, error) {
	now := e.nowStr()
	processed := 0

	due, err := e.Repo.ProjectsDue(ctx, domain.ProjectWaitingSubmission, "submission_deadline", now)
	if err != nil {
		return 0, err
	}
	for _, p := range due {
		if _, err := e.Ledger.WithdrawToDepositor(ctx, p.ID); err != nil {
			e.sweepError(ctx, err, p.ID, "checkSubmissionDeadline")
			continue
		}
		if err := e.Repo.UpdateProjectStatus(ctx, p.ID, domain.ProjectWaitingSubmission, domain.ProjectCompleteNoSubmission); err != nil {
			if !errors.Is(err, repo.ErrStatusConflict) {
				e.sweepError(ctx, err, p.ID, "checkSubmissionDeadline")
			}
			continue
		}
		processed++
	}

	extended, err := e.Repo.ProjectsDue(ctx, domain.ProjectWaitingSubmissionDER, "submission_deadline", now)
	if err != nil {
		return processed, err
	}
	for _, p := range extended {
		if err := e.Repo.UpdateProjectStatus(ctx, p.ID, domain.ProjectWaitingSubmissionDER, domain.ProjectWaitingPayment); err != nil {
			if !errors.Is(err, repo.ErrStatusConflict) {
				e.sweepError(ctx, err, p.ID, "checkSubmissionDeadline")
			}
			continue
		}
		processed++
	}
	return processed, nil
}

// SweepPaymentDeadline pays out projects whose client went silent past the
// payment deadline. Disputed projects are left for the dispute sweeps.
func (e Engine) SweepPaymentDeadline(ctx context.Context) (int, error) {
	due, err := e.Repo.ProjectsDue(ctx, domain.ProjectWaitingPayment, "payment_deadline", e.nowStr())
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, p := range due {
		if p.InDispute {
			continue
		}
		if _, err := e.Ledger.WithdrawToRecipient(ctx, p.ID); err != nil {
			e.sweepError(ctx, err, p.ID, "checkPaymentDeadline")
			continue
		}
		if err := e.Repo.UpdateProjectStatus(ctx, p.ID, domain.ProjectWaitingPayment, domain.ProjectCompleteNoContact); err != nil {
			if !errors.Is(err, repo.ErrStatusConflict) {
				e.sweepError(ctx, err, p.ID, "checkPaymentDeadline")
			}
			continue
		}
		processed++
	}
	return processed, nil
}

// SweepDisapproveRefund refunds disapproved projects past their payment
// deadline and releases task rewards whose disapproval lock expired.
func (e Engine) SweepDisapproveRefund(ctx context.Context) (int, error) {
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	processed := 0

	due, err := e.Repo.ProjectsDue(ctx, domain.ProjectCompleteDisapproval, "payment_deadline", nowStr)
	if err != nil {
		return 0, err
	}
	for _, p := range due {
		if _, err := e.Ledger.WithdrawToDepositor(ctx, p.ID); err != nil {
			e.sweepError(ctx, err, p.ID, "disapprovedProjectsRefund")
			continue
		}
		processed++
	}

	locked, err := e.Repo.TasksWithStatus(ctx, domain.StatusLockedByDisapproval)
	if err != nil {
		return processed, err
	}
	for _, t := range locked {
		if t.LockReleaseAt == nil {
			continue
		}
		release, err := time.Parse(time.RFC3339, *t.LockReleaseAt)
		if err != nil {
			e.sweepError(ctx, err, t.ID, "disapprovedProjectsRefund")
			continue
		}
		if now.Before(release) {
			continue
		}
		hash, err := e.Ledger.WithdrawToDepositor(ctx, t.ProjectID)
		if err != nil {
			e.sweepError(ctx, err, t.ID, "disapprovedProjectsRefund")
			continue
		}
		if _, err := e.transitionTask(ctx, t, domain.StatusCompletedWithRewardReleaseAfterLock,
			repo.TaskStatusUpdate{EndTimestamp: &nowStr}, hash, "scheduler"); err != nil {
			if !errors.Is(err, repo.ErrStatusConflict) {
				e.sweepError(ctx, err, t.ID, "disapprovedProjectsRefund")
			}
			continue
		}
		processed++
	}
	return processed, nil
}

// SweepDisputeRefund refunds disputed projects whose payment deadline lapsed
// without resolution.
func (e Engine) SweepDisputeRefund(ctx context.Context) (int, error) {
	due, err := e.Repo.ProjectsDue(ctx, domain.ProjectInDispute, "payment_deadline", e.nowStr())
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, p := range due {
		if _, err := e.Ledger.WithdrawToDepositor(ctx, p.ID); err != nil {
			e.sweepError(ctx, err, p.ID, "disputedProjectsRefund")
			continue
		}
		if err := e.Repo.UpdateProjectStatus(ctx, p.ID, domain.ProjectInDispute, domain.ProjectCompleteDispute); err != nil {
			if !errors.Is(err, repo.ErrStatusConflict) {
				e.sweepError(ctx, err, p.ID, "disputedProjectsRefund")
			}
			continue
		}
		processed++
	}
	return processed, nil
}

// SweepStaleDisputes reopens disputes older than a week: both deadlines move
// out fourteen days and the project returns to its post-extension submission
// window.
func (e Engine) SweepStaleDisputes(ctx context.Context) (int, error) {
	now := e.now().UTC()
	cutoff := now.AddDate(0, 0, -staleAfterDays).Format(time.RFC3339)
	stale, err := e.Repo.ProjectsInDisputeSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, p := range stale {
		sub, err := shiftNullableDeadline(p.SubmissionDeadline, disputeExtensionDays)
		if err != nil {
			e.sweepError(ctx, err, p.ID, "updateDisputedProjects")
			continue
		}
		pay, err := shiftNullableDeadline(p.PaymentDeadline, disputeExtensionDays)
		if err != nil {
			e.sweepError(ctx, err, p.ID, "updateDisputedProjects")
			continue
		}
		if err := e.Repo.ReopenDisputedProject(ctx, p.ID, sub, pay); err != nil {
			if !errors.Is(err, repo.ErrStatusConflict) {
				e.sweepError(ctx, err, p.ID, "updateDisputedProjects")
			}
			continue
		}
		processed++
	}
	return processed, nil
}

// SweepUnsignedProjects cancels projects whose recipient never connected a
// wallet within a week of creation.
func (e Engine) SweepUnsignedProjects(ctx context.Context) (int, error) {
	cutoff := e.now().UTC().AddDate(0, 0, -staleAfterDays).Format(time.RFC3339)
	stale, err := e.Repo.ProjectsDue(ctx, domain.ProjectWaitingSignature, "created_at", cutoff)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, p := range stale {
		if err := e.Repo.UpdateProjectStatus(ctx, p.ID, domain.ProjectWaitingSignature, domain.ProjectCanceled); err != nil {
			if !errors.Is(err, repo.ErrStatusConflict) {
				e.sweepError(ctx, err, p.ID, "cancelUnsignedProjects")
			}
			continue
		}
		processed++
	}
	return processed, nil
}

// SweepDailyTasks pushes overdue tasks into their overdue states and reminds
// recipients a day before the submission deadline.
func (e Engine) SweepDailyTasks(ctx context.Context) (int, error) {
	now := e.now().UTC()
	processed := 0

	working, err := e.Repo.TasksWithStatus(ctx, domain.StatusInProgress, domain.StatusDeletionRequested)
	if err != nil {
		return 0, err
	}
	for _, t := range working {
		deadline, err := time.Parse(time.RFC3339, t.SubmissionDeadline)
		if err != nil {
			e.sweepError(ctx, err, t.ID, "dailyTaskUpdate")
			continue
		}
		switch {
		case !now.Before(deadline):
			if _, err := e.transitionTask(ctx, t, domain.StatusSubmissionOverdue, repo.TaskStatusUpdate{}, "", "scheduler"); err != nil {
				if !errors.Is(err, repo.ErrStatusConflict) {
					e.sweepError(ctx, err, t.ID, "dailyTaskUpdate")
				}
				continue
			}
			processed++
		case t.Status == domain.StatusInProgress.String() && !now.Before(deadline.AddDate(0, 0, -1)):
			// Each task gets the reminder once; claiming the row first
			// keeps a rerun of the sweep from mailing again.
			claimed, err := e.Repo.MarkTaskReminderSent(ctx, t.ID, now.Format(time.RFC3339))
			if err != nil {
				e.sweepError(ctx, err, t.ID, "dailyTaskUpdate")
				continue
			}
			if claimed {
				e.Notify.Reminder(ctx, t)
			}
		}
	}

	if n, err := e.sweepOverdue(ctx, domain.StatusUnderReview, domain.StatusReviewOverdue, taskReviewDeadline); err != nil {
		return processed, err
	} else {
		processed += n
	}
	if n, err := e.sweepOverdue(ctx, domain.StatusPendingPayment, domain.StatusPaymentOverdue, taskPaymentDeadline); err != nil {
		return processed, err
	} else {
		processed += n
	}
	return processed, nil
}

func taskReviewDeadline(t domain.Task) string  { return t.ReviewDeadline }
func taskPaymentDeadline(t domain.Task) string { return t.PaymentDeadline }

func (e Engine) sweepOverdue(ctx context.Context, from, to domain.TaskStatus, deadlineOf func(domain.Task) string) (int, error) {
	now := e.now().UTC()
	tasks, err := e.Repo.TasksWithStatus(ctx, from)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, t := range tasks {
		deadline, err := time.Parse(time.RFC3339, deadlineOf(t))
		if err != nil {
			e.sweepError(ctx, err, t.ID, "dailyTaskUpdate")
			continue
		}
		if now.Before(deadline) {
			continue
		}
		if _, err := e.transitionTask(ctx, t, to, repo.TaskStatusUpdate{}, "", "scheduler"); err != nil {
			if !errors.Is(err, repo.ErrStatusConflict) {
				e.sweepError(ctx, err, t.ID, "dailyTaskUpdate")
			}
			continue
		}
		processed++
	}
	return processed, nil
}

func shiftNullableDeadline(value *string, days int) (string, error) {
	if value == nil {
		return "", errors.New("missing deadline")
	}
	return shiftDeadline(*value, days)
}

func (e Engine) sweepError(ctx context.Context, cause error, recordID, functionName string) {
	log.Printf("sweep: %s: %s: %v", functionName, recordID, cause)
	record := domain.ErrorLog{
		TS:           e.nowStr(),
		ErrorMessage: cause.Error(),
		TaskID:       recordID,
		FunctionName: functionName,
	}
	if err := e.Repo.InsertErrorLog(ctx, record); err != nil {
		log.Printf("sweep: write error log: %v", err)
	}
}
