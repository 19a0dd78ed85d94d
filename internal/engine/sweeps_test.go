package engine_test

import (
	"strings"
	"testing"
	"time"

	"qube/internal/domain"
)

func (env *testEnv) insertProject(t *testing.T, p domain.Project) domain.Project {
	t.Helper()
	if p.AssignedUsers == nil {
		p.AssignedUsers = []string{p.Owner}
	}
	if p.CreatedAt == "" {
		p.CreatedAt = env.now.Format(time.RFC3339)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Engine.Repo.InsertProject(env.Ctx, tx, p); err != nil {
		t.Fatalf("insert project %s: %v", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return p
}

func (env *testEnv) projectStatus(t *testing.T, id string) string {
	t.Helper()
	p, err := env.Engine.Repo.GetProject(env.Ctx, id)
	if err != nil {
		t.Fatalf("get project %s: %v", id, err)
	}
	return p.Status
}

func strPtr(s string) *string { return &s }

func TestSweepSubmissionDeadline(t *testing.T) {
	env := newTestEnv(t)
	yesterday := env.now.AddDate(0, 0, -1).Format(time.RFC3339)
	tomorrow := env.now.AddDate(0, 0, 1).Format(time.RFC3339)

	overdue := env.insertProject(t, domain.Project{
		ID: "p_overdue", Owner: "0xowner", Name: "Overdue",
		Status:             domain.ProjectWaitingSubmission,
		SubmissionDeadline: strPtr(yesterday),
	})
	extended := env.insertProject(t, domain.Project{
		ID: "p_extended", Owner: "0xowner", Name: "Extended",
		Status:             domain.ProjectWaitingSubmissionDER,
		SubmissionDeadline: strPtr(yesterday),
	})
	fresh := env.insertProject(t, domain.Project{
		ID: "p_fresh", Owner: "0xowner", Name: "Fresh",
		Status:             domain.ProjectWaitingSubmission,
		SubmissionDeadline: strPtr(tomorrow),
	})

	n, err := env.Engine.SweepSubmissionDeadline(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("processed = %d, want 2", n)
	}
	if got := env.projectStatus(t, overdue.ID); got != domain.ProjectCompleteNoSubmission {
		t.Fatalf("overdue project status = %s", got)
	}
	if got := env.Gateway.toDepositor(); len(got) != 1 || got[0] != overdue.ID {
		t.Fatalf("depositor withdrawals = %v", got)
	}
	if got := env.projectStatus(t, extended.ID); got != domain.ProjectWaitingPayment {
		t.Fatalf("extended project status = %s", got)
	}
	if got := env.projectStatus(t, fresh.ID); got != domain.ProjectWaitingSubmission {
		t.Fatalf("fresh project status = %s", got)
	}

	// Second run finds nothing left in the swept statuses.
	n, err = env.Engine.SweepSubmissionDeadline(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second run processed = %d", n)
	}
	if got := env.Gateway.toDepositor(); len(got) != 1 {
		t.Fatalf("withdrawal repeated: %v", got)
	}
}

func TestSweepPaymentDeadlineSkipsDisputes(t *testing.T) {
	env := newTestEnv(t)
	yesterday := env.now.AddDate(0, 0, -1).Format(time.RFC3339)

	silent := env.insertProject(t, domain.Project{
		ID: "p_silent", Owner: "0xowner", Name: "Silent",
		Status:          domain.ProjectWaitingPayment,
		PaymentDeadline: strPtr(yesterday),
	})
	disputed := env.insertProject(t, domain.Project{
		ID: "p_disputed", Owner: "0xowner", Name: "Disputed",
		Status:          domain.ProjectWaitingPayment,
		PaymentDeadline: strPtr(yesterday),
		InDispute:       true,
	})

	n, err := env.Engine.SweepPaymentDeadline(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	if got := env.projectStatus(t, silent.ID); got != domain.ProjectCompleteNoContact {
		t.Fatalf("silent project status = %s", got)
	}
	if got := env.Gateway.toRecipient(); len(got) != 1 || got[0] != silent.ID {
		t.Fatalf("recipient withdrawals = %v", got)
	}
	if got := env.projectStatus(t, disputed.ID); got != domain.ProjectWaitingPayment {
		t.Fatalf("disputed project status = %s", got)
	}
}

func TestSweepDisapproveRefundReleasesExpiredLocks(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	task := env.seedTask(t, p.ID)
	env.mustAdvanceToReview(t, task.ID)
	if _, err := env.Engine.RequestExtension(env.Ctx, task.ID, "0xrecipient"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveExtension(env.Ctx, task.ID, "0xowner"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitTask(env.Ctx, task.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DisapproveTask(env.Ctx, task.ID, "0xowner"); err != nil {
		t.Fatal(err)
	}

	// Lock still holding: nothing to release.
	env.advance(100 * 24 * time.Hour)
	n, err := env.Engine.SweepDisapproveRefund(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || len(env.Gateway.toDepositor()) != 0 {
		t.Fatalf("premature release: processed=%d withdrawals=%v", n, env.Gateway.toDepositor())
	}

	env.advance(171 * 24 * time.Hour)
	n, err = env.Engine.SweepDisapproveRefund(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "CompletedWithRewardReleaseAfterLock" {
		t.Fatalf("task status = %s", got.Status)
	}
	if got.EndTimestamp == nil {
		t.Fatal("end timestamp not set")
	}
	if taskHashes(t, got)["completedWithRewardReleaseAfterLock"] != "0xdep" {
		t.Fatalf("release hash not recorded: %s", got.HashesJSON)
	}
	if w := env.Gateway.toDepositor(); len(w) != 1 || w[0] != p.ID {
		t.Fatalf("depositor withdrawals = %v", w)
	}

	// The terminal task is no longer swept.
	n, err = env.Engine.SweepDisapproveRefund(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || len(env.Gateway.toDepositor()) != 1 {
		t.Fatalf("release repeated: processed=%d withdrawals=%v", n, env.Gateway.toDepositor())
	}
}

func TestSweepDisapproveRefundProjects(t *testing.T) {
	env := newTestEnv(t)
	yesterday := env.now.AddDate(0, 0, -1).Format(time.RFC3339)
	p := env.insertProject(t, domain.Project{
		ID: "p_disapproved", Owner: "0xowner", Name: "Disapproved",
		Status:          domain.ProjectCompleteDisapproval,
		PaymentDeadline: strPtr(yesterday),
	})
	n, err := env.Engine.SweepDisapproveRefund(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	if got := env.Gateway.toDepositor(); len(got) != 1 || got[0] != p.ID {
		t.Fatalf("depositor withdrawals = %v", got)
	}
}

func TestSweepDisputeRefund(t *testing.T) {
	env := newTestEnv(t)
	yesterday := env.now.AddDate(0, 0, -1).Format(time.RFC3339)
	p := env.insertProject(t, domain.Project{
		ID: "p_dispute", Owner: "0xowner", Name: "Dispute",
		Status:          domain.ProjectInDispute,
		PaymentDeadline: strPtr(yesterday),
		InDispute:       true,
	})
	n, err := env.Engine.SweepDisputeRefund(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	if got := env.projectStatus(t, p.ID); got != domain.ProjectCompleteDispute {
		t.Fatalf("project status = %s", got)
	}
	if got := env.Gateway.toDepositor(); len(got) != 1 || got[0] != p.ID {
		t.Fatalf("depositor withdrawals = %v", got)
	}
}

func TestSweepStaleDisputesReopens(t *testing.T) {
	env := newTestEnv(t)
	eightDaysAgo := env.now.AddDate(0, 0, -8).Format(time.RFC3339)
	sub := env.now.AddDate(0, 0, 2).Format(time.RFC3339)
	pay := env.now.AddDate(0, 0, 9).Format(time.RFC3339)
	p := env.insertProject(t, domain.Project{
		ID: "p_stale", Owner: "0xowner", Name: "Stale",
		Status:               domain.ProjectInDispute,
		InDispute:            true,
		ExtensionRequestedAt: strPtr(eightDaysAgo),
		SubmissionDeadline:   strPtr(sub),
		PaymentDeadline:      strPtr(pay),
	})

	n, err := env.Engine.SweepStaleDisputes(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	got, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProjectWaitingSubmissionDER {
		t.Fatalf("project status = %s", got.Status)
	}
	if got.InDispute {
		t.Fatal("dispute flag not cleared")
	}
	wantSub := env.now.AddDate(0, 0, 16).Format(time.RFC3339)
	if got.SubmissionDeadline == nil || *got.SubmissionDeadline != wantSub {
		t.Fatalf("submission deadline = %v, want %s", got.SubmissionDeadline, wantSub)
	}

	// The dispute flag is cleared; a second run finds nothing.
	n, err = env.Engine.SweepStaleDisputes(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second run processed = %d", n)
	}
}

func TestSweepUnsignedProjects(t *testing.T) {
	env := newTestEnv(t)
	stale := env.insertProject(t, domain.Project{
		ID: "p_unsigned", Owner: "0xowner", Name: "Unsigned",
		Status:    domain.ProjectWaitingSignature,
		CreatedAt: env.now.AddDate(0, 0, -8).Format(time.RFC3339),
	})
	fresh := env.seedProject(t)

	n, err := env.Engine.SweepUnsignedProjects(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	if got := env.projectStatus(t, stale.ID); got != domain.ProjectCanceled {
		t.Fatalf("stale project status = %s", got)
	}
	if got := env.projectStatus(t, fresh.ID); got != domain.ProjectWaitingSignature {
		t.Fatalf("fresh project status = %s", got)
	}
}

func TestSweepDailyTasksOverdueTransitions(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)

	working := env.seedTask(t, p.ID)
	if _, err := env.Engine.SignTask(env.Ctx, working.ID, "0xrecipient"); err != nil {
		t.Fatal(err)
	}

	reviewing := env.seedTask(t, p.ID)
	env.mustAdvanceToReview(t, reviewing.ID)

	paying := env.seedTask(t, p.ID)
	env.mustAdvanceToReview(t, paying.ID)
	if _, err := env.Engine.ApproveTask(env.Ctx, paying.ID, "0xowner"); err != nil {
		t.Fatal(err)
	}

	env.advance(22 * 24 * time.Hour)
	n, err := env.Engine.SweepDailyTasks(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 {
		t.Fatalf("processed = %d, want 3", n)
	}
	for id, want := range map[string]string{
		working.ID:   "SubmissionOverdue",
		reviewing.ID: "ReviewOverdue",
		paying.ID:    "PaymentOverdue",
	} {
		got, err := env.Engine.Repo.GetTask(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != want {
			t.Fatalf("task %s status = %s, want %s", id, got.Status, want)
		}
	}

	n, err = env.Engine.SweepDailyTasks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second run processed = %d", n)
	}
}

func TestSweepDailyTasksRemindsDayBefore(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	task := env.seedTask(t, p.ID)
	if _, err := env.Engine.SignTask(env.Ctx, task.ID, "0xrecipient"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RegisterUser(env.Ctx, domain.User{
		WalletAddress: "0xrecipient", Username: "lancer", Email: "lancer@example.com", UserType: "recipient",
	}); err != nil {
		t.Fatal(err)
	}

	// Inside the last day before the submission deadline.
	env.advance(6*24*time.Hour + 12*time.Hour)
	n, err := env.Engine.SweepDailyTasks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("processed = %d, want 0", n)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "InProgress" {
		t.Fatalf("task status = %s", got.Status)
	}
	sent := env.Mailer.all()
	if len(sent) != 1 || sent[0].To != "lancer@example.com" {
		t.Fatalf("reminder mails = %v", sent)
	}
	if !strings.Contains(sent[0].Body, "has not been submitted by the day before the submission deadline") {
		t.Fatalf("unexpected reminder body: %s", sent[0].Body)
	}
	if got.ReminderSentAt == nil {
		t.Fatal("reminder not recorded on the task")
	}

	// A rerun at the same clock does not mail again.
	if _, err := env.Engine.SweepDailyTasks(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if sent := env.Mailer.all(); len(sent) != 1 {
		t.Fatalf("reminder mails after two runs = %d, want 1", len(sent))
	}
}
