package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"qube/internal/config"
	"qube/internal/db"
	"qube/internal/domain"
	"qube/internal/engine"
	"qube/internal/ledger"
	"qube/internal/migrate"
	"qube/internal/repo"
)

type fakeGateway struct {
	mu                   sync.Mutex
	depositorWithdrawals []string
	recipientWithdrawals []string
	tokens               map[string]ledger.TokenDetails
}

func (g *fakeGateway) ProjectDetails(ctx context.Context, projectID string) (ledger.ProjectDetails, error) {
	return ledger.ProjectDetails{}, nil
}

func (g *fakeGateway) TokenDetails(ctx context.Context, tokenAddress string) (ledger.TokenDetails, error) {
	if d, ok := g.tokens[tokenAddress]; ok {
		return d, nil
	}
	return ledger.TokenDetails{Symbol: "TOK", Decimals: 18}, nil
}

func (g *fakeGateway) WithdrawToDepositor(ctx context.Context, projectID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.depositorWithdrawals = append(g.depositorWithdrawals, projectID)
	return "0xdep", nil
}

func (g *fakeGateway) WithdrawToRecipient(ctx context.Context, projectID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recipientWithdrawals = append(g.recipientWithdrawals, projectID)
	return "0xrec", nil
}

func (g *fakeGateway) toDepositor() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.depositorWithdrawals...)
}

func (g *fakeGateway) toRecipient() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.recipientWithdrawals...)
}

type sentMail struct {
	To      string
	Subject string
	Body    string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *fakeMailer) all() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

type testEnv struct {
	Engine  engine.Engine
	Gateway *fakeGateway
	Mailer  *fakeMailer
	Ctx     context.Context
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Gateway: &fakeGateway{},
		Mailer:  &fakeMailer{},
		Ctx:     context.Background(),
		now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, config.Default("https://qube.test"), env.Gateway, env.Mailer)
	eng.Now = func() time.Time { return env.now }
	eng.Notify.Now = eng.Now
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) seedProject(t *testing.T) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name:  "Campaign",
		Owner: "0xowner",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (env *testEnv) seedTask(t *testing.T, projectID string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:          projectID,
		Title:              "Write article",
		HashedTaskID:       "abc123",
		TokenAddress:       "0xtoken",
		RewardAmount:       "1500000",
		SubmissionDeadline: env.now.AddDate(0, 0, 7).Format(time.RFC3339),
		ReviewDeadline:     env.now.AddDate(0, 0, 14).Format(time.RFC3339),
		PaymentDeadline:    env.now.AddDate(0, 0, 21).Format(time.RFC3339),
		ActorID:            "0xowner",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env *testEnv) mustAdvanceToReview(t *testing.T, taskID string) {
	t.Helper()
	if _, err := env.Engine.SignTask(env.Ctx, taskID, "0xrecipient"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitTask(env.Ctx, taskID, ""); err != nil {
		t.Fatal(err)
	}
}

func taskHashes(t *testing.T, task domain.Task) map[string]string {
	t.Helper()
	hashes := map[string]string{}
	if task.HashesJSON != "" {
		if err := json.Unmarshal([]byte(task.HashesJSON), &hashes); err != nil {
			t.Fatalf("decode hashes %q: %v", task.HashesJSON, err)
		}
	}
	return hashes
}

func TestTaskLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	task := env.seedTask(t, p.ID)
	if task.Status != "Created" {
		t.Fatalf("new task status = %s", task.Status)
	}

	task, err := env.Engine.SignTask(env.Ctx, task.ID, "0xrecipient")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if task.Status != "InProgress" {
		t.Fatalf("after sign status = %s", task.Status)
	}
	if task.Recipient == nil || *task.Recipient != "0xrecipient" {
		t.Fatalf("recipient not set: %v", task.Recipient)
	}

	task, err = env.Engine.SubmitTask(env.Ctx, task.ID, `{"text":"done"}`)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != "UnderReview" {
		t.Fatalf("after submit status = %s", task.Status)
	}
	if task.DeliverablesJSON == nil {
		t.Fatal("deliverables not stored")
	}

	task, err = env.Engine.ApproveTask(env.Ctx, task.ID, "0xowner")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.Status != "PendingPayment" {
		t.Fatalf("after approve status = %s", task.Status)
	}

	// Approving twice is not a legal transition.
	if _, err := env.Engine.ApproveTask(env.Ctx, task.ID, "0xowner"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCreateTaskRejectsUnorderedDeadlines(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:          p.ID,
		Title:              "Backwards",
		SubmissionDeadline: env.now.AddDate(0, 0, 14).Format(time.RFC3339),
		ReviewDeadline:     env.now.AddDate(0, 0, 7).Format(time.RFC3339),
		PaymentDeadline:    env.now.AddDate(0, 0, 21).Format(time.RFC3339),
	})
	if err == nil || !strings.Contains(err.Error(), "invalid deadlines") {
		t.Fatalf("expected deadline ordering error, got %v", err)
	}
}

func TestDeletionFlow(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	task := env.seedTask(t, p.ID)
	if _, err := env.Engine.SignTask(env.Ctx, task.ID, "0xrecipient"); err != nil {
		t.Fatal(err)
	}

	task, err := env.Engine.RequestDeletion(env.Ctx, task.ID, "0xowner")
	if err != nil {
		t.Fatalf("request deletion: %v", err)
	}
	if task.Status != "DeletionRequested" || task.DeletionRequestedAt == nil {
		t.Fatalf("deletion request not recorded: %s %v", task.Status, task.DeletionRequestedAt)
	}
	if _, err := env.Engine.RequestDeletion(env.Ctx, task.ID, "0xowner"); err == nil {
		t.Fatal("expected second deletion request to fail")
	}

	task, err = env.Engine.RejectDeletion(env.Ctx, task.ID, "0xrecipient")
	if err != nil {
		t.Fatalf("reject deletion: %v", err)
	}
	if task.Status != "InProgress" || task.DeletionRequestedAt != nil {
		t.Fatalf("reject did not restore task: %s %v", task.Status, task.DeletionRequestedAt)
	}

	if _, err := env.Engine.RequestDeletion(env.Ctx, task.ID, "0xowner"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ConfirmDeletion(env.Ctx, task.ID, "0xrecipient"); err != nil {
		t.Fatalf("confirm deletion: %v", err)
	}
	if got := env.Gateway.toDepositor(); len(got) != 1 || got[0] != p.ID {
		t.Fatalf("depositor withdrawal not issued: %v", got)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task should be gone, got %v", err)
	}
}

func TestConfirmDeletionRequiresPriorRequest(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	task := env.seedTask(t, p.ID)
	if _, err := env.Engine.SignTask(env.Ctx, task.ID, "0xrecipient"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ConfirmDeletion(env.Ctx, task.ID, "0xrecipient"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := env.Gateway.toDepositor(); len(got) != 0 {
		t.Fatalf("no withdrawal expected, got %v", got)
	}
}

func TestExtensionRoundAndDisapproval(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	task := env.seedTask(t, p.ID)
	env.mustAdvanceToReview(t, task.ID)

	// Disapproval requires a prior extension round.
	if _, err := env.Engine.DisapproveTask(env.Ctx, task.ID, "0xowner"); err == nil {
		t.Fatal("expected disapproval without extension to fail")
	}

	originalSub := task.SubmissionDeadline
	task, err := env.Engine.RequestExtension(env.Ctx, task.ID, "0xrecipient")
	if err != nil {
		t.Fatalf("request extension: %v", err)
	}
	if task.Status != "DeadlineExtensionRequested" || task.ExtensionRequestedAt == nil {
		t.Fatalf("extension request not recorded: %s", task.Status)
	}
	if _, err := env.Engine.RequestExtension(env.Ctx, task.ID, "0xrecipient"); err == nil {
		t.Fatal("expected second extension request to fail")
	}

	task, err = env.Engine.ApproveExtension(env.Ctx, task.ID, "0xowner")
	if err != nil {
		t.Fatalf("approve extension: %v", err)
	}
	if task.Status != "InProgress" {
		t.Fatalf("after extension status = %s", task.Status)
	}
	wantSub, _ := time.Parse(time.RFC3339, originalSub)
	gotSub, _ := time.Parse(time.RFC3339, task.SubmissionDeadline)
	if !gotSub.Equal(wantSub.AddDate(0, 0, 14)) {
		t.Fatalf("submission deadline not shifted 14 days: %s -> %s", originalSub, task.SubmissionDeadline)
	}

	if _, err := env.Engine.SubmitTask(env.Ctx, task.ID, ""); err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.DisapproveTask(env.Ctx, task.ID, "0xowner")
	if err != nil {
		t.Fatalf("disapprove: %v", err)
	}
	if task.Status != "LockedByDisapproval" {
		t.Fatalf("after disapprove status = %s", task.Status)
	}
	if task.LockReleaseAt == nil {
		t.Fatal("lock release not set")
	}
	release, _ := time.Parse(time.RFC3339, *task.LockReleaseAt)
	if !release.Equal(env.now.AddDate(0, 0, 270)) {
		t.Fatalf("lock release = %s, want 270 days out", *task.LockReleaseAt)
	}
}

func TestRejectExtensionReturnsToReview(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	task := env.seedTask(t, p.ID)
	env.mustAdvanceToReview(t, task.ID)
	if _, err := env.Engine.RequestExtension(env.Ctx, task.ID, "0xrecipient"); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.RejectExtension(env.Ctx, task.ID, "0xowner")
	if err != nil {
		t.Fatalf("reject extension: %v", err)
	}
	if task.Status != "UnderReview" {
		t.Fatalf("after reject status = %s", task.Status)
	}
}

func TestForcePaymentWithdrawsToRecipient(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	task := env.seedTask(t, p.ID)
	env.mustAdvanceToReview(t, task.ID)
	if _, err := env.Engine.ApproveTask(env.Ctx, task.ID, "0xowner"); err != nil {
		t.Fatal(err)
	}
	env.advance(22 * 24 * time.Hour)
	if _, err := env.Engine.SweepDailyTasks(env.Ctx); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.ForcePayment(env.Ctx, task.ID, "0xrecipient")
	if err != nil {
		t.Fatalf("force payment: %v", err)
	}
	if task.Status != "CompletedWithoutPayment" {
		t.Fatalf("after force payment status = %s", task.Status)
	}
	if got := env.Gateway.toRecipient(); len(got) != 1 {
		t.Fatalf("recipient withdrawals = %v", got)
	}
	if taskHashes(t, task)["completedWithoutPayment"] != "0xrec" {
		t.Fatalf("transaction hash not recorded: %s", task.HashesJSON)
	}
	if task.EndTimestamp == nil {
		t.Fatal("end timestamp not set")
	}
}

func TestApplyStatusEvent(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	task := env.seedTask(t, p.ID)
	env.mustAdvanceToReview(t, task.ID)
	if _, err := env.Engine.ApproveTask(env.Ctx, task.ID, "0xowner"); err != nil {
		t.Fatal(err)
	}

	// A pending-payment confirmation completes the task and files the hash.
	if err := env.Engine.ApplyStatusEvent(env.Ctx, "abc123", int(domain.StatusPendingPayment), "0xhash1"); err != nil {
		t.Fatalf("apply status event: %v", err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "Completed" {
		t.Fatalf("after event status = %s", got.Status)
	}
	if got.EndTimestamp == nil {
		t.Fatal("end timestamp not set")
	}
	if taskHashes(t, got)["completed"] != "0xhash1" {
		t.Fatalf("hash not recorded: %s", got.HashesJSON)
	}

	// Redelivery is a no-op.
	if err := env.Engine.ApplyStatusEvent(env.Ctx, "abc123", int(domain.StatusPendingPayment), "0xhash1"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	// A late event with another status also bounces off the settled task.
	if err := env.Engine.ApplyStatusEvent(env.Ctx, "abc123", int(domain.StatusPaymentOverdue), "0xhash2"); err != nil {
		t.Fatalf("late event: %v", err)
	}
	got, err = env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "Completed" {
		t.Fatalf("after redelivery status = %s", got.Status)
	}
	if taskHashes(t, got)["completed"] != "0xhash1" {
		t.Fatalf("hash changed on redelivery: %s", got.HashesJSON)
	}

	// Unknown on-chain id is logged and ignored.
	if err := env.Engine.ApplyStatusEvent(env.Ctx, "deadbeef", int(domain.StatusPendingPayment), "0x"); err != nil {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestApplyStatusEventDeletesOnDeletionStates(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	task := env.seedTask(t, p.ID)

	if err := env.Engine.ApplyStatusEvent(env.Ctx, "abc123", int(domain.StatusCreated), "0xhash"); err != nil {
		t.Fatalf("apply deletion event: %v", err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task should be deleted, got %v", err)
	}
}

func TestHandleDepositEventNotifiesMembers(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.tokens = map[string]ledger.TokenDetails{
		"0xusdc": {Symbol: "USDC", Decimals: 6},
	}
	p := env.seedProject(t)
	if _, err := env.Engine.RegisterUser(env.Ctx, domain.User{
		WalletAddress: "0xowner", Username: "owner", Email: "owner@example.com", UserType: "depositor",
	}); err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.HandleDepositEvent(env.Ctx, p.ID, []string{"0xusdc"}, []string{"1500000"}); err != nil {
		t.Fatalf("handle deposit: %v", err)
	}
	sent := env.Mailer.all()
	if len(sent) != 1 {
		t.Fatalf("mails sent = %d", len(sent))
	}
	if sent[0].To != "owner@example.com" {
		t.Fatalf("mail to %s", sent[0].To)
	}
	if sent[0].Subject != "Project Name: Campaign" {
		t.Fatalf("subject %q", sent[0].Subject)
	}
	if !strings.Contains(sent[0].Body, "1.5 USDC") {
		t.Fatalf("body missing formatted amount: %s", sent[0].Body)
	}

	if err := env.Engine.HandleDepositEvent(env.Ctx, p.ID, []string{"0xusdc"}, nil); err == nil {
		t.Fatal("expected mismatched token and amount counts to fail")
	}
}

func TestSignNotifiesProjectMembers(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	task := env.seedTask(t, p.ID)
	if _, err := env.Engine.RegisterUser(env.Ctx, domain.User{
		WalletAddress: "0xowner", Username: "owner", Email: "owner@example.com", UserType: "depositor",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignTask(env.Ctx, task.ID, "0xrecipient"); err != nil {
		t.Fatal(err)
	}
	sent := env.Mailer.all()
	if len(sent) != 1 {
		t.Fatalf("mails sent = %d", len(sent))
	}
	if sent[0].Subject != "Task Name: Write article" {
		t.Fatalf("subject %q", sent[0].Subject)
	}
	if !strings.Contains(sent[0].Body, "The task has been signed.") {
		t.Fatalf("unexpected body: %s", sent[0].Body)
	}
	if !strings.Contains(sent[0].Body, "https://qube.test/taskDetails/"+task.ID) {
		t.Fatalf("body missing task link: %s", sent[0].Body)
	}
}

func TestRegisterUserValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		user domain.User
	}{
		{"missing wallet", domain.User{Username: "x", UserType: "depositor"}},
		{"missing username", domain.User{WalletAddress: "0x1", UserType: "depositor"}},
		{"bad type", domain.User{WalletAddress: "0x1", Username: "x", UserType: "admin"}},
	}
	for _, tc := range cases {
		if _, err := env.Engine.RegisterUser(env.Ctx, tc.user); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
	if _, err := env.Engine.RegisterUser(env.Ctx, domain.User{
		WalletAddress: "0x1", Username: "x", UserType: "recipient",
	}); err != nil {
		t.Fatalf("valid user rejected: %v", err)
	}
}
