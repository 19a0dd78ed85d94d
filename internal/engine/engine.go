package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"qube/internal/config"
	"qube/internal/domain"
	"qube/internal/events"
	"qube/internal/ledger"
	"qube/internal/notify"
	"qube/internal/repo"
)

// ErrInvalidTransition rejects status changes not present in the lifecycle
// table.
var ErrInvalidTransition = errors.New("invalid task status transition")

// Engine owns the task lifecycle. Every entry point (HTTP actions, the
// webhook, the scheduled sweeps) funnels into the same transition table.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ledger ledger.Gateway
	Notify *notify.Dispatcher
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, gw ledger.Gateway, mailer notify.Mailer) Engine {
	r := repo.Repo{DB: db}
	baseURL := ""
	if cfg != nil {
		baseURL = cfg.Platform.BaseURL
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Ledger: gw,
		Notify: &notify.Dispatcher{Repo: r, Mailer: mailer, BaseURL: baseURL},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ensureTaskTransition checks the (old,new) pair against the lifecycle table.
// Deletion confirmation is not listed; it removes the record instead of
// transitioning it.
func ensureTaskTransition(oldStatus, newStatus domain.TaskStatus) error {
	switch oldStatus {
	case domain.StatusCreated, domain.StatusUnconfirmed:
		if newStatus == domain.StatusInProgress {
			return nil
		}
	case domain.StatusInProgress:
		switch newStatus {
		case domain.StatusUnderReview, domain.StatusSubmissionOverdue, domain.StatusDeletionRequested:
			return nil
		}
	case domain.StatusDeletionRequested:
		switch newStatus {
		case domain.StatusInProgress, domain.StatusSubmissionOverdue:
			return nil
		}
	case domain.StatusUnderReview:
		switch newStatus {
		case domain.StatusPendingPayment, domain.StatusReviewOverdue, domain.StatusDeadlineExtensionRequested, domain.StatusLockedByDisapproval:
			return nil
		}
	case domain.StatusDeadlineExtensionRequested:
		switch newStatus {
		case domain.StatusInProgress, domain.StatusUnderReview:
			return nil
		}
	case domain.StatusPendingPayment:
		switch newStatus {
		case domain.StatusCompleted, domain.StatusPaymentOverdue:
			return nil
		}
	case domain.StatusSubmissionOverdue:
		if newStatus == domain.StatusCompletedWithoutSubmission {
			return nil
		}
	case domain.StatusReviewOverdue:
		if newStatus == domain.StatusCompletedWithoutReview {
			return nil
		}
	case domain.StatusPaymentOverdue:
		if newStatus == domain.StatusCompletedWithoutPayment {
			return nil
		}
	case domain.StatusLockedByDisapproval:
		if newStatus == domain.StatusCompletedWithRewardReleaseAfterLock {
			return nil
		}
	case domain.StatusCompleted,
		domain.StatusCompletedWithoutSubmission,
		domain.StatusCompletedWithoutReview,
		domain.StatusCompletedWithoutPayment,
		domain.StatusCompletedWithRewardReleaseAfterLock:
		// terminal
	}
	return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// transitionTask applies a guarded status change plus optional column updates
// and hash record, appends the audit event, and dispatches notifications
// after commit.
func (e Engine) transitionTask(ctx context.Context, task domain.Task, next domain.TaskStatus, extra repo.TaskStatusUpdate, txHash, actorID string) (domain.Task, error) {
	from, err := task.TaskStatusValue()
	if err != nil {
		return task, err
	}
	if err := ensureTaskTransition(from, next); err != nil {
		return task, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return task, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, task.ID, from, next, e.nowStr(), extra); err != nil {
		return task, err
	}
	if txHash != "" {
		if err := e.Repo.AppendTaskHashTx(ctx, tx, task.ID, next.HashKey(), txHash); err != nil {
			return task, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskStatusChanged, task.ProjectID, "task", task.ID, actorID, events.EventPayload{
		"from": from.String(),
		"to":   next.String(),
	}); err != nil {
		return task, err
	}
	if err := tx.Commit(); err != nil {
		return task, err
	}
	updated, err := e.Repo.GetTask(ctx, task.ID)
	if err != nil {
		return task, err
	}
	e.Notify.TaskStatusChanged(ctx, updated, from, next)
	return updated, nil
}

// --- projects ---

type ProjectCreateOptions struct {
	Name               string
	Owner              string
	SubmissionDeadline string
	PaymentDeadline    string
}

// CreateProject registers a funded escrow project. The ID is the
// depositor-chosen name plus a uniqueness suffix; new projects wait for the
// recipient wallet to connect.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if strings.TrimSpace(opts.Owner) == "" {
		return domain.Project{}, errors.New("owner is required")
	}
	p := domain.Project{
		ID:            projectID(opts.Name),
		Owner:         opts.Owner,
		Name:          opts.Name,
		Status:        domain.ProjectWaitingSignature,
		AssignedUsers: []string{opts.Owner},
		DepositsJSON:  "[]",
		CreatedAt:     e.nowStr(),
	}
	if opts.SubmissionDeadline != "" {
		p.SubmissionDeadline = &opts.SubmissionDeadline
	}
	if opts.PaymentDeadline != "" {
		p.PaymentDeadline = &opts.PaymentDeadline
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, "project", p.ID, opts.Owner, events.EventPayload{"status": p.Status}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

func projectID(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, slug)
	return slug + "_" + uuid.New().String()[:6]
}

// AssignMember adds a wallet to the project's member list.
func (e Engine) AssignMember(ctx context.Context, projectID, wallet, actorID string) (domain.Project, error) {
	if strings.TrimSpace(wallet) == "" {
		return domain.Project{}, errors.New("wallet is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.AssignProjectUser(ctx, tx, projectID, wallet); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectAssigned, projectID, "project", projectID, actorID, events.EventPayload{"wallet": wallet}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, projectID)
}

// --- task creation ---

type TaskCreateOptions struct {
	ProjectID          string
	Title              string
	Details            string
	HashedTaskID       string
	TokenAddress       string
	RewardAmount       string
	SubmissionDeadline string
	ReviewDeadline     string
	PaymentDeadline    string
	ActorID            string
}

// CreateTask defines a contract against project funds. Deadlines must be
// monotonically ordered: submission <= review <= payment.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	sub, err := parseTimestamp("submission_deadline", opts.SubmissionDeadline)
	if err != nil {
		return domain.Task{}, err
	}
	review, err := parseTimestamp("review_deadline", opts.ReviewDeadline)
	if err != nil {
		return domain.Task{}, err
	}
	payment, err := parseTimestamp("payment_deadline", opts.PaymentDeadline)
	if err != nil {
		return domain.Task{}, err
	}
	if review.Before(sub) || payment.Before(review) {
		return domain.Task{}, errors.New("invalid deadlines: submission <= review <= payment required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	now := e.nowStr()
	t := domain.Task{
		ID:                 uuid.New().String(),
		ProjectID:          opts.ProjectID,
		HashedTaskID:       opts.HashedTaskID,
		Title:              opts.Title,
		Details:            opts.Details,
		TokenAddress:       opts.TokenAddress,
		RewardAmount:       opts.RewardAmount,
		Status:             domain.StatusCreated.String(),
		SubmissionDeadline: sub.UTC().Format(time.RFC3339),
		ReviewDeadline:     review.UTC().Format(time.RFC3339),
		PaymentDeadline:    payment.UTC().Format(time.RFC3339),
		HashesJSON:         "{}",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskCreated, t.ProjectID, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "status": t.Status}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func parseTimestamp(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("%s is required", field)
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", field, err)
	}
	return ts, nil
}

// --- user actions ---

// SignTask assigns the recipient wallet and starts the work window.
func (e Engine) SignTask(ctx context.Context, taskID, recipient string) (domain.Task, error) {
	if strings.TrimSpace(recipient) == "" {
		return domain.Task{}, errors.New("recipient is required")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	return e.transitionTask(ctx, t, domain.StatusInProgress, repo.TaskStatusUpdate{Recipient: &recipient}, "", recipient)
}

// SubmitTask records deliverables and moves the task into review.
func (e Engine) SubmitTask(ctx context.Context, taskID, deliverablesJSON string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	extra := repo.TaskStatusUpdate{}
	if deliverablesJSON != "" {
		extra.DeliverablesJSON = &deliverablesJSON
	}
	return e.transitionTask(ctx, t, domain.StatusUnderReview, extra, "", actorFromRecipient(t))
}

// ApproveTask accepts the submission and queues the payment.
func (e Engine) ApproveTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	return e.transitionTask(ctx, t, domain.StatusPendingPayment, repo.TaskStatusUpdate{}, "", actorID)
}

// RequestDeletion asks the recipient to agree to tearing the contract down.
func (e Engine) RequestDeletion(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.DeletionRequestedAt != nil {
		return t, errors.New("deletion already requested")
	}
	now := e.nowStr()
	return e.transitionTask(ctx, t, domain.StatusDeletionRequested, repo.TaskStatusUpdate{DeletionRequestedAt: &now}, "", actorID)
}

// RejectDeletion returns a deletion-requested task to work.
func (e Engine) RejectDeletion(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	return e.transitionTask(ctx, t, domain.StatusInProgress, repo.TaskStatusUpdate{ClearDeletionRequest: true}, "", actorID)
}

// ConfirmDeletion withdraws escrowed funds back to the depositor and removes
// the task record.
func (e Engine) ConfirmDeletion(ctx context.Context, taskID, actorID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	status, err := t.TaskStatusValue()
	if err != nil {
		return err
	}
	if status != domain.StatusDeletionRequested {
		return fmt.Errorf("%w %s -> deleted", ErrInvalidTransition, status)
	}
	hash, err := e.Ledger.WithdrawToDepositor(ctx, t.ProjectID)
	if err != nil {
		return fmt.Errorf("withdraw to depositor: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTaskTx(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskDeleted, t.ProjectID, "task", t.ID, actorID, events.EventPayload{"hash": hash}); err != nil {
		return err
	}
	return tx.Commit()
}

// RequestExtension opens a deadline-extension round. Only one round is
// allowed per task.
func (e Engine) RequestExtension(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.ExtensionRequestedAt != nil {
		return t, errors.New("deadline extension already requested")
	}
	now := e.nowStr()
	return e.transitionTask(ctx, t, domain.StatusDeadlineExtensionRequested, repo.TaskStatusUpdate{ExtensionRequestedAt: &now}, "", actorID)
}

const extensionDays = 14

// ApproveExtension pushes all three deadlines out by 14 days and returns the
// task to work.
func (e Engine) ApproveExtension(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	sub, err := shiftDeadline(t.SubmissionDeadline, extensionDays)
	if err != nil {
		return t, err
	}
	review, err := shiftDeadline(t.ReviewDeadline, extensionDays)
	if err != nil {
		return t, err
	}
	payment, err := shiftDeadline(t.PaymentDeadline, extensionDays)
	if err != nil {
		return t, err
	}
	extra := repo.TaskStatusUpdate{
		SubmissionDeadline: &sub,
		ReviewDeadline:     &review,
		PaymentDeadline:    &payment,
		// The shifted deadline earns a fresh pre-deadline reminder.
		ClearReminderSent: true,
	}
	return e.transitionTask(ctx, t, domain.StatusInProgress, extra, "", actorID)
}

// RejectExtension sends the task back to review unchanged.
func (e Engine) RejectExtension(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	return e.transitionTask(ctx, t, domain.StatusUnderReview, repo.TaskStatusUpdate{}, "", actorID)
}

const lockDays = 270

// DisapproveTask freezes the reward after a failed extension round. The lock
// releases 270 days out; only tasks that already went through an extension
// round can be locked.
func (e Engine) DisapproveTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.ExtensionRequestedAt == nil {
		return t, errors.New("disapproval lock requires a prior deadline extension round")
	}
	release := e.now().UTC().AddDate(0, 0, lockDays).Format(time.RFC3339)
	return e.transitionTask(ctx, t, domain.StatusLockedByDisapproval, repo.TaskStatusUpdate{LockReleaseAt: &release}, "", actorID)
}

// CompleteWithoutSubmission closes an overdue task in the depositor's favor.
func (e Engine) CompleteWithoutSubmission(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	now := e.nowStr()
	return e.transitionTask(ctx, t, domain.StatusCompletedWithoutSubmission, repo.TaskStatusUpdate{EndTimestamp: &now}, "", actorID)
}

// CompleteWithoutReview closes a task whose review window lapsed.
func (e Engine) CompleteWithoutReview(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	now := e.nowStr()
	return e.transitionTask(ctx, t, domain.StatusCompletedWithoutReview, repo.TaskStatusUpdate{EndTimestamp: &now}, "", actorID)
}

// ForcePayment settles a payment-overdue task in the recipient's favor.
func (e Engine) ForcePayment(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	hash, err := e.Ledger.WithdrawToRecipient(ctx, t.ProjectID)
	if err != nil {
		return t, fmt.Errorf("withdraw to recipient: %w", err)
	}
	now := e.nowStr()
	return e.transitionTask(ctx, t, domain.StatusCompletedWithoutPayment, repo.TaskStatusUpdate{EndTimestamp: &now}, hash, actorID)
}

func shiftDeadline(value string, days int) (string, error) {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return "", fmt.Errorf("invalid deadline %q: %w", value, err)
	}
	return ts.UTC().AddDate(0, 0, days).Format(time.RFC3339), nil
}

func actorFromRecipient(t domain.Task) string {
	if t.Recipient != nil {
		return *t.Recipient
	}
	return ""
}

// --- users ---

func (e Engine) RegisterUser(ctx context.Context, u domain.User) (domain.User, error) {
	if strings.TrimSpace(u.WalletAddress) == "" {
		return u, errors.New("wallet_address is required")
	}
	if strings.TrimSpace(u.Username) == "" {
		return u, errors.New("username is required")
	}
	switch u.UserType {
	case "depositor", "recipient":
	default:
		return u, errors.New("user_type must be depositor or recipient")
	}
	if u.CreatedAt == "" {
		u.CreatedAt = e.nowStr()
	}
	if err := e.Repo.UpsertUser(ctx, u); err != nil {
		return u, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return u, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.TypeUserRegistered, "", "user", u.WalletAddress, u.WalletAddress, events.EventPayload{"user_type": u.UserType}); err != nil {
		return u, err
	}
	return u, tx.Commit()
}

// --- webhook ingest ---

// ApplyStatusEvent consumes a decoded on-chain status confirmation. Statuses
// confirming completion update the record and file the transaction hash;
// deletion statuses remove the record entirely. An unknown on-chain task ID
// is logged and ignored, matching the relayer's at-least-once delivery.
func (e Engine) ApplyStatusEvent(ctx context.Context, hashedTaskID string, statusIndex int, txHash string) error {
	eventStatus := domain.TaskStatus(statusIndex)
	if !eventStatus.Valid() {
		return fmt.Errorf("invalid status index %d", statusIndex)
	}
	t, err := e.Repo.GetTaskByHashedID(ctx, hashedTaskID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Printf("engine: no matching task found for on-chain id %s", hashedTaskID)
		return nil
	}
	if err != nil {
		return err
	}
	current, err := t.TaskStatusValue()
	if err != nil {
		return err
	}
	if current.Terminal() {
		// A settled task has nothing left to confirm; the relayer
		// redelivered a late event.
		log.Printf("engine: task %s already settled as %s; ignoring event %s", t.ID, current, eventStatus)
		return nil
	}

	var next domain.TaskStatus
	switch eventStatus {
	case domain.StatusPendingPayment:
		next = domain.StatusCompleted
	case domain.StatusSubmissionOverdue:
		next = domain.StatusCompletedWithoutSubmission
	case domain.StatusReviewOverdue:
		next = domain.StatusCompletedWithoutReview
	case domain.StatusPaymentOverdue:
		next = domain.StatusCompletedWithoutPayment
	case domain.StatusLockedByDisapproval:
		next = domain.StatusCompletedWithRewardReleaseAfterLock
	case domain.StatusCreated, domain.StatusUnconfirmed, domain.StatusDeletionRequested:
		return e.deleteConfirmedTask(ctx, t, eventStatus)
	default:
		log.Printf("engine: no matching status handler for %s", eventStatus)
		return nil
	}

	now := e.nowStr()
	_, err = e.transitionTask(ctx, t, next, repo.TaskStatusUpdate{EndTimestamp: &now}, txHash, "relayer")
	if errors.Is(err, repo.ErrStatusConflict) {
		// Already applied; the relayer redelivered.
		return nil
	}
	return err
}

func (e Engine) deleteConfirmedTask(ctx context.Context, t domain.Task, eventStatus domain.TaskStatus) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTaskTx(ctx, tx, t.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskDeleted, t.ProjectID, "task", t.ID, "relayer", events.EventPayload{"state": eventStatus.String()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("engine: task with state [%s] deleted: %s", eventStatus, t.ID)
	return nil
}

// HandleDepositEvent resolves token metadata for each deposited token and
// announces the formatted amounts to the project's members.
func (e Engine) HandleDepositEvent(ctx context.Context, projectID string, tokenAddresses, amounts []string) error {
	if len(tokenAddresses) != len(amounts) {
		return errors.New("token address and amount counts differ")
	}
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	lines := make([]notify.DepositLine, 0, len(tokenAddresses))
	for i, addr := range tokenAddresses {
		details, err := e.Ledger.TokenDetails(ctx, addr)
		if err != nil {
			return fmt.Errorf("token details for %s: %w", addr, err)
		}
		formatted, err := ledger.FormatUnits(amounts[i], details.Decimals)
		if err != nil {
			return err
		}
		lines = append(lines, notify.DepositLine{Symbol: details.Symbol, Amount: formatted})
	}
	e.Notify.ProjectDeposit(ctx, project, lines)
	return nil
}
