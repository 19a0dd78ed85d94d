package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"qube/internal/domain"
	"qube/internal/repo"
)

type audience int

const (
	audienceMembers audience = iota + 1
	audienceRecipient
	audienceBoth
)

type transition struct {
	from, to domain.TaskStatus
}

type rule struct {
	line string
	aud  audience
}

// rules maps a (from,to) status pair to the mail body line and the set of
// addresses it goes to. Pairs not listed here send nothing.
var rules = map[transition]rule{
	{domain.StatusCreated, domain.StatusInProgress}:                               {"The task has been signed.", audienceMembers},
	{domain.StatusUnconfirmed, domain.StatusInProgress}:                           {"The task has been signed.", audienceMembers},
	{domain.StatusInProgress, domain.StatusUnderReview}:                           {"The task has been submitted.", audienceBoth},
	{domain.StatusInProgress, domain.StatusSubmissionOverdue}:                     {"The task has exceeded the submission deadline.", audienceBoth},
	{domain.StatusDeletionRequested, domain.StatusSubmissionOverdue}:              {"The task has exceeded the submission deadline.", audienceBoth},
	{domain.StatusInProgress, domain.StatusDeletionRequested}:                     {"The task has a request for task deletion.", audienceRecipient},
	{domain.StatusDeletionRequested, domain.StatusInProgress}:                     {"The task deletion request for this task has been rejected.", audienceMembers},
	{domain.StatusUnderReview, domain.StatusPendingPayment}:                       {"The task has been approved.", audienceRecipient},
	{domain.StatusUnderReview, domain.StatusReviewOverdue}:                        {"The task has exceeded the review deadline.", audienceBoth},
	{domain.StatusUnderReview, domain.StatusDeadlineExtensionRequested}:           {"The task has a request for deadline extension.", audienceRecipient},
	{domain.StatusDeadlineExtensionRequested, domain.StatusInProgress}:            {"The deadline extension request for this task has been approved.", audienceBoth},
	{domain.StatusDeadlineExtensionRequested, domain.StatusUnderReview}:           {"The deadline extension request for this task has been rejected.", audienceBoth},
	{domain.StatusPendingPayment, domain.StatusCompleted}:                         {"The payment for this task has completed.", audienceBoth},
	{domain.StatusPendingPayment, domain.StatusPaymentOverdue}:                    {"The task has exceeded the payment deadline.", audienceBoth},
	{domain.StatusReviewOverdue, domain.StatusCompletedWithoutReview}:             {"The payment for this task has been completed by the creator without review.", audienceMembers},
	{domain.StatusSubmissionOverdue, domain.StatusCompletedWithoutSubmission}:     {"The submission deadline for this task has been exceeded.", audienceRecipient},
	{domain.StatusPaymentOverdue, domain.StatusCompletedWithoutPayment}:           {"The payment for this task has completed.", audienceMembers},
	{domain.StatusLockedByDisapproval, domain.StatusCompletedWithRewardReleaseAfterLock}: {"The locked reward for this task has been released.", audienceMembers},
}

const signature = "If you have any questions feel free to reply to this mail. Don't forget to explain the issue you are having."

// Dispatcher fans task notifications out over mail. Sends run concurrently;
// failures are collected into the error log and never retried.
type Dispatcher struct {
	Repo    repo.Repo
	Mailer  Mailer
	BaseURL string
	Now     func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// TaskStatusChanged resolves the transition rule for (from,to) and delivers
// one mail per resolved address. Unknown pairs are a no-op.
func (d *Dispatcher) TaskStatusChanged(ctx context.Context, task domain.Task, from, to domain.TaskStatus) {
	r, ok := rules[transition{from, to}]
	if !ok {
		return
	}
	emails := d.resolveAudience(ctx, task, r.aud)
	if len(emails) == 0 {
		return
	}
	body := fmt.Sprintf("%s\n\nTo go to the task: %s\n%s", r.line, d.taskLink(task.ID), signature)
	d.sendAll(ctx, emails, "Task Name: "+task.Title, body, task.ID, "sendEmailNotification")
}

// Reminder mails the recipient the day before the submission deadline.
func (d *Dispatcher) Reminder(ctx context.Context, task domain.Task) {
	if task.Recipient == nil {
		return
	}
	email, err := d.Repo.EmailForWallet(ctx, *task.Recipient)
	if err != nil || email == "" {
		log.Printf("notify: no email address found for wallet address: %s", *task.Recipient)
		return
	}
	body := fmt.Sprintf("The task has not been submitted by the day before the submission deadline.\n\nTo go to the task: %s\n%s", d.taskLink(task.ID), signature)
	d.sendAll(ctx, []string{email}, "Task Name: "+task.Title, body, task.ID, "dailyTaskUpdate")
}

// DepositLine is one formatted token amount announced to project members.
type DepositLine struct {
	Symbol string
	Amount string
}

// ProjectDeposit announces new escrow deposits to every assigned member.
func (d *Dispatcher) ProjectDeposit(ctx context.Context, project domain.Project, deposits []DepositLine) {
	emails := d.memberEmails(ctx, project.AssignedUsers)
	if len(emails) == 0 {
		return
	}
	lines := make([]string, 0, len(deposits))
	for _, dep := range deposits {
		lines = append(lines, fmt.Sprintf("%s %s", dep.Amount, dep.Symbol))
	}
	body := fmt.Sprintf("New tokens have been deposited to the project %s:\n%s\n\n%s",
		project.Name, strings.Join(lines, "\n"), signature)
	d.sendAll(ctx, emails, "Project Name: "+project.Name, body, "", "onTransferTokensAndTaskDeletion")
}

func (d *Dispatcher) taskLink(taskID string) string {
	return strings.TrimRight(d.BaseURL, "/") + "/taskDetails/" + taskID
}

func (d *Dispatcher) resolveAudience(ctx context.Context, task domain.Task, aud audience) []string {
	var emails []string
	if aud == audienceMembers || aud == audienceBoth {
		project, err := d.Repo.GetProject(ctx, task.ProjectID)
		if err != nil {
			d.logFailure(ctx, fmt.Errorf("resolve project %s: %w", task.ProjectID, err), task.ID, "sendEmailNotification")
		} else {
			emails = append(emails, d.memberEmails(ctx, project.AssignedUsers)...)
		}
	}
	if aud == audienceRecipient || aud == audienceBoth {
		if task.Recipient == nil {
			log.Printf("notify: task %s has no recipient", task.ID)
		} else {
			email, err := d.Repo.EmailForWallet(ctx, *task.Recipient)
			if err != nil || email == "" {
				log.Printf("notify: no email address found for wallet address: %s", *task.Recipient)
			} else {
				emails = append(emails, email)
			}
		}
	}
	return dedupe(emails)
}

func (d *Dispatcher) memberEmails(ctx context.Context, wallets []string) []string {
	var emails []string
	for _, wallet := range wallets {
		email, err := d.Repo.EmailForWallet(ctx, wallet)
		if err != nil || email == "" {
			log.Printf("notify: no email address found for wallet address: %s", wallet)
			continue
		}
		emails = append(emails, email)
	}
	return emails
}

// sendAll delivers one message per address concurrently and waits for all of
// them, collecting failures without aborting the rest.
func (d *Dispatcher) sendAll(ctx context.Context, emails []string, subject, body, taskID, functionName string) {
	var wg sync.WaitGroup
	errs := make(chan error, len(emails))
	for _, email := range emails {
		wg.Add(1)
		go func(to string) {
			defer wg.Done()
			if err := d.Mailer.Send(ctx, to, subject, body); err != nil {
				errs <- err
			}
		}(email)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		d.logFailure(ctx, err, taskID, functionName)
	}
}

func (d *Dispatcher) logFailure(ctx context.Context, cause error, taskID, functionName string) {
	log.Printf("notify: %s: %v", functionName, cause)
	record := domain.ErrorLog{
		TS:           d.now().UTC().Format(time.RFC3339),
		ErrorMessage: cause.Error(),
		TaskID:       taskID,
		FunctionName: functionName,
	}
	if err := d.Repo.InsertErrorLog(ctx, record); err != nil {
		log.Printf("notify: write error log: %v", err)
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
