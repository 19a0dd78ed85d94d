package domain

// Legacy project statuses used by the escrow housekeeping sweeps. Projects
// carry free-form status strings from the first platform generation; tasks
// use the TaskStatus enum.
const (
	ProjectWaitingSubmission    = "Waiting for Submission"
	ProjectWaitingSubmissionDER = "Waiting for Submission (DER)"
	ProjectWaitingPayment       = "Waiting for Payment"
	ProjectWaitingSignature     = "Waiting for connecting lancer's wallet"
	ProjectInDispute            = "In Dispute"
	ProjectCompleteDisapproval  = "Complete (Disapproval)"
	ProjectCompleteNoSubmission = "Complete (No Submission By Lancer)"
	ProjectCompleteNoContact    = "Complete (No Contact By Client)"
	ProjectCompleteDispute      = "Complete (Dispute)"
	ProjectCanceled             = "Cancel"
)

type Project struct {
	ID                   string   `json:"id"`
	Owner                string   `json:"owner"`
	Name                 string   `json:"name"`
	Status               string   `json:"status"`
	AssignedUsers        []string `json:"assigned_users"`
	DepositsJSON         string   `json:"deposits_json,omitempty"`
	InDispute            bool     `json:"in_dispute"`
	ExtensionRequestedAt *string  `json:"extension_requested_at,omitempty" format:"date-time"`
	SubmissionDeadline   *string  `json:"submission_deadline,omitempty" format:"date-time"`
	PaymentDeadline      *string  `json:"payment_deadline,omitempty" format:"date-time"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
}

type Task struct {
	ID                   string  `json:"id"`
	ProjectID            string  `json:"project_id"`
	HashedTaskID         string  `json:"hashed_task_id,omitempty"`
	Title                string  `json:"title"`
	Details              string  `json:"details,omitempty"`
	Recipient            *string `json:"recipient,omitempty"`
	TokenAddress         string  `json:"token_address,omitempty"`
	RewardAmount         string  `json:"reward_amount,omitempty"`
	Status               string  `json:"status" enum:"Created,Unconfirmed,InProgress,DeletionRequested,SubmissionOverdue,UnderReview,ReviewOverdue,PendingPayment,PaymentOverdue,DeadlineExtensionRequested,LockedByDisapproval,Completed,CompletedWithoutSubmission,CompletedWithoutReview,CompletedWithoutPayment,CompletedWithRewardReleaseAfterLock"`
	SubmissionDeadline   string  `json:"submission_deadline" format:"date-time"`
	ReviewDeadline       string  `json:"review_deadline" format:"date-time"`
	PaymentDeadline      string  `json:"payment_deadline" format:"date-time"`
	ExtensionRequestedAt *string `json:"extension_requested_at,omitempty" format:"date-time"`
	DeletionRequestedAt  *string `json:"deletion_requested_at,omitempty" format:"date-time"`
	LockReleaseAt        *string `json:"lock_release_at,omitempty" format:"date-time"`
	DeliverablesJSON     *string `json:"deliverables_json,omitempty"`
	HashesJSON           string  `json:"hashes_json,omitempty"`
	ReminderSentAt       *string `json:"reminder_sent_at,omitempty" format:"date-time"`
	EndTimestamp         *string `json:"end_timestamp,omitempty" format:"date-time"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
}

// TaskStatusValue parses the stored status column into the enum.
func (t Task) TaskStatusValue() (TaskStatus, error) {
	return ParseTaskStatus(t.Status)
}

type User struct {
	WalletAddress string   `json:"wallet_address"`
	Username      string   `json:"username"`
	Email         string   `json:"email,omitempty"`
	UserType      string   `json:"user_type" enum:"depositor,recipient"`
	ImageURL      string   `json:"image_url,omitempty"`
	ReputationIDs []string `json:"reputation_ids,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

// ErrorLog is a durable record of a failed side effect. Failures are never
// retried automatically; the log is the only recovery surface.
type ErrorLog struct {
	ID           string `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	ErrorMessage string `json:"error_message"`
	TaskID       string `json:"task_id,omitempty"`
	FunctionName string `json:"function_name"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
