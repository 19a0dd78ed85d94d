package domain

import "fmt"

// TaskStatus enumerates the task lifecycle states. The numeric value of each
// state is the index emitted by the escrow contract; the order is append-only.
type TaskStatus int

const (
	StatusCreated TaskStatus = iota
	StatusUnconfirmed
	StatusInProgress
	StatusDeletionRequested
	StatusSubmissionOverdue
	StatusUnderReview
	StatusReviewOverdue
	StatusPendingPayment
	StatusPaymentOverdue
	StatusDeadlineExtensionRequested
	StatusLockedByDisapproval
	StatusCompleted
	StatusCompletedWithoutSubmission
	StatusCompletedWithoutReview
	StatusCompletedWithoutPayment
	StatusCompletedWithRewardReleaseAfterLock
)

var statusNames = [...]string{
	StatusCreated:                             "Created",
	StatusUnconfirmed:                         "Unconfirmed",
	StatusInProgress:                          "InProgress",
	StatusDeletionRequested:                   "DeletionRequested",
	StatusSubmissionOverdue:                   "SubmissionOverdue",
	StatusUnderReview:                         "UnderReview",
	StatusReviewOverdue:                       "ReviewOverdue",
	StatusPendingPayment:                      "PendingPayment",
	StatusPaymentOverdue:                      "PaymentOverdue",
	StatusDeadlineExtensionRequested:          "DeadlineExtensionRequested",
	StatusLockedByDisapproval:                 "LockedByDisapproval",
	StatusCompleted:                           "Completed",
	StatusCompletedWithoutSubmission:          "CompletedWithoutSubmission",
	StatusCompletedWithoutReview:              "CompletedWithoutReview",
	StatusCompletedWithoutPayment:             "CompletedWithoutPayment",
	StatusCompletedWithRewardReleaseAfterLock: "CompletedWithRewardReleaseAfterLock",
}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
	return statusNames[s]
}

// Valid reports whether s is one of the enumerated states.
func (s TaskStatus) Valid() bool {
	return s >= 0 && int(s) < len(statusNames)
}

// Terminal reports whether a task in this state can never transition again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted,
		StatusCompletedWithoutSubmission,
		StatusCompletedWithoutReview,
		StatusCompletedWithoutPayment,
		StatusCompletedWithRewardReleaseAfterLock:
		return true
	}
	return false
}

// HashKey returns the key under which the confirming transaction hash is
// recorded for this state, the state name with its first letter lowercased.
func (s TaskStatus) HashKey() string {
	name := s.String()
	if name == "" {
		return name
	}
	return string(name[0]|0x20) + name[1:]
}

// ParseTaskStatus resolves a state name back to its enum value.
func ParseTaskStatus(name string) (TaskStatus, error) {
	for i, n := range statusNames {
		if n == name {
			return TaskStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", name)
}
