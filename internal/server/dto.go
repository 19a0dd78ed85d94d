package server

import (
	"encoding/json"

	"qube/internal/domain"
	"qube/internal/ledger"
)

type CreateProjectRequest struct {
	Name               string `json:"name"`
	Owner              string `json:"owner,omitempty"`
	SubmissionDeadline string `json:"submission_deadline,omitempty"`
	PaymentDeadline    string `json:"payment_deadline,omitempty"`
}

type AssignMemberRequest struct {
	Wallet string `json:"wallet"`
}

type EscrowDeposit struct {
	TokenAddress string `json:"token_address"`
	Amount       string `json:"amount"`
}

// EscrowResponse mirrors the on-chain escrow state for a project as the
// relayer reports it.
type EscrowResponse struct {
	Owner         string          `json:"owner"`
	AssignedUsers []string        `json:"assigned_users"`
	Deposits      []EscrowDeposit `json:"deposits"`
}

func escrowResponse(d ledger.ProjectDetails) EscrowResponse {
	resp := EscrowResponse{
		Owner:         d.Owner,
		AssignedUsers: d.AssignedUsers,
		Deposits:      make([]EscrowDeposit, 0, len(d.Deposits)),
	}
	if resp.AssignedUsers == nil {
		resp.AssignedUsers = []string{}
	}
	for _, dep := range d.Deposits {
		resp.Deposits = append(resp.Deposits, EscrowDeposit{TokenAddress: dep.TokenAddress, Amount: dep.Amount})
	}
	return resp
}

type ProjectResponse struct {
	ID                   string   `json:"id"`
	Owner                string   `json:"owner"`
	Name                 string   `json:"name"`
	Status               string   `json:"status"`
	AssignedUsers        []string `json:"assigned_users"`
	Deposits             any      `json:"deposits,omitempty"`
	InDispute            bool     `json:"in_dispute"`
	ExtensionRequestedAt *string  `json:"extension_requested_at,omitempty"`
	SubmissionDeadline   *string  `json:"submission_deadline,omitempty"`
	PaymentDeadline      *string  `json:"payment_deadline,omitempty"`
	CreatedAt            string   `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	resp := ProjectResponse{
		ID:                   p.ID,
		Owner:                p.Owner,
		Name:                 p.Name,
		Status:               p.Status,
		AssignedUsers:        p.AssignedUsers,
		InDispute:            p.InDispute,
		ExtensionRequestedAt: p.ExtensionRequestedAt,
		SubmissionDeadline:   p.SubmissionDeadline,
		PaymentDeadline:      p.PaymentDeadline,
		CreatedAt:            p.CreatedAt,
	}
	if resp.AssignedUsers == nil {
		resp.AssignedUsers = []string{}
	}
	if p.DepositsJSON != "" {
		var deposits any
		if err := json.Unmarshal([]byte(p.DepositsJSON), &deposits); err == nil {
			resp.Deposits = deposits
		}
	}
	return resp
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

type CreateTaskRequest struct {
	Title              string `json:"title"`
	Details            string `json:"details,omitempty"`
	HashedTaskID       string `json:"hashed_task_id,omitempty"`
	TokenAddress       string `json:"token_address,omitempty"`
	RewardAmount       string `json:"reward_amount,omitempty"`
	SubmissionDeadline string `json:"submission_deadline"`
	ReviewDeadline     string `json:"review_deadline"`
	PaymentDeadline    string `json:"payment_deadline"`
}

type SignTaskRequest struct {
	Recipient string `json:"recipient,omitempty"`
}

type SubmitTaskRequest struct {
	Deliverables any `json:"deliverables,omitempty"`
}

type TaskResponse struct {
	ID                   string            `json:"id"`
	ProjectID            string            `json:"project_id"`
	HashedTaskID         string            `json:"hashed_task_id,omitempty"`
	Title                string            `json:"title"`
	Details              string            `json:"details,omitempty"`
	Recipient            *string           `json:"recipient,omitempty"`
	TokenAddress         string            `json:"token_address,omitempty"`
	RewardAmount         string            `json:"reward_amount,omitempty"`
	Status               string            `json:"status"`
	SubmissionDeadline   string            `json:"submission_deadline"`
	ReviewDeadline       string            `json:"review_deadline"`
	PaymentDeadline      string            `json:"payment_deadline"`
	ExtensionRequestedAt *string           `json:"extension_requested_at,omitempty"`
	DeletionRequestedAt  *string           `json:"deletion_requested_at,omitempty"`
	LockReleaseAt        *string           `json:"lock_release_at,omitempty"`
	Deliverables         any               `json:"deliverables,omitempty"`
	Hashes               map[string]string `json:"hashes"`
	EndTimestamp         *string           `json:"end_timestamp,omitempty"`
	CreatedAt            string            `json:"created_at"`
	UpdatedAt            string            `json:"updated_at"`
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:                   t.ID,
		ProjectID:            t.ProjectID,
		HashedTaskID:         t.HashedTaskID,
		Title:                t.Title,
		Details:              t.Details,
		Recipient:            t.Recipient,
		TokenAddress:         t.TokenAddress,
		RewardAmount:         t.RewardAmount,
		Status:               t.Status,
		SubmissionDeadline:   t.SubmissionDeadline,
		ReviewDeadline:       t.ReviewDeadline,
		PaymentDeadline:      t.PaymentDeadline,
		ExtensionRequestedAt: t.ExtensionRequestedAt,
		DeletionRequestedAt:  t.DeletionRequestedAt,
		LockReleaseAt:        t.LockReleaseAt,
		EndTimestamp:         t.EndTimestamp,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
		Hashes:               map[string]string{},
	}
	if t.HashesJSON != "" {
		_ = json.Unmarshal([]byte(t.HashesJSON), &resp.Hashes)
	}
	if t.DeliverablesJSON != nil {
		var deliverables any
		if err := json.Unmarshal([]byte(*t.DeliverablesJSON), &deliverables); err == nil {
			resp.Deliverables = deliverables
		}
	}
	return resp
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

type UpsertUserRequest struct {
	WalletAddress string   `json:"wallet_address"`
	Username      string   `json:"username"`
	Email         string   `json:"email,omitempty"`
	UserType      string   `json:"user_type" enum:"depositor,recipient"`
	ImageURL      string   `json:"image_url,omitempty"`
	ReputationIDs []string `json:"reputation_ids,omitempty"`
}

type UserResponse struct {
	WalletAddress string   `json:"wallet_address"`
	Username      string   `json:"username"`
	Email         string   `json:"email,omitempty"`
	UserType      string   `json:"user_type"`
	ImageURL      string   `json:"image_url,omitempty"`
	ReputationIDs []string `json:"reputation_ids"`
	CreatedAt     string   `json:"created_at"`
}

func userResponse(u domain.User) UserResponse {
	rep := u.ReputationIDs
	if rep == nil {
		rep = []string{}
	}
	return UserResponse{
		WalletAddress: u.WalletAddress,
		Username:      u.Username,
		Email:         u.Email,
		UserType:      u.UserType,
		ImageURL:      u.ImageURL,
		ReputationIDs: rep,
		CreatedAt:     u.CreatedAt,
	}
}

type ErrorLogResponse struct {
	ID           string `json:"id"`
	Timestamp    string `json:"timestamp"`
	ErrorMessage string `json:"error_message"`
	TaskID       string `json:"task_id,omitempty"`
	FunctionName string `json:"function_name"`
}

func errorLogResponse(e domain.ErrorLog) ErrorLogResponse {
	return ErrorLogResponse{
		ID:           e.ID,
		Timestamp:    e.TS,
		ErrorMessage: e.ErrorMessage,
		TaskID:       e.TaskID,
		FunctionName: e.FunctionName,
	}
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		var payload any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}
