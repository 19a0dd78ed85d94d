package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"qube/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStatusConflict is returned when a guarded status update finds the stored
// status no longer matches the expected pre-transition value. The first
// committed transition wins; later writers observe this error.
var ErrStatusConflict = errors.New("status changed by concurrent writer")

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	users, err := json.Marshal(p.AssignedUsers)
	if err != nil {
		return err
	}
	deposits := p.DepositsJSON
	if deposits == "" {
		deposits = "[]"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,owner,name,status,assigned_users_json,deposits_json,in_dispute,extension_requested_at,submission_deadline,payment_deadline,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Owner, p.Name, p.Status, string(users), deposits, boolInt(p.InDispute),
		nullableStringPtr(p.ExtensionRequestedAt), nullableStringPtr(p.SubmissionDeadline), nullableStringPtr(p.PaymentDeadline), p.CreatedAt)
	return err
}

const projectColumns = `id,owner,name,status,assigned_users_json,deposits_json,in_dispute,extension_requested_at,submission_deadline,payment_deadline,created_at`

func scanProjectRow(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var users string
	var inDispute int
	var extAt, subDeadline, payDeadline sql.NullString
	err := scan(&p.ID, &p.Owner, &p.Name, &p.Status, &users, &p.DepositsJSON, &inDispute, &extAt, &subDeadline, &payDeadline, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(users), &p.AssignedUsers); err != nil {
		return p, fmt.Errorf("decode assigned users: %w", err)
	}
	p.InDispute = inDispute != 0
	if extAt.Valid {
		p.ExtensionRequestedAt = &extAt.String
	}
	if subDeadline.Valid {
		p.SubmissionDeadline = &subDeadline.String
	}
	if payDeadline.Valid {
		p.PaymentDeadline = &payDeadline.String
	}
	return p, nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProjectRow(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectsDue returns projects in the given status whose deadline column is at
// or before the cutoff. The column must be one of the fixed deadline names.
func (r Repo) ProjectsDue(ctx context.Context, status, deadlineColumn, cutoff string) ([]domain.Project, error) {
	switch deadlineColumn {
	case "submission_deadline", "payment_deadline", "created_at":
	default:
		return nil, fmt.Errorf("unsupported deadline column %s", deadlineColumn)
	}
	query := `SELECT ` + projectColumns + ` FROM projects WHERE status=? AND ` + deadlineColumn + `<=?`
	rows, err := r.DB.QueryContext(ctx, query, status, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectsInDisputeSince returns disputed projects whose extension request is
// at or before the cutoff.
func (r Repo) ProjectsInDisputeSince(ctx context.Context, cutoff string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE in_dispute=1 AND extension_requested_at<=?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectStatus applies a guarded status change; zero rows affected
// means another writer moved the project first.
func (r Repo) UpdateProjectStatus(ctx context.Context, id, expected, next string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=? AND status=?`, next, id, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ReopenDisputedProject extends both deadlines, clears the dispute flag and
// moves the project back into the post-extension submission window.
func (r Repo) ReopenDisputedProject(ctx context.Context, id, submissionDeadline, paymentDeadline string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET status=?, submission_deadline=?, payment_deadline=?, in_dispute=0 WHERE id=? AND in_dispute=1`,
		domain.ProjectWaitingSubmissionDER, submissionDeadline, paymentDeadline, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r Repo) AssignProjectUser(ctx context.Context, tx *sql.Tx, projectID, wallet string) error {
	var users string
	err := tx.QueryRowContext(ctx, `SELECT assigned_users_json FROM projects WHERE id=?`, projectID).Scan(&users)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var list []string
	if err := json.Unmarshal([]byte(users), &list); err != nil {
		return fmt.Errorf("decode assigned users: %w", err)
	}
	for _, w := range list {
		if w == wallet {
			return nil
		}
	}
	list = append(list, wallet)
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE projects SET assigned_users_json=? WHERE id=?`, string(data), projectID)
	return err
}

// --- tasks ---

const taskColumns = `id,project_id,hashed_task_id,title,details,recipient,token_address,reward_amount,status,submission_deadline,review_deadline,payment_deadline,extension_requested_at,deletion_requested_at,lock_release_at,deliverables_json,hashes_json,reminder_sent_at,end_timestamp,created_at,updated_at`

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var hashedID, details, recipient, tokenAddr, reward, extAt, delAt, lockAt, deliverables, reminderAt, endTS sql.NullString
	err := scan(&t.ID, &t.ProjectID, &hashedID, &t.Title, &details, &recipient, &tokenAddr, &reward, &t.Status,
		&t.SubmissionDeadline, &t.ReviewDeadline, &t.PaymentDeadline, &extAt, &delAt, &lockAt, &deliverables, &t.HashesJSON, &reminderAt, &endTS, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if hashedID.Valid {
		t.HashedTaskID = hashedID.String
	}
	if details.Valid {
		t.Details = details.String
	}
	if recipient.Valid {
		t.Recipient = &recipient.String
	}
	if tokenAddr.Valid {
		t.TokenAddress = tokenAddr.String
	}
	if reward.Valid {
		t.RewardAmount = reward.String
	}
	if extAt.Valid {
		t.ExtensionRequestedAt = &extAt.String
	}
	if delAt.Valid {
		t.DeletionRequestedAt = &delAt.String
	}
	if lockAt.Valid {
		t.LockReleaseAt = &lockAt.String
	}
	if deliverables.Valid {
		t.DeliverablesJSON = &deliverables.String
	}
	if reminderAt.Valid {
		t.ReminderSentAt = &reminderAt.String
	}
	if endTS.Valid {
		t.EndTimestamp = &endTS.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	hashes := t.HashesJSON
	if hashes == "" {
		hashes = "{}"
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullable(t.HashedTaskID), t.Title, nullable(t.Details), nullableStringPtr(t.Recipient),
		nullable(t.TokenAddress), nullable(t.RewardAmount), t.Status,
		t.SubmissionDeadline, t.ReviewDeadline, t.PaymentDeadline,
		nullableStringPtr(t.ExtensionRequestedAt), nullableStringPtr(t.DeletionRequestedAt), nullableStringPtr(t.LockReleaseAt),
		nullableStringPtr(t.DeliverablesJSON), hashes, nullableStringPtr(t.ReminderSentAt), nullableStringPtr(t.EndTimestamp), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTaskRow(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTaskRow(row.Scan)
}

// GetTaskByHashedID locates a task by its on-chain identifier.
func (r Repo) GetTaskByHashedID(ctx context.Context, hashedTaskID string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE hashed_task_id=?`, hashedTaskID)
	return scanTaskRow(row.Scan)
}

type TaskFilters struct {
	ProjectID string
	Status    string
	Recipient string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Recipient != "" {
		clauses = append(clauses, "recipient=?")
		args = append(args, f.Recipient)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TasksWithStatus returns all tasks currently in any of the given states.
func (r Repo) TasksWithStatus(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = s.String()
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (` + strings.Join(placeholders, ",") + `) ORDER BY created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TaskStatusUpdate carries the optional column changes applied together with
// a guarded status transition.
type TaskStatusUpdate struct {
	Recipient            *string
	SubmissionDeadline   *string
	ReviewDeadline       *string
	PaymentDeadline      *string
	ExtensionRequestedAt *string
	ClearDeletionRequest bool
	DeletionRequestedAt  *string
	ClearReminderSent    bool
	LockReleaseAt        *string
	DeliverablesJSON     *string
	EndTimestamp         *string
}

// UpdateTaskStatusTx moves a task from the expected status to the next one,
// applying any extra column changes in the same statement. Zero rows affected
// means a concurrent writer committed first and ErrStatusConflict is returned.
func (r Repo) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id string, expected, next domain.TaskStatus, updatedAt string, extra TaskStatusUpdate) error {
	fields := []string{"status=?", "updated_at=?"}
	args := []any{next.String(), updatedAt}
	if extra.Recipient != nil {
		fields = append(fields, "recipient=?")
		args = append(args, *extra.Recipient)
	}
	if extra.SubmissionDeadline != nil {
		fields = append(fields, "submission_deadline=?")
		args = append(args, *extra.SubmissionDeadline)
	}
	if extra.ReviewDeadline != nil {
		fields = append(fields, "review_deadline=?")
		args = append(args, *extra.ReviewDeadline)
	}
	if extra.PaymentDeadline != nil {
		fields = append(fields, "payment_deadline=?")
		args = append(args, *extra.PaymentDeadline)
	}
	if extra.ExtensionRequestedAt != nil {
		fields = append(fields, "extension_requested_at=?")
		args = append(args, *extra.ExtensionRequestedAt)
	}
	if extra.ClearDeletionRequest {
		fields = append(fields, "deletion_requested_at=NULL")
	} else if extra.DeletionRequestedAt != nil {
		fields = append(fields, "deletion_requested_at=?")
		args = append(args, *extra.DeletionRequestedAt)
	}
	if extra.ClearReminderSent {
		fields = append(fields, "reminder_sent_at=NULL")
	}
	if extra.LockReleaseAt != nil {
		fields = append(fields, "lock_release_at=?")
		args = append(args, *extra.LockReleaseAt)
	}
	if extra.DeliverablesJSON != nil {
		fields = append(fields, "deliverables_json=?")
		args = append(args, *extra.DeliverablesJSON)
	}
	if extra.EndTimestamp != nil {
		fields = append(fields, "end_timestamp=?")
		args = append(args, *extra.EndTimestamp)
	}
	args = append(args, id, expected.String())
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(fields, ", ")+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish a lost race from a missing task.
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, id).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

// MarkTaskReminderSent claims the one pre-deadline reminder for a task.
// Returns false when the reminder was already claimed by an earlier run.
func (r Repo) MarkTaskReminderSent(ctx context.Context, id, sentAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET reminder_sent_at=? WHERE id=? AND reminder_sent_at IS NULL`, sentAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendTaskHashTx records the confirming transaction hash for an operation
// under hashes.<operation>.
func (r Repo) AppendTaskHashTx(ctx context.Context, tx *sql.Tx, id, operation, hash string) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT hashes_json FROM tasks WHERE id=?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	hashes := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &hashes); err != nil {
			return fmt.Errorf("decode task hashes: %w", err)
		}
	}
	hashes[operation] = hash
	data, err := json.Marshal(hashes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET hashes_json=? WHERE id=?`, string(data), id)
	return err
}

func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- users ---

func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	rep, err := json.Marshal(u.ReputationIDs)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO users(wallet_address,username,email,user_type,image_url,reputation_json,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(wallet_address) DO UPDATE SET username=excluded.username, email=excluded.email, user_type=excluded.user_type, image_url=excluded.image_url, reputation_json=excluded.reputation_json`,
		u.WalletAddress, u.Username, nullable(u.Email), u.UserType, nullable(u.ImageURL), string(rep), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, wallet string) (domain.User, error) {
	var u domain.User
	var email, image sql.NullString
	var rep string
	err := r.DB.QueryRowContext(ctx, `SELECT wallet_address,username,email,user_type,image_url,reputation_json,created_at FROM users WHERE wallet_address=?`, wallet).
		Scan(&u.WalletAddress, &u.Username, &email, &u.UserType, &image, &rep, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if email.Valid {
		u.Email = email.String
	}
	if image.Valid {
		u.ImageURL = image.String
	}
	if err := json.Unmarshal([]byte(rep), &u.ReputationIDs); err != nil {
		return u, fmt.Errorf("decode reputation ids: %w", err)
	}
	return u, nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT wallet_address,username,email,user_type,image_url,reputation_json,created_at FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var email, image sql.NullString
		var rep string
		if err := rows.Scan(&u.WalletAddress, &u.Username, &email, &u.UserType, &image, &rep, &u.CreatedAt); err != nil {
			return nil, err
		}
		if email.Valid {
			u.Email = email.String
		}
		if image.Valid {
			u.ImageURL = image.String
		}
		if err := json.Unmarshal([]byte(rep), &u.ReputationIDs); err != nil {
			return nil, fmt.Errorf("decode reputation ids: %w", err)
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// EmailForWallet resolves a wallet address to an email. ErrNotFound when the
// user is unknown; an empty string when the user never provided one.
func (r Repo) EmailForWallet(ctx context.Context, wallet string) (string, error) {
	var email sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT email FROM users WHERE wallet_address=?`, wallet).Scan(&email)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if !email.Valid {
		return "", nil
	}
	return email.String, nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
