package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"qube/internal/domain"
)

// InsertErrorLog appends a record to the durable error log. Callers never
// retry the failed side effect; the log is inspected out of band.
func (r Repo) InsertErrorLog(ctx context.Context, e domain.ErrorLog) error {
	if strings.TrimSpace(e.ErrorMessage) == "" {
		return errors.New("error_message required")
	}
	if strings.TrimSpace(e.FunctionName) == "" {
		return errors.New("function_name required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO error_logs(id,ts,error_message,task_id,function_name) VALUES (?,?,?,?,?)`,
		e.ID, e.TS, e.ErrorMessage, nullable(e.TaskID), e.FunctionName)
	return err
}

// ListErrorLogs returns the most recent error records, newest first.
func (r Repo) ListErrorLogs(ctx context.Context, limit int) ([]domain.ErrorLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,error_message,COALESCE(task_id,''),function_name FROM error_logs ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ErrorLog
	for rows.Next() {
		var e domain.ErrorLog
		if err := rows.Scan(&e.ID, &e.TS, &e.ErrorMessage, &e.TaskID, &e.FunctionName); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountErrorLogs returns the total number of error records.
func (r Repo) CountErrorLogs(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM error_logs`).Scan(&n)
	return n, err
}
