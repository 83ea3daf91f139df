package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/loomci/loom/notifier"
)

type JobStatus string

var (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobSkipped   JobStatus = "skipped"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobSkipped:
		return true
	}
	return false
}

type Job struct {
	RunId    string            `json:"run_id"`
	Template string            `json:"template"`
	Instance string            `json:"instance"`
	Matrix   map[string]string `json:"matrix,omitempty"`
	Status   JobStatus         `json:"status"`

	// only if Failed
	Error string `json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (db *DB) CreateJobs(jobs []Job, n *notifier.Notifier) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range jobs {
		matrix, err := json.Marshal(j.Matrix)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			insert into jobs (run_id, template, instance, matrix, status)
			values (?, ?, ?, ?, ?)
		`, j.RunId, j.Template, j.Instance, string(matrix), JobPending)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, j := range jobs {
		db.appendRunEvent(j.RunId, j.Instance, string(JobPending))
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkJobRunning(runId, instance string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update jobs
		set status = ?, started_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and instance = ?
	`, JobRunning, runId, instance)
	if err != nil {
		return err
	}

	db.appendRunEvent(runId, instance, string(JobRunning))
	n.NotifyAll()
	return nil
}

// MarkJobTerminal records a job instance's final status. Error is
// empty unless the status is failed.
func (db *DB) MarkJobTerminal(runId, instance string, status JobStatus, errorMsg string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update jobs
		set status = ?,
		    error = ?,
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and instance = ?
	`, status, errorMsg, runId, instance)
	if err != nil {
		return err
	}

	db.appendRunEvent(runId, instance, string(status))
	n.NotifyAll()
	return nil
}

func (db *DB) GetJobs(runId string) ([]Job, error) {
	rows, err := db.Query(`
		select run_id, template, instance, matrix, status, error, started_at, finished_at
		from jobs
		where run_id = ?
		order by id asc
	`, runId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var matrix string
		var started, finished sql.NullString

		err := rows.Scan(&j.RunId, &j.Template, &j.Instance, &matrix, &j.Status, &j.Error, &started, &finished)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(matrix), &j.Matrix); err != nil {
			return nil, err
		}
		if started.Valid {
			if t, err := time.Parse(time.RFC3339, started.String); err == nil {
				j.StartedAt = &t
			}
		}
		if finished.Valid {
			if t, err := time.Parse(time.RFC3339, finished.String); err == nil {
				j.FinishedAt = &t
			}
		}

		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
