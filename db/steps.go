package db

import (
	"time"

	"github.com/loomci/loom/notifier"
)

type StepStatus string

var (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepSkipped   StepStatus = "skipped"
)

type Step struct {
	RunId    string        `json:"run_id"`
	Instance string        `json:"instance"`
	Idx      int           `json:"idx"`
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// CreateSteps registers a job instance's steps up front so the
// final report shows the full sequence, skipped steps included.
func (db *DB) CreateSteps(steps []Step) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range steps {
		_, err := tx.Exec(`
			insert into steps (run_id, instance, idx, name, status)
			values (?, ?, ?, ?, ?)
		`, s.RunId, s.Instance, s.Idx, s.Name, StepPending)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (db *DB) MarkStepRunning(runId, instance string, idx int, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update steps
		set status = ?
		where run_id = ? and instance = ? and idx = ?
	`, StepRunning, runId, instance, idx)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkStepDone(runId, instance string, idx int, status StepStatus, exitCode int, duration time.Duration, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update steps
		set status = ?, exit_code = ?, duration_ms = ?
		where run_id = ? and instance = ? and idx = ?
	`, status, exitCode, duration.Milliseconds(), runId, instance, idx)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) GetSteps(runId, instance string) ([]Step, error) {
	rows, err := db.Query(`
		select run_id, instance, idx, name, status, exit_code, duration_ms
		from steps
		where run_id = ? and instance = ?
		order by idx asc
	`, runId, instance)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var s Step
		var durationMs int64
		err := rows.Scan(&s.RunId, &s.Instance, &s.Idx, &s.Name, &s.Status, &s.ExitCode, &durationMs)
		if err != nil {
			return nil, err
		}
		s.Duration = time.Duration(durationMs) * time.Millisecond
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
