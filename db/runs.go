package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomci/loom/event"
	"github.com/loomci/loom/notifier"
)

type RunStatus string

var (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCancelled RunStatus = "cancelled"
	RunCompleted RunStatus = "completed"
)

func (s RunStatus) Terminal() bool {
	return s == RunCancelled || s == RunCompleted
}

type Run struct {
	Id       string      `json:"id"`
	Workflow string      `json:"workflow"`
	GroupKey string      `json:"group_key"`
	Event    event.Event `json:"event"`
	Status   RunStatus   `json:"status"`

	// only if Completed with failures
	Error string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (db *DB) CreateRun(r Run, n *notifier.Notifier) error {
	ev, err := json.Marshal(r.Event)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		insert into runs (id, workflow, group_key, event, status)
		values (?, ?, ?, ?, ?)
	`, r.Id, r.Workflow, r.GroupKey, string(ev), r.Status)
	if err != nil {
		return err
	}

	db.appendRunEvent(r.Id, "run", string(r.Status))
	n.NotifyAll()
	return nil
}

// MarkRunRunning only promotes a queued run; a run cancelled between
// promotion and its scheduler starting stays cancelled.
func (db *DB) MarkRunRunning(id string, n *notifier.Notifier) error {
	res, err := db.Exec(`
		update runs
		set status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ? and status = ?
	`, RunRunning, id, RunQueued)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil
	}

	db.appendRunEvent(id, "run", string(RunRunning))
	n.NotifyAll()
	return nil
}

// MarkRunCancelled is idempotent: the cancel request records it and
// the draining scheduler records it again, only the first lands.
func (db *DB) MarkRunCancelled(id string, n *notifier.Notifier) error {
	res, err := db.Exec(`
		update runs
		set status = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ? and status in (?, ?)
	`, RunCancelled, id, RunQueued, RunRunning)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil
	}

	db.appendRunEvent(id, "run", string(RunCancelled))
	n.NotifyAll()
	return nil
}

func (db *DB) MarkRunCompleted(id string, errorMsg string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update runs
		set status = ?,
		    error = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, RunCompleted, errorMsg, id)
	if err != nil {
		return err
	}

	db.appendRunEvent(id, "run", string(RunCompleted))
	n.NotifyAll()
	return nil
}

func (db *DB) GetRun(id string) (Run, error) {
	row := db.QueryRow(`
		select id, workflow, group_key, event, status, error, created_at, updated_at, finished_at
		from runs
		where id = ?
	`, id)
	return scanRun(row)
}

func (db *DB) GetRuns(cursor string) ([]Run, error) {
	whereClause := ""
	args := []any{}
	if cursor != "" {
		whereClause = "where created_at < ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, workflow, group_key, event, status, error, created_at, updated_at, finished_at
		from runs
		%s
		order by created_at desc
		limit 100
	`, whereClause)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// NonTerminalRunsInGroup returns the queued and running runs of one
// concurrency group, oldest first.
func (db *DB) NonTerminalRunsInGroup(groupKey string) ([]Run, error) {
	rows, err := db.Query(`
		select id, workflow, group_key, event, status, error, created_at, updated_at, finished_at
		from runs
		where group_key = ? and status in (?, ?)
		order by created_at asc, id asc
	`, groupKey, RunQueued, RunRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (Run, error) {
	var r Run
	var ev string
	var created, updated string
	var finished sql.NullString

	err := row.Scan(&r.Id, &r.Workflow, &r.GroupKey, &ev, &r.Status, &r.Error, &created, &updated, &finished)
	if err != nil {
		return r, err
	}

	if err := json.Unmarshal([]byte(ev), &r.Event); err != nil {
		return r, fmt.Errorf("run %s: decoding event: %w", r.Id, err)
	}

	r.CreatedAt, _ = time.Parse(time.RFC3339, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	if finished.Valid {
		t, err := time.Parse(time.RFC3339, finished.String)
		if err == nil {
			r.FinishedAt = &t
		}
	}

	return r, nil
}
