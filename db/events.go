package db

import (
	"encoding/json"
	"time"
)

// RunEvent is one status transition frame of the journal; Id is the
// stream cursor.
type RunEvent struct {
	Id      int64  `json:"id"`
	RunId   string `json:"run_id"`
	Subject string `json:"subject"` // "run" or a job instance id
	Status  string `json:"status"`
	Created int64  `json:"created"` // unix nanos
}

// appendRunEvent journals a transition. Best effort: a failed
// journal write must not fail the transition itself.
func (db *DB) appendRunEvent(runId, subject, status string) {
	frame, err := json.Marshal(map[string]string{
		"subject": subject,
		"status":  status,
	})
	if err != nil {
		return
	}

	db.Exec(`
		insert into run_events (run_id, event, created)
		values (?, ?, ?)
	`, runId, string(frame), time.Now().UnixNano())
}

// GetRunEvents returns journal frames after the cursor, oldest
// first, bounded to keep stream writes small.
func (db *DB) GetRunEvents(after int64) ([]RunEvent, error) {
	rows, err := db.Query(`
		select id, run_id, event, created
		from run_events
		where id > ?
		order by id asc
		limit 500
	`, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var ev RunEvent
		var frame string
		if err := rows.Scan(&ev.Id, &ev.RunId, &frame, &ev.Created); err != nil {
			return nil, err
		}

		var decoded struct {
			Subject string `json:"subject"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal([]byte(frame), &decoded); err != nil {
			return nil, err
		}
		ev.Subject = decoded.Subject
		ev.Status = decoded.Status

		events = append(events, ev)
	}
	return events, rows.Err()
}
