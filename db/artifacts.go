package db

import (
	"time"
)

// Artifact pairs a caller-supplied name with the producing job
// instance; names alone are not unique across matrix points.
type Artifact struct {
	Id       int64  `json:"id"`
	RunId    string `json:"run_id"`
	Instance string `json:"instance"`
	Name     string `json:"name"`
	Handle   string `json:"handle"`

	CreatedAt time.Time `json:"created_at"`
}

func (db *DB) AddArtifact(a Artifact) error {
	_, err := db.Exec(`
		insert into artifacts (run_id, instance, name, handle)
		values (?, ?, ?, ?)
	`, a.RunId, a.Instance, a.Name, a.Handle)
	return err
}

func (db *DB) GetArtifacts(runId string) ([]Artifact, error) {
	rows, err := db.Query(`
		select id, run_id, instance, name, handle, created_at
		from artifacts
		where run_id = ?
		order by id asc
	`, runId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var created string
		if err := rows.Scan(&a.Id, &a.RunId, &a.Instance, &a.Name, &a.Handle, &created); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, created)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
