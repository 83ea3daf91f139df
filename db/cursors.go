package db

import "database/sql"

// Cursor persistence for upstream event sources, keyed by source.

func (db *DB) SetCursor(source string, cursor int64) error {
	_, err := db.Exec(`
		insert into cursors (source, cursor)
		values (?, ?)
		on conflict(source) do update set cursor = excluded.cursor
	`, source, cursor)
	return err
}

func (db *DB) GetCursor(source string) (int64, error) {
	var cursor int64
	err := db.QueryRow(`select cursor from cursors where source = ?`, source).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}
