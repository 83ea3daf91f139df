package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			workflow text not null,
			group_key text not null,
			event text not null, -- json
			status text not null,
			error text not null default '',
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished_at text
		);

		create index if not exists runs_group_key on runs (group_key, created_at);

		create table if not exists jobs (
			id integer primary key autoincrement,
			run_id text not null references runs (id),
			template text not null,
			instance text not null, -- template/matrix-point id
			matrix text not null,   -- json axis values
			status text not null,
			error text not null default '',
			started_at text,
			finished_at text,

			unique (run_id, instance)
		);

		create table if not exists steps (
			run_id text not null references runs (id),
			instance text not null,
			idx integer not null,
			name text not null,
			status text not null,
			exit_code integer not null default 0,
			duration_ms integer not null default 0,

			unique (run_id, instance, idx)
		);

		create table if not exists artifacts (
			id integer primary key autoincrement,
			run_id text not null references runs (id),
			instance text not null,
			name text not null,
			handle text not null,
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);

		-- status transition journal, cursor-paginated by id for the
		-- websocket stream
		create table if not exists run_events (
			id integer primary key autoincrement,
			run_id text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);

		create table if not exists cursors (
			source text primary key,
			cursor integer not null
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
