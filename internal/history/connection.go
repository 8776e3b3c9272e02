// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package history buffers tag readings in memory and flushes them to a
// local SQLite database in batches, bounding memory use by dropping the
// oldest pending record once the queue is twice its flush capacity.
package history

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

var registerOnce sync.Once

const schema = `
CREATE TABLE IF NOT EXISTS tag_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id TEXT NOT NULL,
	tag_id        TEXT NOT NULL,
	value         TEXT,
	quality       INTEGER NOT NULL,
	timestamp     TEXT NOT NULL,
	created_at    TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tag_history_conn_tag ON tag_history (connection_id, tag_id);
CREATE INDEX IF NOT EXISTS idx_tag_history_timestamp ON tag_history (timestamp);
CREATE INDEX IF NOT EXISTS idx_tag_history_tag_timestamp ON tag_history (tag_id, timestamp);
`

// connect opens (creating if needed) the SQLite database at path, wrapping
// the driver with sqlhooks for query-duration logging and capping the pool
// to one connection, since SQLite serializes writers anyway. Ground:
// internal/repository/dbConnection.go.
func connect(path string) (*sqlx.DB, error) {
	registerOnce.Do(func() {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &sqlHooks{}))
	})

	db, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("%w: opening history database %q: %v", enginerr.Fatal, path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating history schema: %v", enginerr.Fatal, err)
	}

	return db, nil
}
