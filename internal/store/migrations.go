package store

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_events_created_at ON events(created_at);
	CREATE INDEX idx_events_type ON events(type);`,

	`ALTER TABLE events ADD COLUMN attempt_id TEXT NOT NULL DEFAULT '';`,
}
