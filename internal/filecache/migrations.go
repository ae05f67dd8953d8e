package filecache

const createTables = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	url        TEXT NOT NULL UNIQUE,
	local_path TEXT NOT NULL,
	size       INTEGER NOT NULL DEFAULT 0,
	pin_count  INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_cache_entries_created_at ON cache_entries(created_at, local_path);
CREATE INDEX IF NOT EXISTS idx_cache_entries_pin_count ON cache_entries(pin_count);
`

func (c *FileCache) runMigrations() error {
	for _, stmt := range []string{createTables, createIndexes} {
		if _, err := c.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
