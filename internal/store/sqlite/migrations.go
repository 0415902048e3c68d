package sqlite

func (s *Storage) RunMigrations() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS identities (
		internal_id VARCHAR NOT NULL PRIMARY KEY,
		uid VARCHAR NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS identities_uid ON identities (uid)`,
	`CREATE TABLE IF NOT EXISTS external_uids (
		external_uid VARCHAR NOT NULL PRIMARY KEY,
		internal_uid VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		internal_id VARCHAR NOT NULL PRIMARY KEY,
		uid VARCHAR NOT NULL,
		raw_document TEXT NOT NULL DEFAULT '',
		sequence INTEGER NOT NULL DEFAULT 0,
		status VARCHAR NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}
