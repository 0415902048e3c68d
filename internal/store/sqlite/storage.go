// Package sqlite persists identity bindings, external UID mappings and
// event records in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"calcodec/internal/identity"
	"calcodec/internal/model"
)

const DriverName = "sqlite3"

// ErrStaleSequence is returned when saving an event record would lower
// its SEQUENCE.
var ErrStaleSequence = errors.New("sqlite: sequence would decrease")

type Storage struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database file at path and runs the
// migrations.
func Open(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(DriverName, path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	s, err := NewStorage(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewStorage(db *sql.DB) (*Storage, error) {
	s := &Storage{
		db: sqlx.NewDb(db, DriverName),
	}
	if err := s.RunMigrations(); err != nil {
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) GetIdentity(ctx context.Context, internalID string) (identity.Record, error) {
	var r identity.Record
	err := s.db.GetContext(ctx, &r, `
		SELECT internal_id, uid, created_at, updated_at
		FROM identities
		WHERE internal_id = ?
	`, internalID)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Record{}, identity.ErrNotFound
	}
	return r, err
}

// CreateIdentity inserts r unless internal_id is already bound, in which
// case it returns identity.ErrConflict.
func (s *Storage) CreateIdentity(ctx context.Context, r identity.Record) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (internal_id, uid, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(internal_id) DO NOTHING;
	`, r.InternalID, r.UID, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrConflict
	}
	return nil
}

func (s *Storage) GetExternal(ctx context.Context, externalUID string) (string, error) {
	var internalUID string
	err := s.db.GetContext(ctx, &internalUID, `
		SELECT internal_uid FROM external_uids WHERE external_uid = ?
	`, externalUID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", identity.ErrNotFound
	}
	return internalUID, err
}

func (s *Storage) PutExternal(ctx context.Context, externalUID, internalUID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO external_uids (external_uid, internal_uid) VALUES (?, ?)
		ON CONFLICT(external_uid) DO NOTHING;
	`, externalUID, internalUID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	existing, err := s.GetExternal(ctx, externalUID)
	if err != nil {
		return err
	}
	if existing != internalUID {
		return identity.ErrConflict
	}
	return nil
}

func (s *Storage) GetEvent(ctx context.Context, internalID string) (model.EventRecord, error) {
	var r model.EventRecord
	err := s.db.GetContext(ctx, &r, `
		SELECT internal_id, uid, raw_document, sequence, status, updated_at
		FROM events
		WHERE internal_id = ?
	`, internalID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EventRecord{}, identity.ErrNotFound
	}
	return r, err
}

// SaveEvent upserts r. The stored UID never changes and the stored
// SEQUENCE never decreases.
func (s *Storage) SaveEvent(ctx context.Context, r model.EventRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current model.EventRecord
	err = tx.GetContext(ctx, &current, `
		SELECT internal_id, uid, sequence FROM events WHERE internal_id = ?
	`, r.InternalID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case current.UID != r.UID:
		return fmt.Errorf("%w: event %s has uid %s", identity.ErrConflict, r.InternalID, current.UID)
	case r.Sequence < current.Sequence:
		return fmt.Errorf("%w: event %s at %d, got %d", ErrStaleSequence, r.InternalID, current.Sequence, r.Sequence)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (internal_id, uid, raw_document, sequence, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(internal_id) DO UPDATE
			SET raw_document = excluded.raw_document,
				sequence = excluded.sequence,
				status = excluded.status,
				updated_at = excluded.updated_at;
	`, r.InternalID, r.UID, r.RawDocument, r.Sequence, r.Status, r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("event %s: %w", r.InternalID, err)
	}
	return tx.Commit()
}

// RawDocument implements identity.DocumentSource.
func (s *Storage) RawDocument(ctx context.Context, internalID string) (string, error) {
	r, err := s.GetEvent(ctx, internalID)
	if errors.Is(err, identity.ErrNotFound) {
		return "", nil
	}
	return r.RawDocument, err
}

// EventCounts returns the number of event records per status.
func (s *Storage) EventCounts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS n FROM events GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
