package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("identity: not found")
	// ErrConflict is returned when a different UID is already bound.
	ErrConflict  = errors.New("identity: uid conflict")
	ErrMissingID = errors.New("identity: internal id required")
)

// Record is the durable binding of an internal event id to its UID.
type Record struct {
	InternalID string    `db:"internal_id" json:"internal_id"`
	UID        string    `db:"uid" json:"uid"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Store persists identity records and external UID mappings.
//
// CreateIdentity must behave as compare-and-set: when a record for the
// internal id already exists it returns ErrConflict and leaves it intact.
// PutExternal likewise refuses to replace an existing mapping.
type Store interface {
	GetIdentity(ctx context.Context, internalID string) (Record, error)
	CreateIdentity(ctx context.Context, r Record) error
	GetExternal(ctx context.Context, externalUID string) (string, error)
	PutExternal(ctx context.Context, externalUID, internalUID string) error
}

// DocumentSource supplies the last stored raw document of an event. It
// returns "" and no error when nothing is stored.
type DocumentSource interface {
	RawDocument(ctx context.Context, internalID string) (string, error)
}

type memoryStore struct {
	mu       sync.RWMutex
	byID     map[string]Record
	external map[string]string
}

// NewMemoryStore returns a process-local Store.
func NewMemoryStore() Store {
	return &memoryStore{
		byID:     make(map[string]Record),
		external: make(map[string]string),
	}
}

func (s *memoryStore) GetIdentity(ctx context.Context, internalID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[internalID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *memoryStore) CreateIdentity(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(r.InternalID) == "" {
		return ErrMissingID
	}
	if _, exists := s.byID[r.InternalID]; exists {
		return ErrConflict
	}
	s.byID[r.InternalID] = r
	return nil
}

func (s *memoryStore) GetExternal(ctx context.Context, externalUID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.external[externalUID]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *memoryStore) PutExternal(ctx context.Context, externalUID, internalUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.external[externalUID]; ok && existing != internalUID {
		return ErrConflict
	}
	s.external[externalUID] = internalUID
	return nil
}
