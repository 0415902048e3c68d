// Package identity owns the durable mapping between internal event ids
// and iCalendar UIDs, and between UIDs seen in foreign calendars and the
// internal UIDs they correspond to.
//
// A UID, once bound to an internal id, never changes. Rebinding attempts
// are counted and logged as conflicts and the existing binding wins.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"calcodec/internal/ics"
	appLog "calcodec/internal/log"
	"calcodec/internal/notify"
	"calcodec/internal/uid"
)

// Binding sources, as logged on assignment.
const (
	SourceRawDocument    = "raw-document"
	SourceStoredDocument = "stored-document"
	SourceProvided       = "provided"
	SourceGenerated      = "generated"
	SourceBind           = "bind"
)

type Option func(*Registry)

// WithDocuments lets ResolveUID recover the UID of a previously stored
// document.
func WithDocuments(d DocumentSource) Option {
	return func(r *Registry) { r.docs = d }
}

func WithNotifier(n notify.Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

func WithGenerator(g *uid.Generator) Option {
	return func(r *Registry) {
		if g != nil {
			r.gen = g
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry is safe for concurrent use. Reads hit an in-process cache
// without locking; writes for the same internal id are serialized by a
// per-id mutex and made durable through Store.CreateIdentity.
type Registry struct {
	store    Store
	docs     DocumentSource
	gen      *uid.Generator
	notifier notify.Notifier
	now      func() time.Time

	bindings sync.Map // internal id -> uid
	external sync.Map // external uid -> internal uid
	locks    sync.Map // internal id -> *sync.Mutex

	assigned  atomic.Int64
	conflicts atomic.Int64
}

// New returns a Registry over store. A nil store means an in-memory one.
func New(store Store, opts ...Option) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Registry{
		store: store,
		gen:   uid.NewGenerator(uid.DefaultDomain),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GenerateUID mints a fresh UID without binding it.
func (r *Registry) GenerateUID() string {
	return r.gen.New()
}

// ResolveUID returns the UID bound to internalID, binding one first if
// needed. For an unbound id the candidates are, in order: the UID inside
// rawDocument, the UID inside the stored document for the id, providedUID,
// and a freshly generated UID. Candidates that disagree with an existing
// binding are logged as conflicts and ignored.
func (r *Registry) ResolveUID(ctx context.Context, internalID, providedUID, rawDocument string) (string, error) {
	internalID = strings.TrimSpace(internalID)
	if internalID == "" {
		return "", ErrMissingID
	}
	providedUID = cleanUID(providedUID)
	rawUID := ics.ExtractUID(rawDocument)

	if v, ok := r.bindings.Load(internalID); ok {
		existing := v.(string)
		r.rejectCandidates(internalID, existing, rawUID, providedUID)
		return existing, nil
	}

	unlock := r.lock(internalID)
	defer unlock()

	existing, err := r.bound(ctx, internalID)
	if err != nil {
		return "", err
	}
	if existing != "" {
		r.rejectCandidates(internalID, existing, rawUID, providedUID)
		return existing, nil
	}

	candidate, source := rawUID, SourceRawDocument
	if candidate == "" && r.docs != nil {
		stored, err := r.docs.RawDocument(ctx, internalID)
		if err != nil {
			appLog.Error("identity stored document unavailable", err, "internal_id", internalID)
		} else if u := ics.ExtractUID(stored); u != "" {
			candidate, source = u, SourceStoredDocument
		}
	}
	if candidate == "" && providedUID != "" {
		candidate, source = providedUID, SourceProvided
	}
	if candidate == "" {
		candidate, source = r.GenerateUID(), SourceGenerated
	}
	if providedUID != "" && providedUID != candidate {
		appLog.Warn("identity provided uid differs from document uid", "internal_id", internalID, "uid", candidate, "provided", providedUID)
	}

	return r.assign(ctx, internalID, candidate, source)
}

// Bind records uid for internalID. Binding the same pair twice is a
// no-op; binding a different UID returns ErrConflict and keeps the
// existing one.
func (r *Registry) Bind(ctx context.Context, internalID, eventUID string) error {
	internalID = strings.TrimSpace(internalID)
	eventUID = cleanUID(eventUID)
	if internalID == "" || eventUID == "" {
		return ErrMissingID
	}

	unlock := r.lock(internalID)
	defer unlock()

	existing, err := r.bound(ctx, internalID)
	if err != nil {
		return err
	}
	if existing == "" {
		existing, err = r.assign(ctx, internalID, eventUID, SourceBind)
		if err != nil {
			return err
		}
		if existing == eventUID {
			return nil
		}
		// Lost the race to another writer; assign already logged it.
		return fmt.Errorf("%w: %s is bound to %s", ErrConflict, internalID, existing)
	}
	if existing != eventUID {
		r.conflict(internalID, existing, eventUID, SourceBind)
		return fmt.Errorf("%w: %s is bound to %s", ErrConflict, internalID, existing)
	}
	return nil
}

// Lookup returns the UID bound to internalID or ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, internalID string) (string, error) {
	existing, err := r.bound(ctx, strings.TrimSpace(internalID))
	if err != nil {
		return "", err
	}
	if existing == "" {
		return "", ErrNotFound
	}
	return existing, nil
}

// PriorSequence returns the SEQUENCE of rawDocument, or of the stored
// document of internalID when rawDocument carries none.
func (r *Registry) PriorSequence(ctx context.Context, internalID, rawDocument string) (int, bool) {
	if n, ok := ics.ExtractSequence(rawDocument); ok {
		return n, true
	}
	if r.docs == nil || strings.TrimSpace(internalID) == "" {
		return 0, false
	}
	stored, err := r.docs.RawDocument(ctx, internalID)
	if err != nil {
		appLog.Error("identity stored document unavailable", err, "internal_id", internalID)
		return 0, false
	}
	return ics.ExtractSequence(stored)
}

// RegisterExternalMapping records that externalUID, seen in a foreign
// calendar, refers to the event whose UID is internalUID. An existing
// mapping to a different UID wins and ErrConflict is returned.
func (r *Registry) RegisterExternalMapping(ctx context.Context, externalUID, internalUID string) error {
	externalUID = cleanUID(externalUID)
	internalUID = cleanUID(internalUID)
	if externalUID == "" || internalUID == "" {
		return ErrMissingID
	}

	if v, ok := r.external.Load(externalUID); ok {
		if existing := v.(string); existing != internalUID {
			r.conflict(externalUID, existing, internalUID, "external")
			return fmt.Errorf("%w: external %s maps to %s", ErrConflict, externalUID, existing)
		}
		return nil
	}

	err := r.store.PutExternal(ctx, externalUID, internalUID)
	if errors.Is(err, ErrConflict) {
		existing, gerr := r.store.GetExternal(ctx, externalUID)
		if gerr != nil {
			return fmt.Errorf("identity: load external %s: %w", externalUID, gerr)
		}
		r.external.Store(externalUID, existing)
		r.conflict(externalUID, existing, internalUID, "external")
		return fmt.Errorf("%w: external %s maps to %s", ErrConflict, externalUID, existing)
	}
	if err != nil {
		return fmt.Errorf("identity: save external %s: %w", externalUID, err)
	}
	r.external.Store(externalUID, internalUID)
	appLog.Debug("identity external mapping registered", "external_uid", externalUID, "uid", internalUID)
	return nil
}

// LookupInternalUID returns the internal UID mapped to externalUID, or
// externalUID itself when no mapping exists.
func (r *Registry) LookupInternalUID(ctx context.Context, externalUID string) string {
	externalUID = cleanUID(externalUID)
	if v, ok := r.external.Load(externalUID); ok {
		return v.(string)
	}
	internalUID, err := r.store.GetExternal(ctx, externalUID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			appLog.Error("identity external lookup failed", err, "external_uid", externalUID)
		}
		return externalUID
	}
	r.external.Store(externalUID, internalUID)
	return internalUID
}

// Stats is a point-in-time view of the registry cache and counters.
type Stats struct {
	Bindings         int   `json:"bindings"`
	ExternalMappings int   `json:"external_mappings"`
	Assigned         int64 `json:"assigned"`
	Conflicts        int64 `json:"conflicts"`
}

func (r *Registry) Stats() Stats {
	s := Stats{
		Assigned:  r.assigned.Load(),
		Conflicts: r.conflicts.Load(),
	}
	r.bindings.Range(func(_, _ any) bool {
		s.Bindings++
		return true
	})
	r.external.Range(func(_, _ any) bool {
		s.ExternalMappings++
		return true
	})
	return s
}

func (r *Registry) lock(internalID string) func() {
	v, _ := r.locks.LoadOrStore(internalID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// bound returns the cached or stored UID of internalID, "" when unbound.
func (r *Registry) bound(ctx context.Context, internalID string) (string, error) {
	if v, ok := r.bindings.Load(internalID); ok {
		return v.(string), nil
	}
	rec, err := r.store.GetIdentity(ctx, internalID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("identity: load %s: %w", internalID, err)
	}
	r.bindings.Store(internalID, rec.UID)
	return rec.UID, nil
}

// assign persists a first binding. The caller holds the id lock.
func (r *Registry) assign(ctx context.Context, internalID, eventUID, source string) (string, error) {
	now := r.now().UTC()
	err := r.store.CreateIdentity(ctx, Record{
		InternalID: internalID,
		UID:        eventUID,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if errors.Is(err, ErrConflict) {
		// Another process sharing the store bound the id first.
		rec, gerr := r.store.GetIdentity(ctx, internalID)
		if gerr != nil {
			return "", fmt.Errorf("identity: load %s: %w", internalID, gerr)
		}
		r.bindings.Store(internalID, rec.UID)
		if rec.UID != eventUID {
			r.conflict(internalID, rec.UID, eventUID, source)
		}
		return rec.UID, nil
	}
	if err != nil {
		return "", fmt.Errorf("identity: bind %s: %w", internalID, err)
	}

	r.bindings.Store(internalID, eventUID)
	r.assigned.Add(1)
	appLog.Info("identity uid assigned", "internal_id", internalID, "uid", eventUID, "source", source)
	notify.Emit(ctx, r.notifier, notify.Event{InternalID: internalID, UID: eventUID, Operation: notify.OpUIDAssigned})
	return eventUID, nil
}

func (r *Registry) rejectCandidates(internalID, existing string, candidates ...string) {
	for _, c := range candidates {
		if c != "" && c != existing {
			r.conflict(internalID, existing, c, "resolve")
		}
	}
}

func (r *Registry) conflict(key, existing, rejected, source string) {
	r.conflicts.Add(1)
	appLog.Warn("identity conflict, existing binding wins", "key", key, "uid", existing, "rejected", rejected, "source", source)
}

func cleanUID(s string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", "", "\n", "").Replace(s))
}
