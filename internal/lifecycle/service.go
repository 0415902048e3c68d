// Package lifecycle drives an event through scheduling, updates and
// cancellation: identity, document, persistence, delivery, notification.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"calcodec/internal/delivery"
	"calcodec/internal/ics"
	"calcodec/internal/identity"
	appLog "calcodec/internal/log"
	"calcodec/internal/model"
	"calcodec/internal/notify"
)

var (
	// ErrEventClosed is returned for any mutation of a cancelled event.
	ErrEventClosed = errors.New("lifecycle: event is cancelled")
	// ErrDelivery wraps delivery failures. The state change it follows
	// has already been persisted.
	ErrDelivery = errors.New("lifecycle: delivery failed")
)

// EventStore persists event records. GetEvent returns
// identity.ErrNotFound for unknown ids.
type EventStore interface {
	GetEvent(ctx context.Context, internalID string) (model.EventRecord, error)
	SaveEvent(ctx context.Context, r model.EventRecord) error
}

type Options struct {
	ProdID string
	// Rebuild selects the minimal cancellation document.
	Rebuild bool
	Now     func() time.Time
}

// Outcome describes the document produced by one lifecycle operation.
type Outcome struct {
	InternalID  string
	UID         string
	Method      ics.Method
	Sequence    int
	Document    string
	Fallback    bool
	Diagnostics []ics.Diagnostic
}

type Service struct {
	registry  *identity.Registry
	events    EventStore
	deliverer delivery.Deliverer
	notifier  notify.Notifier
	opts      Options

	locks sync.Map
}

func NewService(registry *identity.Registry, events EventStore, deliverer delivery.Deliverer, notifier notify.Notifier, opts Options) *Service {
	if deliverer == nil {
		deliverer = delivery.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		registry:  registry,
		events:    events,
		deliverer: deliverer,
		notifier:  notifier,
		opts:      opts,
	}
}

func (s *Service) icsOptions() ics.Options {
	return ics.Options{
		ProdID:      s.opts.ProdID,
		Now:         s.opts.Now,
		GenerateUID: s.registry.GenerateUID,
		Rebuild:     s.opts.Rebuild,
	}
}

// Schedule issues the invitation for a new event, or an update when the
// event is already known.
func (s *Service) Schedule(ctx context.Context, data model.EventData) (*Outcome, error) {
	return s.request(ctx, data, false)
}

// Update re-issues the invitation of a known event with SEQUENCE raised
// by one, or to data.Sequence when that is higher.
func (s *Service) Update(ctx context.Context, data model.EventData) (*Outcome, error) {
	return s.request(ctx, data, true)
}

func (s *Service) request(ctx context.Context, data model.EventData, mustExist bool) (*Outcome, error) {
	id := strings.TrimSpace(data.InternalID)
	if id == "" {
		return nil, identity.ErrMissingID
	}
	unlock := s.lock(id)
	defer unlock()

	rec, found, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if mustExist && !found {
		return nil, fmt.Errorf("lifecycle: update %s: %w", id, identity.ErrNotFound)
	}
	if found && rec.Closed() {
		return nil, fmt.Errorf("%w: %s", ErrEventClosed, id)
	}

	eventUID, err := s.registry.ResolveUID(ctx, id, data.UID, "")
	if err != nil {
		return nil, err
	}

	op, seq := notify.OpScheduled, 0
	if found {
		op, seq = notify.OpUpdated, rec.Sequence+1
	}
	if data.Sequence != nil && *data.Sequence > seq {
		seq = *data.Sequence
	}
	data.InternalID = id
	data.Sequence = model.IntPtr(seq)

	cal, err := ics.BuildInvitation(data, eventUID, s.icsOptions())
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		InternalID: id,
		UID:        eventUID,
		Method:     ics.MethodRequest,
		Sequence:   seq,
		Document:   ics.Serialize(cal),
	}
	return out, s.commit(ctx, out, model.StatusScheduled, op)
}

// Cancel issues the cancellation of an event. rawDocument is the last
// document sent to attendees; when empty, or older than the stored one,
// the stored document is used. Cancel fails only on invalid ids, store
// errors, or an event that is already cancelled.
func (s *Service) Cancel(ctx context.Context, data model.EventData, rawDocument string) (*Outcome, error) {
	id := strings.TrimSpace(data.InternalID)
	if id == "" {
		return nil, identity.ErrMissingID
	}
	unlock := s.lock(id)
	defer unlock()

	rec, found, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if found && rec.Closed() {
		return nil, fmt.Errorf("%w: %s", ErrEventClosed, id)
	}
	if found {
		if n, ok := ics.ExtractSequence(rawDocument); strings.TrimSpace(rawDocument) == "" || !ok || n < rec.Sequence {
			rawDocument = rec.RawDocument
		}
		if data.Sequence == nil || *data.Sequence < rec.Sequence {
			data.Sequence = model.IntPtr(rec.Sequence)
		}
	}

	eventUID, err := s.registry.ResolveUID(ctx, id, data.UID, rawDocument)
	if err != nil {
		return nil, err
	}
	data.InternalID = id
	data.UID = eventUID

	res := ics.TransformRawToCancellation(rawDocument, data, s.icsOptions())
	if res.UID != eventUID {
		// Recipients know the document UID; keep it and remember the alias.
		appLog.Warn("lifecycle cancellation uid differs from binding", "internal_id", id, "uid", eventUID, "document_uid", res.UID)
		if err := s.registry.RegisterExternalMapping(ctx, res.UID, eventUID); err != nil {
			appLog.Error("lifecycle alias not recorded", err, "internal_id", id, "document_uid", res.UID)
		}
	}
	if found && res.Sequence <= rec.Sequence {
		// The stored record is ahead of every document we could read.
		data.Sequence = model.IntPtr(rec.Sequence)
		res = ics.TransformToCancellation(nil, data, s.icsOptions())
	}

	out := &Outcome{
		InternalID:  id,
		UID:         res.UID,
		Method:      ics.MethodCancel,
		Sequence:    res.Sequence,
		Document:    res.Text,
		Fallback:    res.Fallback,
		Diagnostics: res.Diagnostics,
	}
	return out, s.commit(ctx, out, model.StatusCancelled, notify.OpCancelled)
}

// commit persists, delivers and notifies, in that order.
func (s *Service) commit(ctx context.Context, out *Outcome, status string, op notify.Operation) error {
	recordUID, err := s.registry.Lookup(ctx, out.InternalID)
	if err != nil {
		return err
	}
	err = s.events.SaveEvent(ctx, model.EventRecord{
		InternalID:  out.InternalID,
		UID:         recordUID,
		RawDocument: out.Document,
		Sequence:    out.Sequence,
		Status:      status,
		UpdatedAt:   s.opts.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("lifecycle: save %s: %w", out.InternalID, err)
	}

	err = s.deliverer.Deliver(ctx, delivery.Message{
		InternalID:  out.InternalID,
		UID:         out.UID,
		Method:      string(out.Method),
		Sequence:    out.Sequence,
		ContentType: ics.ContentType(out.Method),
		Body:        []byte(out.Document),
	})
	if err != nil {
		appLog.Error("lifecycle delivery failed", err, "internal_id", out.InternalID, "uid", out.UID, "method", out.Method)
		err = fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	notify.Emit(ctx, s.notifier, notify.Event{InternalID: out.InternalID, UID: out.UID, Operation: op})
	appLog.Info("lifecycle "+string(op), "internal_id", out.InternalID, "uid", out.UID, "sequence", out.Sequence)
	return err
}

func (s *Service) load(ctx context.Context, id string) (model.EventRecord, bool, error) {
	rec, err := s.events.GetEvent(ctx, id)
	if errors.Is(err, identity.ErrNotFound) {
		return model.EventRecord{}, false, nil
	}
	if err != nil {
		return model.EventRecord{}, false, fmt.Errorf("lifecycle: load %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *Service) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
