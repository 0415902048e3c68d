package model

import "time"

// Person is an organizer or attendee as supplied by the caller.
type Person struct {
	Email string `yaml:"email" json:"email"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`

	// Role is an RFC 5545 ROLE value (REQ-PARTICIPANT, OPT-PARTICIPANT,
	// NON-PARTICIPANT, CHAIR). Empty means REQ-PARTICIPANT.
	Role string `yaml:"role,omitempty" json:"role,omitempty"`

	// PartStat is an RFC 5545 PARTSTAT value. Empty means NEEDS-ACTION.
	PartStat string `yaml:"partstat,omitempty" json:"partstat,omitempty"`
}

// Resource is a bookable asset (room, projector...) invited as a
// CUTYPE=RESOURCE attendee.
type Resource struct {
	Email    string `yaml:"email" json:"email"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	Capacity int    `yaml:"capacity,omitempty" json:"capacity,omitempty"`
	Admin    string `yaml:"admin,omitempty" json:"admin,omitempty"`
}

// RecurrencePattern is the structured form of a recurrence rule.
type RecurrencePattern struct {
	// Frequency is one of DAILY, WEEKLY, MONTHLY, YEARLY (case-insensitive).
	Frequency string `yaml:"frequency" json:"frequency"`
	Interval  int    `yaml:"interval,omitempty" json:"interval,omitempty"`
	// Weekdays holds two-letter RFC 5545 day codes (MO, TU, ...).
	Weekdays []string `yaml:"weekdays,omitempty" json:"weekdays,omitempty"`

	// End condition: at most one of Count/Until is honoured, Count first.
	Count int       `yaml:"count,omitempty" json:"count,omitempty"`
	Until time.Time `yaml:"until,omitempty" json:"until,omitempty"`
}

// Extension is a caller-supplied X- property carried on the VEVENT.
type Extension struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// EventData is the caller's description of an event, used to build
// invitations and as the fallback source for cancellations.
type EventData struct {
	InternalID string `yaml:"internal_id" json:"internal_id"`
	UID        string `yaml:"uid,omitempty" json:"uid,omitempty"`

	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Location    string `yaml:"location,omitempty" json:"location,omitempty"`

	Start  time.Time `yaml:"start" json:"start"`
	End    time.Time `yaml:"end,omitempty" json:"end,omitempty"`
	AllDay bool      `yaml:"all_day,omitempty" json:"all_day,omitempty"`

	Organizer Person     `yaml:"organizer" json:"organizer"`
	Attendees []Person   `yaml:"attendees,omitempty" json:"attendees,omitempty"`
	Resources []Resource `yaml:"resources,omitempty" json:"resources,omitempty"`

	// Recurrence wins over RawRRule when both are set.
	Recurrence *RecurrencePattern `yaml:"recurrence,omitempty" json:"recurrence,omitempty"`
	RawRRule   string             `yaml:"rrule,omitempty" json:"rrule,omitempty"`

	// Sequence is the caller-supplied revision: the sequence to use for an
	// edit, or the prior sequence when cancelling without a document.
	Sequence *int `yaml:"sequence,omitempty" json:"sequence,omitempty"`

	Extensions []Extension `yaml:"extensions,omitempty" json:"extensions,omitempty"`
}

// Event status values as stored on EventRecord.
const (
	StatusScheduled = "SCHEDULED"
	StatusCancelled = "CANCELLED"
)

// EventRecord is what the persistence collaborator stores per event.
type EventRecord struct {
	InternalID  string    `db:"internal_id" json:"internal_id"`
	UID         string    `db:"uid" json:"uid"`
	RawDocument string    `db:"raw_document" json:"-"`
	Sequence    int       `db:"sequence" json:"sequence"`
	Status      string    `db:"status" json:"status"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Closed reports whether the event has been cancelled.
func (r EventRecord) Closed() bool {
	return r.Status == StatusCancelled
}

// IntPtr is a small helper for filling EventData.Sequence.
func IntPtr(v int) *int {
	return &v
}
