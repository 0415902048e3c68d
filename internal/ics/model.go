package ics

import (
	"strconv"
	"strings"
	"time"
)

// Method is the calendar-level scheduling intent.
type Method string

const (
	MethodRequest Method = "REQUEST"
	MethodCancel  Method = "CANCEL"
	MethodPublish Method = "PUBLISH"
)

// Status is the VEVENT STATUS value.
type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusTentative Status = "TENTATIVE"
	StatusCancelled Status = "CANCELLED"
)

// Attendee parameter values used by the mutators.
const (
	RoleRequired       = "REQ-PARTICIPANT"
	RoleNonParticipant = "NON-PARTICIPANT"

	CUTypeIndividual = "INDIVIDUAL"
	CUTypeResource   = "RESOURCE"

	PartStatNeedsAction = "NEEDS-ACTION"

	ParamResourceCapacity = "X-RESOURCE-CAPACITY"
	ParamResourceAdmin    = "X-RESOURCE-ADMIN"
)

// Param is a single property parameter. Order is preserved on round trip.
type Param struct {
	Name   string
	Values []string
}

// Property is an unparsed content line. Value is kept in wire form
// (still escaped) so that unknown properties survive untouched.
type Property struct {
	Name   string
	Params []Param
	Value  string
}

// Param returns the first value of the named parameter.
func (p Property) Param(name string) string {
	return paramValue(p.Params, name)
}

// RawComponent is a nested component this package does not model
// (VTIMEZONE, VALARM, ...), kept as unfolded content lines.
type RawComponent struct {
	Name  string
	Lines []string
}

// DateTime is a DTSTART/DTEND value. TZID is passed through; the wall
// clock in Time is interpreted in that zone by consumers, not here.
type DateTime struct {
	Time     time.Time
	AllDay   bool
	TZID     string
	Floating bool
}

func (d DateTime) IsZero() bool {
	return d.Time.IsZero()
}

// UTC returns an instant-valued DateTime in UTC.
func UTC(t time.Time) DateTime {
	return DateTime{Time: t.UTC().Truncate(time.Second)}
}

// Date returns an all-day DateTime.
func Date(t time.Time) DateTime {
	return DateTime{Time: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), AllDay: true}
}

// Organizer is the ORGANIZER property in structured form.
type Organizer struct {
	Email  string
	Name   string
	Params []Param
}

// Attendee is one ATTENDEE entry. Params carries everything besides
// CN/ROLE/CUTYPE/PARTSTAT (RSVP, X-RESOURCE-*, DELEGATED-FROM, ...).
type Attendee struct {
	Email    string
	Name     string
	Role     string
	CUType   string
	PartStat string
	Params   []Param
}

// Key is the normalized email used for deduplication.
func (a Attendee) Key() string {
	return normalizeEmail(a.Email)
}

// IsResource reports whether the entry is a bookable resource.
func (a Attendee) IsResource() bool {
	return strings.EqualFold(a.CUType, CUTypeResource) || strings.EqualFold(a.CUType, "ROOM")
}

// Capacity returns the X-RESOURCE-CAPACITY parameter, or 0.
func (a Attendee) Capacity() int {
	n, err := strconv.Atoi(paramValue(a.Params, ParamResourceCapacity))
	if err != nil {
		return 0
	}
	return n
}

// completeness scores how much information an entry carries; the higher
// entry wins when duplicates are merged.
func (a Attendee) completeness() int {
	score := 0
	for _, s := range []string{a.Name, a.Role, a.CUType, a.PartStat} {
		if s != "" {
			score++
		}
	}
	return score + len(a.Params)
}

// Event is a VEVENT.
type Event struct {
	UID         string
	DTStamp     time.Time
	Start       DateTime
	End         DateTime
	Summary     string
	Description string
	Location    string
	Status      Status

	Sequence    int
	HasSequence bool

	Organizer *Organizer
	Attendees []Attendee
	RRule     string

	// Other holds recognized-but-unmodelled properties (CREATED, TRANSP,
	// EXDATE, ...) in input order.
	Other []Property
	// Extensions holds X- properties in input order.
	Extensions []Property
	// Components holds nested components such as VALARM.
	Components []RawComponent
}

// Calendar is a VCALENDAR document.
type Calendar struct {
	// Props holds calendar-level properties (VERSION, PRODID, CALSCALE,
	// METHOD, X-WR-*) in input order.
	Props      []Property
	Components []RawComponent
	Events     []*Event
}

// NewCalendar returns a calendar with VERSION, PRODID, CALSCALE and METHOD set.
func NewCalendar(prodID string, method Method) *Calendar {
	if prodID == "" {
		prodID = DefaultProdID
	}
	c := &Calendar{}
	c.Set("VERSION", "2.0")
	c.Set("PRODID", prodID)
	c.Set("CALSCALE", "GREGORIAN")
	c.Set("METHOD", string(method))
	return c
}

// Get returns the raw value of the named calendar property.
func (c *Calendar) Get(name string) string {
	for _, p := range c.Props {
		if strings.EqualFold(p.Name, name) {
			return p.Value
		}
	}
	return ""
}

// Set replaces the named calendar property, or appends it. Duplicate
// occurrences are dropped so METHOD stays single-valued.
func (c *Calendar) Set(name, value string) {
	name = strings.ToUpper(name)
	out := c.Props[:0]
	found := false
	for _, p := range c.Props {
		if strings.EqualFold(p.Name, name) {
			if found {
				continue
			}
			found = true
			p = Property{Name: name, Value: value}
		}
		out = append(out, p)
	}
	if !found {
		out = append(out, Property{Name: name, Value: value})
	}
	c.Props = out
}

func (c *Calendar) Method() Method {
	return Method(strings.ToUpper(c.Get("METHOD")))
}

// Event returns the event whose UID matches, or the first event when uid
// is empty or unmatched. It returns nil for a calendar without events.
func (c *Calendar) Event(uid string) *Event {
	if len(c.Events) == 0 {
		return nil
	}
	if uid != "" {
		for _, ev := range c.Events {
			if ev.UID == uid {
				return ev
			}
		}
	}
	return c.Events[0]
}

// Clone returns a deep copy.
func (c *Calendar) Clone() *Calendar {
	out := &Calendar{
		Props:      cloneProps(c.Props),
		Components: cloneComponents(c.Components),
	}
	for _, ev := range c.Events {
		out.Events = append(out.Events, ev.Clone())
	}
	return out
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	out := *e
	if e.Organizer != nil {
		org := *e.Organizer
		org.Params = cloneParams(e.Organizer.Params)
		out.Organizer = &org
	}
	out.Attendees = make([]Attendee, len(e.Attendees))
	for i, a := range e.Attendees {
		a.Params = cloneParams(a.Params)
		out.Attendees[i] = a
	}
	out.Other = cloneProps(e.Other)
	out.Extensions = cloneProps(e.Extensions)
	out.Components = cloneComponents(e.Components)
	return &out
}

func cloneParams(in []Param) []Param {
	if in == nil {
		return nil
	}
	out := make([]Param, len(in))
	for i, p := range in {
		out[i] = Param{Name: p.Name, Values: append([]string(nil), p.Values...)}
	}
	return out
}

func cloneProps(in []Property) []Property {
	if in == nil {
		return nil
	}
	out := make([]Property, len(in))
	for i, p := range in {
		p.Params = cloneParams(p.Params)
		out[i] = p
	}
	return out
}

func cloneComponents(in []RawComponent) []RawComponent {
	if in == nil {
		return nil
	}
	out := make([]RawComponent, len(in))
	for i, c := range in {
		out[i] = RawComponent{Name: c.Name, Lines: append([]string(nil), c.Lines...)}
	}
	return out
}

func paramValue(params []Param, name string) string {
	for _, p := range params {
		if strings.EqualFold(p.Name, name) && len(p.Values) > 0 {
			return p.Values[0]
		}
	}
	return ""
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DedupAttendees collapses entries sharing a normalized email into one,
// keeping the position of the first occurrence and the content of the
// most complete occurrence. Entries without an email are dropped.
func DedupAttendees(in []Attendee) []Attendee {
	out := make([]Attendee, 0, len(in))
	index := make(map[string]int, len(in))
	for _, a := range in {
		key := a.Key()
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			if a.completeness() > out[i].completeness() {
				out[i] = a
			}
			continue
		}
		index[key] = len(out)
		out = append(out, a)
	}
	return out
}

// ContentType is the MIME type hint for a document with the given method.
func ContentType(m Method) string {
	if m == "" {
		return "text/calendar; charset=utf-8"
	}
	return "text/calendar; charset=utf-8; method=" + string(m)
}
