package ics

import (
	"strconv"
	"strings"
	"time"

	"calcodec/internal/model"
	"calcodec/internal/uid"
)

const (
	DefaultProdID = "-//calcodec//calcodec 1.0//EN"
	defaultTitle  = "Untitled event"
)

// Options carries the environment of the mutators: a clock, the PRODID
// to stamp on new documents and the UID source used when no identifier
// can be recovered.
type Options struct {
	ProdID      string
	Now         func() time.Time
	GenerateUID func() string

	// Rebuild makes TransformToCancellation skip the property-preserving
	// transform and always emit the minimal document.
	Rebuild bool
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC().Truncate(time.Second)
	}
	return time.Now().UTC().Truncate(time.Second)
}

func (o Options) prodID() string {
	if strings.TrimSpace(o.ProdID) != "" {
		return o.ProdID
	}
	return DefaultProdID
}

func (o Options) newUID() string {
	if o.GenerateUID != nil {
		if u := cleanUID(o.GenerateUID()); u != "" {
			return u
		}
	}
	return uid.NewGenerator(uid.DefaultDomain).New()
}

// BuildInvitation produces a METHOD:REQUEST document for a new or
// edited event. The caller owns UID issuance; SEQUENCE is 0 unless
// data.Sequence carries the revision of an edit.
func BuildInvitation(data model.EventData, eventUID string, opts Options) (*Calendar, error) {
	eventUID = cleanUID(eventUID)
	if eventUID == "" {
		return nil, invalidData("uid is required")
	}
	if strings.TrimSpace(data.Title) == "" && strings.TrimSpace(data.Organizer.Email) == "" {
		return nil, invalidData("event %q has neither title nor organizer", data.InternalID)
	}
	if data.Start.IsZero() {
		return nil, invalidData("event %q has no start time", data.InternalID)
	}
	if !data.End.IsZero() && data.End.Before(data.Start) {
		return nil, invalidData("event %q ends before it starts", data.InternalID)
	}

	rule, err := recurrenceFor(data)
	if err != nil {
		return nil, err
	}

	ev := eventFromData(data, eventUID, opts.now())
	ev.Status = StatusConfirmed
	ev.RRule = rule
	if data.Sequence != nil && *data.Sequence > 0 {
		ev.Sequence = *data.Sequence
	}
	ev.HasSequence = true

	cal := NewCalendar(opts.prodID(), MethodRequest)
	cal.Events = []*Event{ev}
	return cal, nil
}

// eventFromData maps caller data onto a VEVENT without validation; the
// cancellation fallback relies on it never failing.
func eventFromData(data model.EventData, eventUID string, now time.Time) *Event {
	ev := &Event{
		UID:         eventUID,
		DTStamp:     now,
		Summary:     strings.TrimSpace(data.Title),
		Description: data.Description,
		Location:    data.Location,
	}
	if ev.Summary == "" {
		ev.Summary = defaultTitle
	}

	if !data.Start.IsZero() {
		if data.AllDay {
			ev.Start = Date(data.Start)
			end := data.End
			if end.IsZero() || !end.After(data.Start) {
				end = data.Start.AddDate(0, 0, 1)
			}
			ev.End = Date(end)
		} else {
			ev.Start = UTC(data.Start)
			end := data.End
			if end.IsZero() {
				end = data.Start.Add(time.Hour)
			}
			ev.End = UTC(end)
		}
	}

	if email := strings.TrimSpace(data.Organizer.Email); email != "" {
		ev.Organizer = &Organizer{Email: email, Name: data.Organizer.Name}
	}

	attendees := make([]Attendee, 0, len(data.Attendees)+len(data.Resources))
	for _, p := range data.Attendees {
		attendees = append(attendees, personAttendee(p))
	}
	for _, r := range data.Resources {
		attendees = append(attendees, resourceAttendee(r))
	}
	ev.Attendees = DedupAttendees(attendees)

	for _, x := range data.Extensions {
		name := strings.ToUpper(strings.TrimSpace(x.Name))
		if name == "" {
			continue
		}
		if !strings.HasPrefix(name, "X-") {
			name = "X-" + name
		}
		ev.Extensions = append(ev.Extensions, Property{Name: name, Value: EscapeText(x.Value)})
	}
	return ev
}

func personAttendee(p model.Person) Attendee {
	a := Attendee{
		Email:    strings.TrimSpace(p.Email),
		Name:     p.Name,
		Role:     strings.ToUpper(p.Role),
		PartStat: strings.ToUpper(p.PartStat),
		Params:   []Param{{Name: "RSVP", Values: []string{"TRUE"}}},
	}
	if a.Role == "" {
		a.Role = RoleRequired
	}
	if a.PartStat == "" {
		a.PartStat = PartStatNeedsAction
	}
	return a
}

func resourceAttendee(r model.Resource) Attendee {
	a := Attendee{
		Email:    strings.TrimSpace(r.Email),
		Name:     r.Name,
		Role:     RoleNonParticipant,
		CUType:   CUTypeResource,
		PartStat: PartStatNeedsAction,
	}
	if r.Capacity > 0 {
		a.Params = append(a.Params, Param{Name: ParamResourceCapacity, Values: []string{strconv.Itoa(r.Capacity)}})
	}
	if admin := strings.TrimSpace(r.Admin); admin != "" {
		a.Params = append(a.Params, Param{Name: ParamResourceAdmin, Values: []string{admin}})
	}
	return a
}

func cleanUID(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
