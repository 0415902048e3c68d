package ics

import (
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	eical "github.com/emersion/go-ical"
)

func TestFold(t *testing.T) {
	testCases := []struct {
		Name string
		Line string
	}{
		{Name: "short", Line: "SUMMARY:hi"},
		{Name: "exact", Line: "DESCRIPTION:" + strings.Repeat("x", 75-len("DESCRIPTION:"))},
		{Name: "long-ascii", Line: "DESCRIPTION:" + strings.Repeat("abcdefghij", 40)},
		{Name: "long-utf8", Line: "SUMMARY:" + strings.Repeat("日本語のテキスト", 20)},
		{Name: "emoji", Line: "LOCATION:" + strings.Repeat("🙂", 50)},
	}

	for _, tCase := range testCases {
		t.Run(tCase.Name, func(t *testing.T) {
			folded := Fold(tCase.Line)
			if !strings.HasSuffix(folded, "\r\n") {
				t.Fatalf("missing CRLF: %q", folded)
			}
			physical := strings.Split(strings.TrimSuffix(folded, "\r\n"), "\r\n")
			for i, p := range physical {
				if len(p) > 75 {
					t.Errorf("line %d is %d octets", i, len(p))
				}
				if i > 0 && (len(p) < 2 || p[0] != ' ' || p[1] == ' ') {
					t.Errorf("continuation %d not prefixed by exactly one space: %q", i, p)
				}
				if !utf8.ValidString(p) {
					t.Errorf("line %d splits a rune: %q", i, p)
				}
			}
			unfolded := unfold(folded)
			if unfolded[0].text != tCase.Line {
				t.Errorf("unfold(Fold(x)) != x")
			}
		})
	}
}

func TestFoldInvalidUTF8(t *testing.T) {
	line := "SUMMARY:" + strings.Repeat("\x80", 100)
	folded := Fold(line)
	physical := strings.Split(strings.TrimSuffix(folded, "\r\n"), "\r\n")
	if len(physical) != 2 {
		t.Fatalf("physical lines = %d", len(physical))
	}
	for i, p := range physical {
		if len(p) > 75 {
			t.Errorf("line %d is %d octets", i, len(p))
		}
	}
	if got := unfold(folded)[0].text; got != line {
		t.Errorf("unfold(Fold(x)) != x")
	}
}

func TestEscapeText(t *testing.T) {
	in := "a\\b;c,d\ne\r\nf"
	want := `a\\b\;c\,d\ne\nf`
	if got := EscapeText(in); got != want {
		t.Errorf("EscapeText = %q, want %q", got, want)
	}
	if got := UnescapeText(want); got != "a\\b;c,d\ne\nf" {
		t.Errorf("UnescapeText = %q", got)
	}
}

func TestSerializeOrder(t *testing.T) {
	cal := NewCalendar("-//Test//EN", MethodRequest)
	cal.Props = append(cal.Props, Property{Name: "X-WR-CALNAME", Value: "Team"})
	cal.Events = []*Event{{
		UID:         "o@x",
		DTStamp:     time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC),
		Start:       UTC(time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)),
		End:         UTC(time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)),
		Summary:     "Plan",
		Description: "Notes",
		Location:    "Room 1",
		Organizer:   &Organizer{Email: "org@x", Name: "Org"},
		Sequence:    2,
		Status:      StatusConfirmed,
		RRule:       "FREQ=DAILY;COUNT=2",
		Other:       []Property{{Name: "TRANSP", Value: "OPAQUE"}},
		Attendees:   []Attendee{{Email: "a@x", PartStat: PartStatNeedsAction}},
		Extensions:  []Property{{Name: "X-A", Value: "1"}, {Name: "X-B", Value: "2"}},
	}}

	want := crlfJoin(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Test//EN",
		"CALSCALE:GREGORIAN",
		"METHOD:REQUEST",
		"X-WR-CALNAME:Team",
		"BEGIN:VEVENT",
		"UID:o@x",
		"DTSTAMP:20250101T080000Z",
		"DTSTART:20250102T090000Z",
		"DTEND:20250102T100000Z",
		"SUMMARY:Plan",
		"DESCRIPTION:Notes",
		"LOCATION:Room 1",
		"ORGANIZER;CN=Org:mailto:org@x",
		"SEQUENCE:2",
		"STATUS:CONFIRMED",
		"RRULE:FREQ=DAILY;COUNT=2",
		"TRANSP:OPAQUE",
		"ATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:a@x",
		"X-A:1",
		"X-B:2",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	if got := Serialize(cal); got != want {
		t.Errorf("Serialize mismatch\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestSerializeQuotesParams(t *testing.T) {
	a := Attendee{Email: "r@x", Name: `Room "A", east`, Params: []Param{{Name: ParamResourceAdmin, Values: []string{"mailto:fac@x"}}}}
	got := formatAttendee(a)
	want := `ATTENDEE;CN="Room A, east";X-RESOURCE-ADMIN="mailto:fac@x":mailto:r@x`
	if got != want {
		t.Errorf("formatAttendee = %q, want %q", got, want)
	}
}

func TestSerializeDateForms(t *testing.T) {
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	wall := time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC)
	cases := []struct {
		DT   DateTime
		Want string
	}{
		{DT: Date(day), Want: "DTSTART;VALUE=DATE:20250301"},
		{DT: DateTime{Time: wall, TZID: "America/New_York"}, Want: "DTSTART;TZID=America/New_York:20250301T143000"},
		{DT: DateTime{Time: wall, Floating: true}, Want: "DTSTART:20250301T143000"},
		{DT: UTC(wall.In(time.FixedZone("X", 3600))), Want: "DTSTART:20250301T143000Z"},
	}
	for _, c := range cases {
		if got := formatDateTime("DTSTART", c.DT); got != c.Want {
			t.Errorf("formatDateTime = %q, want %q", got, c.Want)
		}
	}
}

func sampleCalendar() *Calendar {
	cal := NewCalendar("", MethodRequest)
	cal.Props = append(cal.Props, Property{Name: "X-WR-CALNAME", Value: "Ops"})
	cal.Events = []*Event{{
		UID:         "rt@x",
		DTStamp:     time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC),
		Start:       DateTime{Time: time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC), TZID: "Europe/Berlin"},
		End:         DateTime{Time: time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC), TZID: "Europe/Berlin"},
		Summary:     "Quarterly review; budget, " + strings.Repeat("long title ", 10),
		Description: "Line one\nLine two with \\ backslash",
		Location:    "HQ, floor 3",
		Status:      StatusConfirmed,
		Sequence:    5,
		HasSequence: true,
		Organizer:   &Organizer{Email: "boss@x", Name: "The Boss"},
		Attendees: []Attendee{
			{Email: "a@x", Name: "A, Person", Role: RoleRequired, PartStat: "ACCEPTED", Params: []Param{{Name: "RSVP", Values: []string{"TRUE"}}}},
			{Email: "room@x", Name: "Room 7", CUType: CUTypeResource, Role: RoleNonParticipant, PartStat: PartStatNeedsAction,
				Params: []Param{{Name: ParamResourceCapacity, Values: []string{"8"}}, {Name: ParamResourceAdmin, Values: []string{"mailto:fac@x"}}}},
		},
		RRule:      "FREQ=WEEKLY;BYDAY=MO,WE",
		Other:      []Property{{Name: "TRANSP", Value: "OPAQUE"}},
		Extensions: []Property{{Name: "X-ZETA", Value: "last"}, {Name: "X-ALPHA", Params: []Param{{Name: "X-P", Values: []string{"a", "b"}}}, Value: "first"}},
	}}
	return cal
}

func TestRoundTrip(t *testing.T) {
	cal := sampleCalendar()
	text := Serialize(cal)

	back, diags := Parse(text)
	if len(diags) != 0 {
		t.Fatalf("diags = %v", diags)
	}
	if !reflect.DeepEqual(cal, back) {
		t.Errorf("round trip mismatch\nwant: %+v\ngot:  %+v", cal.Events[0], back.Events[0])
	}
	if again := Serialize(back); again != text {
		t.Errorf("serialize is not stable\nfirst:\n%s\nsecond:\n%s", text, again)
	}
}

func TestSerializeAcceptedByGoICal(t *testing.T) {
	text := Serialize(sampleCalendar())

	cal, err := eical.NewDecoder(strings.NewReader(text)).Decode()
	if err != nil {
		t.Fatalf("go-ical decode: %v", err)
	}
	events := cal.Events()
	if len(events) != 1 {
		t.Fatalf("go-ical saw %d events", len(events))
	}
	if got := events[0].Props.Get(eical.PropUID).Value; got != "rt@x" {
		t.Errorf("go-ical uid = %q", got)
	}
	if got := len(events[0].Props.Values(eical.PropAttendee)); got != 2 {
		t.Errorf("go-ical attendees = %d", got)
	}
	summary, err := events[0].Props.Text(eical.PropSummary)
	if err != nil || !strings.HasPrefix(summary, "Quarterly review; budget, long title") {
		t.Errorf("go-ical summary = %q, %v", summary, err)
	}
}
