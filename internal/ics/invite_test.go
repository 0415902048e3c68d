package ics

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	eical "github.com/emersion/go-ical"

	"calcodec/internal/model"
)

var fixedNow = time.Date(2025, 5, 1, 8, 30, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		ProdID:      "-//Test//EN",
		Now:         func() time.Time { return fixedNow },
		GenerateUID: func() string { return "generated@test" },
	}
}

func sampleEventData() model.EventData {
	return model.EventData{
		InternalID:  "evt-1",
		Title:       "Planning, Q3",
		Description: "Bring numbers; slides\nand coffee",
		Location:    "Room 4",
		Start:       time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC),
		End:         time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC),
		Organizer:   model.Person{Email: "lead@example.com", Name: "Lead"},
		Attendees: []model.Person{
			{Email: "ann@example.com", Name: "Ann"},
			{Email: "bob@example.com", PartStat: "accepted", Role: "OPT-PARTICIPANT"},
			{Email: "ANN@example.com"},
		},
		Resources: []model.Resource{
			{Email: "room4@example.com", Name: "Room 4", Capacity: 10, Admin: "mailto:facilities@example.com"},
		},
		Recurrence: &model.RecurrencePattern{Frequency: "WEEKLY", Weekdays: []string{"FR"}, Count: 4},
		Extensions: []model.Extension{
			{Name: "X-APP-ID", Value: "42"},
			{Name: "origin", Value: "web, mobile"},
		},
	}
}

func TestBuildInvitation(t *testing.T) {
	cal, err := BuildInvitation(sampleEventData(), "inv-1@example.com", testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if cal.Method() != MethodRequest {
		t.Errorf("method = %q", cal.Method())
	}
	if len(cal.Events) != 1 {
		t.Fatalf("events = %d", len(cal.Events))
	}
	ev := cal.Events[0]
	if ev.UID != "inv-1@example.com" || ev.Status != StatusConfirmed || ev.Sequence != 0 {
		t.Errorf("uid/status/sequence = %q/%q/%d", ev.UID, ev.Status, ev.Sequence)
	}
	if !ev.DTStamp.Equal(fixedNow) {
		t.Errorf("dtstamp = %v", ev.DTStamp)
	}
	if len(ev.Attendees) != 3 {
		t.Fatalf("attendees = %+v", ev.Attendees)
	}
	ann := ev.Attendees[0]
	if ann.Email != "ann@example.com" || ann.Name != "Ann" || ann.PartStat != PartStatNeedsAction || ann.Role != RoleRequired {
		t.Errorf("ann = %+v", ann)
	}
	if bob := ev.Attendees[1]; bob.PartStat != "ACCEPTED" || bob.Role != "OPT-PARTICIPANT" {
		t.Errorf("bob = %+v", bob)
	}
	room := ev.Attendees[2]
	if !room.IsResource() || room.Capacity() != 10 || room.Role != RoleNonParticipant || room.PartStat != PartStatNeedsAction {
		t.Errorf("room = %+v", room)
	}
	if ev.RRule == "" || ruleParts(ev.RRule)["BYDAY"] != "FR" {
		t.Errorf("rrule = %q", ev.RRule)
	}
	if len(ev.Extensions) != 2 || ev.Extensions[1].Name != "X-ORIGIN" || ev.Extensions[1].Value != `web\, mobile` {
		t.Errorf("extensions = %+v", ev.Extensions)
	}
}

func TestBuildInvitationRoundTrip(t *testing.T) {
	data := sampleEventData()
	data.Sequence = model.IntPtr(3)
	cal, err := BuildInvitation(data, "inv-2@example.com", testOptions())
	if err != nil {
		t.Fatal(err)
	}
	text := Serialize(cal)
	for i, line := range strings.Split(strings.TrimSuffix(text, "\r\n"), "\r\n") {
		if len(line) > 75 {
			t.Errorf("line %d exceeds 75 octets", i)
		}
	}

	back, diags := Parse(text)
	if len(diags) != 0 {
		t.Fatalf("diags = %v", diags)
	}
	want, got := cal.Events[0], back.Event("inv-2@example.com")
	if got == nil {
		t.Fatal("event not found after round trip")
	}
	if got.UID != want.UID || got.Sequence != 3 || got.Status != want.Status {
		t.Errorf("uid/sequence/status = %q/%d/%q", got.UID, got.Sequence, got.Status)
	}
	if got.Summary != want.Summary || got.Description != want.Description {
		t.Errorf("text = %q / %q", got.Summary, got.Description)
	}
	if len(got.Attendees) != len(want.Attendees) {
		t.Fatalf("attendees = %d, want %d", len(got.Attendees), len(want.Attendees))
	}
	for i := range want.Attendees {
		if got.Attendees[i].Key() != want.Attendees[i].Key() || got.Attendees[i].PartStat != want.Attendees[i].PartStat {
			t.Errorf("attendee %d = %+v, want %+v", i, got.Attendees[i], want.Attendees[i])
		}
	}
	if len(got.Extensions) != 2 {
		t.Fatalf("extensions = %+v", got.Extensions)
	}
	for i := range want.Extensions {
		if !reflect.DeepEqual(got.Extensions[i], want.Extensions[i]) {
			t.Errorf("extension %d = %+v, want %+v", i, got.Extensions[i], want.Extensions[i])
		}
	}
	if again := Serialize(back); again != text {
		t.Errorf("second serialization differs")
	}

	decoded, err := eical.NewDecoder(strings.NewReader(text)).Decode()
	if err != nil {
		t.Fatalf("go-ical decode: %v", err)
	}
	if m := decoded.Props.Get(eical.PropMethod); m == nil || m.Value != "REQUEST" {
		t.Errorf("go-ical method = %+v", m)
	}
}

func TestBuildInvitationDefaults(t *testing.T) {
	start := time.Date(2025, 7, 4, 15, 0, 0, 0, time.UTC)
	cal, err := BuildInvitation(model.EventData{Title: "Quick", Start: start}, "d@x", Options{})
	if err != nil {
		t.Fatal(err)
	}
	ev := cal.Events[0]
	if !ev.End.Time.Equal(start.Add(time.Hour)) {
		t.Errorf("end = %v", ev.End.Time)
	}
	if cal.Get("PRODID") != DefaultProdID {
		t.Errorf("prodid = %q", cal.Get("PRODID"))
	}

	cal, err = BuildInvitation(model.EventData{Organizer: model.Person{Email: "o@x"}, Start: start, AllDay: true}, "d2@x", Options{})
	if err != nil {
		t.Fatal(err)
	}
	ev = cal.Events[0]
	if ev.Summary != defaultTitle || !ev.Start.AllDay || ev.End.Time.Day() != 5 {
		t.Errorf("all-day event = %+v", ev)
	}
	if !strings.Contains(Serialize(cal), "DTSTART;VALUE=DATE:20250704\r\n") {
		t.Errorf("missing all-day DTSTART")
	}
}

func TestBuildInvitationErrors(t *testing.T) {
	start := time.Date(2025, 7, 4, 15, 0, 0, 0, time.UTC)
	testCases := []struct {
		Name string
		Data model.EventData
		UID  string
	}{
		{Name: "no-uid", Data: model.EventData{Title: "x", Start: start}, UID: " \r\n"},
		{Name: "no-title-no-organizer", Data: model.EventData{Start: start}, UID: "u@x"},
		{Name: "no-start", Data: model.EventData{Title: "x"}, UID: "u@x"},
		{Name: "end-before-start", Data: model.EventData{Title: "x", Start: start, End: start.Add(-time.Minute)}, UID: "u@x"},
		{Name: "bad-recurrence", Data: model.EventData{Title: "x", Start: start, Recurrence: &model.RecurrencePattern{Frequency: "never"}}, UID: "u@x"},
	}
	for _, tCase := range testCases {
		t.Run(tCase.Name, func(t *testing.T) {
			if _, err := BuildInvitation(tCase.Data, tCase.UID, Options{}); !errors.Is(err, ErrInvalidEventData) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestContentType(t *testing.T) {
	if got := ContentType(MethodCancel); got != "text/calendar; charset=utf-8; method=CANCEL" {
		t.Errorf("ContentType = %q", got)
	}
}
