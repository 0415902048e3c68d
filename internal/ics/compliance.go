package ics

import (
	"fmt"
	"strconv"
	"strings"

	ical "github.com/arran4/golang-ical"
)

// CheckCompliance verifies that text is a cancellation calendar clients
// will recognize: METHOD:CANCEL, STATUS:CANCELLED, the expected UID, a
// SEQUENCE above priorSequence, balanced components, folded lines, and
// acceptance by an independent iCalendar decoder. It returns the list of
// failed checks; an empty list means compliant.
func CheckCompliance(text, wantUID string, priorSequence int) []string {
	var failures []string

	for i, physical := range strings.Split(strings.TrimSuffix(text, crlf), crlf) {
		if len(physical) > maxLineOctet {
			failures = append(failures, fmt.Sprintf("line %d exceeds %d octets", i+1, maxLineOctet))
			break
		}
	}

	var (
		hasMethod, hasStatus, hasUID bool
		seq                          = -1
		depth                        = map[string]int{}
		balanced                     = true
	)
	for _, ll := range unfold(text) {
		line := ll.text
		switch {
		case line == "METHOD:CANCEL":
			hasMethod = true
		case line == "STATUS:CANCELLED":
			hasStatus = true
		case wantUID != "" && line == "UID:"+wantUID:
			hasUID = true
		case strings.HasPrefix(line, "SEQUENCE:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "SEQUENCE:")); err == nil {
				seq = n
			}
		case strings.HasPrefix(line, "BEGIN:"):
			depth[strings.TrimPrefix(line, "BEGIN:")]++
		case strings.HasPrefix(line, "END:"):
			name := strings.TrimPrefix(line, "END:")
			depth[name]--
			if depth[name] < 0 {
				balanced = false
			}
		}
	}
	for _, d := range depth {
		if d != 0 {
			balanced = false
		}
	}

	if !hasMethod {
		failures = append(failures, "missing METHOD:CANCEL")
	}
	if !hasStatus {
		failures = append(failures, "missing STATUS:CANCELLED")
	}
	if wantUID != "" && !hasUID {
		failures = append(failures, "missing UID:"+wantUID)
	}
	if seq <= priorSequence {
		failures = append(failures, fmt.Sprintf("SEQUENCE %d not greater than %d", seq, priorSequence))
	}
	if !balanced {
		failures = append(failures, "unbalanced BEGIN/END markers")
	}
	if len(failures) > 0 {
		return failures
	}

	if err := crossDecode(text, wantUID); err != nil {
		failures = append(failures, err.Error())
	}
	return failures
}

// crossDecode parses text with golang-ical and checks it sees the event.
func crossDecode(text, wantUID string) error {
	cal, err := ical.ParseCalendar(strings.NewReader(text))
	if err != nil {
		return fmt.Errorf("independent decoder rejected document: %w", err)
	}
	method := ""
	for _, p := range cal.CalendarProperties {
		if p.IANAToken == string(ical.PropertyMethod) {
			method = p.Value
		}
	}
	if method != string(MethodCancel) {
		return fmt.Errorf("independent decoder saw METHOD %q", method)
	}
	events := cal.Events()
	if len(events) != 1 {
		return fmt.Errorf("independent decoder saw %d events", len(events))
	}
	if wantUID != "" {
		p := events[0].GetProperty(ical.ComponentPropertyUniqueId)
		if p == nil || p.Value != wantUID {
			return fmt.Errorf("independent decoder saw a different UID")
		}
	}
	return nil
}
