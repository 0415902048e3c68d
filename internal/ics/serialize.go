package ics

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	crlf         = "\r\n"
	maxLineOctet = 75
)

// Serialize renders cal as RFC 5545 text with CRLF line endings and
// 75-octet folding. Event properties come out as UID, DTSTAMP, DTSTART,
// DTEND, SUMMARY, DESCRIPTION, LOCATION, ORGANIZER, SEQUENCE, STATUS and
// RRULE, then the unmodelled properties in input order, then ATTENDEEs,
// then X- extensions and nested components.
func Serialize(cal *Calendar) string {
	w := &writer{}
	w.line("BEGIN:VCALENDAR")

	// VERSION/PRODID/CALSCALE/METHOD lead, the rest keep their order.
	for _, name := range []string{"VERSION", "PRODID", "CALSCALE", "METHOD"} {
		if v := cal.Get(name); v != "" {
			w.line(name + ":" + v)
		}
	}
	for _, p := range cal.Props {
		if isCalendarProp(p.Name) && !strings.HasPrefix(p.Name, "X-") {
			continue
		}
		w.prop(p)
	}
	for _, c := range cal.Components {
		w.raw(c)
	}
	for _, ev := range cal.Events {
		w.event(ev)
	}

	w.line("END:VCALENDAR")
	return w.b.String()
}

type writer struct {
	b strings.Builder
}

func (w *writer) line(s string) {
	w.b.WriteString(Fold(s))
}

func (w *writer) prop(p Property) {
	w.line(formatProperty(p))
}

func (w *writer) raw(c RawComponent) {
	for _, l := range c.Lines {
		w.line(l)
	}
}

func (w *writer) event(ev *Event) {
	w.line("BEGIN:VEVENT")
	w.line("UID:" + ev.UID)
	if !ev.DTStamp.IsZero() {
		w.line("DTSTAMP:" + ev.DTStamp.UTC().Format(layoutUTC))
	}
	if !ev.Start.IsZero() {
		w.line(formatDateTime("DTSTART", ev.Start))
	}
	if !ev.End.IsZero() {
		w.line(formatDateTime("DTEND", ev.End))
	}
	w.line("SUMMARY:" + EscapeText(ev.Summary))
	if ev.Description != "" {
		w.line("DESCRIPTION:" + EscapeText(ev.Description))
	}
	if ev.Location != "" {
		w.line("LOCATION:" + EscapeText(ev.Location))
	}
	if ev.Organizer != nil && ev.Organizer.Email != "" {
		w.line(formatOrganizer(*ev.Organizer))
	}
	w.line("SEQUENCE:" + strconv.Itoa(ev.Sequence))
	if ev.Status != "" {
		w.line("STATUS:" + string(ev.Status))
	}
	if ev.RRule != "" {
		w.line("RRULE:" + ev.RRule)
	}
	for _, p := range ev.Other {
		w.prop(p)
	}
	for _, a := range ev.Attendees {
		w.line(formatAttendee(a))
	}
	for _, p := range ev.Extensions {
		w.prop(p)
	}
	for _, c := range ev.Components {
		w.raw(c)
	}
	w.line("END:VEVENT")
}

func formatDateTime(name string, dt DateTime) string {
	switch {
	case dt.AllDay:
		return name + ";VALUE=DATE:" + dt.Time.Format(layoutDate)
	case dt.TZID != "":
		return name + ";TZID=" + formatParamValue(dt.TZID) + ":" + dt.Time.Format(layoutFloating)
	case dt.Floating:
		return name + ":" + dt.Time.Format(layoutFloating)
	default:
		return name + ":" + dt.Time.UTC().Format(layoutUTC)
	}
}

func formatOrganizer(o Organizer) string {
	var b strings.Builder
	b.WriteString("ORGANIZER")
	if o.Name != "" {
		writeParam(&b, "CN", o.Name)
	}
	writeParams(&b, o.Params)
	b.WriteString(":mailto:")
	b.WriteString(o.Email)
	return b.String()
}

func formatAttendee(a Attendee) string {
	var b strings.Builder
	b.WriteString("ATTENDEE")
	if a.CUType != "" {
		writeParam(&b, "CUTYPE", a.CUType)
	}
	if a.Role != "" {
		writeParam(&b, "ROLE", a.Role)
	}
	if a.PartStat != "" {
		writeParam(&b, "PARTSTAT", a.PartStat)
	}
	if a.Name != "" {
		writeParam(&b, "CN", a.Name)
	}
	writeParams(&b, a.Params)
	b.WriteString(":mailto:")
	b.WriteString(a.Email)
	return b.String()
}

func formatProperty(p Property) string {
	var b strings.Builder
	b.WriteString(p.Name)
	writeParams(&b, p.Params)
	b.WriteString(":")
	b.WriteString(p.Value)
	return b.String()
}

func writeParam(b *strings.Builder, name, value string) {
	b.WriteString(";")
	b.WriteString(name)
	b.WriteString("=")
	b.WriteString(formatParamValue(value))
}

func writeParams(b *strings.Builder, params []Param) {
	for _, p := range params {
		b.WriteString(";")
		b.WriteString(p.Name)
		b.WriteString("=")
		for i, v := range p.Values {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(formatParamValue(v))
		}
	}
}

// formatParamValue quotes values containing COLON, SEMICOLON or COMMA.
// DQUOTE and control characters cannot appear in a parameter value and
// are dropped.
func formatParamValue(v string) string {
	v = strings.Map(func(r rune) rune {
		if r == '"' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, v)
	if strings.ContainsAny(v, ":;,") {
		return `"` + v + `"`
	}
	return v
}

// EscapeText applies RFC 5545 TEXT escaping.
func EscapeText(s string) string {
	if !strings.ContainsAny(s, "\\;,\r\n") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case ';':
			b.WriteString(`\;`)
		case ',':
			b.WriteString(`\,`)
		case '\r':
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			b.WriteString(`\n`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Fold splits a logical line into CRLF-terminated physical lines of at
// most 75 octets, continuation lines starting with a single space. A
// multi-byte rune is never split; invalid UTF-8 is cut at the octet limit.
func Fold(line string) string {
	if len(line) <= maxLineOctet {
		return line + crlf
	}
	var b strings.Builder
	b.Grow(len(line) + len(line)/maxLineOctet*3 + 2)

	limit := maxLineOctet
	for len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		b.WriteString(line[:cut])
		b.WriteString(crlf)
		b.WriteString(" ")
		line = line[cut:]
		// The leading space counts toward the 75 octets.
		limit = maxLineOctet - 1
	}
	b.WriteString(line)
	b.WriteString(crlf)
	return b.String()
}
