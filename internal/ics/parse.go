package ics

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	appLog "calcodec/internal/log"
)

const (
	layoutUTC      = "20060102T150405Z"
	layoutFloating = "20060102T150405"
	layoutDate     = "20060102"
)

type logicalLine struct {
	num  int
	text string
}

// contentLine is a logical line that parsed as NAME[;PARAMS]:VALUE.
type contentLine struct {
	num  int
	text string
	prop Property
}

func (l contentLine) marker() (begin bool, name string, ok bool) {
	switch l.prop.Name {
	case "BEGIN":
		return true, strings.ToUpper(strings.TrimSpace(l.prop.Value)), true
	case "END":
		return false, strings.ToUpper(strings.TrimSpace(l.prop.Value)), true
	}
	return false, "", false
}

// Parse converts normalized iCalendar text into a Calendar. It never
// fails: anomalies are repaired where possible and reported as
// diagnostics; unusable input yields a minimal document.
func Parse(text string) (*Calendar, []Diagnostic) {
	p := &parser{}
	if !utf8.ValidString(text) {
		p.report("invalid-utf8", 0, "replaced invalid UTF-8 sequences")
		text = strings.ToValidUTF8(text, "\uFFFD")
	}
	cal := p.parse(text)
	for _, d := range p.diags {
		appLog.Warn("ics parse repair", "rule", d.Rule, "line", d.Line, "detail", d.Message)
	}
	return cal, p.diags
}

type parser struct {
	diags []Diagnostic
}

func (p *parser) report(rule string, line int, msg string) {
	p.diags = append(p.diags, Diagnostic{Kind: KindMalformedInput, Rule: rule, Line: line, Message: msg})
}

func (p *parser) parse(text string) *Calendar {
	var lines []contentLine
	for _, ll := range unfold(text) {
		if strings.TrimSpace(ll.text) == "" {
			continue
		}
		prop, ok := parseContentLine(ll.text)
		if !ok {
			p.report("malformed-line", ll.num, "skipped line that is not NAME[;PARAMS]:VALUE")
			continue
		}
		if prop.Name != "BEGIN" && prop.Name != "END" {
			if cleaned, changed := StripEmbeddedTerminators(prop.Value); changed {
				p.report("embedded-terminator", ll.num, "stripped component terminator from "+prop.Name+" value")
				prop.Value = cleaned
			}
		}
		lines = append(lines, contentLine{num: ll.num, text: ll.text, prop: prop})
	}

	if !hasProperties(lines) {
		p.report("minimal-document", 0, msgMinimalDocument)
		return minimalCalendar()
	}

	if structureBalanced(lines) {
		return p.buildStructured(lines)
	}
	p.report("rewrap", 0, "unbalanced BEGIN/END markers, rewrapped properties into one VCALENDAR/VEVENT")
	return p.buildRewrapped(lines)
}

func minimalCalendar() *Calendar {
	c := &Calendar{}
	c.Set("VERSION", "2.0")
	c.Set("PRODID", DefaultProdID)
	return c
}

func hasProperties(lines []contentLine) bool {
	for _, l := range lines {
		if _, _, ok := l.marker(); !ok {
			return true
		}
	}
	return false
}

// structureBalanced reports whether BEGIN/END markers nest properly with
// VCALENDAR as the only top-level component and VEVENT directly inside it.
func structureBalanced(lines []contentLine) bool {
	var stack []string
	sawCalendar := false
	for _, l := range lines {
		begin, name, ok := l.marker()
		if !ok {
			continue
		}
		if begin {
			switch {
			case len(stack) == 0 && name != "VCALENDAR":
				return false
			case len(stack) > 0 && name == "VCALENDAR":
				return false
			case name == "VEVENT" && stack[len(stack)-1] != "VCALENDAR":
				return false
			}
			if name == "VCALENDAR" {
				sawCalendar = true
			}
			stack = append(stack, name)
			continue
		}
		if len(stack) == 0 || stack[len(stack)-1] != name {
			return false
		}
		stack = stack[:len(stack)-1]
	}
	return sawCalendar && len(stack) == 0
}

func (p *parser) buildStructured(lines []contentLine) *Calendar {
	cal := &Calendar{}
	calendars := 0
	inCalendar := false

	var (
		cur      *Event
		curSeen  map[string]bool
		raw      *RawComponent
		rawDepth int
	)

	for _, l := range lines {
		begin, name, isMarker := l.marker()

		if raw != nil {
			raw.Lines = append(raw.Lines, l.text)
			if isMarker && begin {
				rawDepth++
			} else if isMarker {
				rawDepth--
			}
			if rawDepth == 0 {
				if cur != nil {
					cur.Components = append(cur.Components, *raw)
				} else {
					cal.Components = append(cal.Components, *raw)
				}
				raw = nil
			}
			continue
		}

		if isMarker {
			switch {
			case begin && name == "VCALENDAR":
				calendars++
				inCalendar = true
				if calendars > 1 {
					p.report("duplicate-vcalendar", l.num, "merged additional VCALENDAR into the first")
				}
			case begin && name == "VEVENT":
				cur = &Event{}
				curSeen = make(map[string]bool)
			case begin:
				raw = &RawComponent{Name: name, Lines: []string{l.text}}
				rawDepth = 1
			case name == "VEVENT":
				cal.Events = append(cal.Events, cur)
				cur = nil
			case name == "VCALENDAR":
				inCalendar = false
			}
			continue
		}

		switch {
		case cur != nil:
			p.applyEventProp(cur, curSeen, l)
		case inCalendar:
			p.applyCalendarProp(cal, l)
		default:
			p.report("outside-component", l.num, "dropped "+l.prop.Name+" outside VCALENDAR")
		}
	}
	return cal
}

func (p *parser) buildRewrapped(lines []contentLine) *Calendar {
	cal := &Calendar{}
	ev := &Event{}
	seen := make(map[string]bool)
	skipDepth := 0
	hasEventProps := false

	for _, l := range lines {
		if begin, name, ok := l.marker(); ok {
			if name == "VCALENDAR" || name == "VEVENT" {
				// Markers are discarded; an unmatched nested component
				// cannot extend past the next calendar/event marker.
				skipDepth = 0
				continue
			}
			if begin {
				if skipDepth == 0 {
					p.report("dropped-component", l.num, "dropped "+name+" while rewrapping")
				}
				skipDepth++
			} else if skipDepth > 0 {
				skipDepth--
			}
			continue
		}
		if skipDepth > 0 {
			continue
		}
		if isCalendarProp(l.prop.Name) {
			p.applyCalendarProp(cal, l)
			continue
		}
		p.applyEventProp(ev, seen, l)
		hasEventProps = true
	}

	if cal.Get("VERSION") == "" {
		cal.Props = append([]Property{{Name: "VERSION", Value: "2.0"}}, cal.Props...)
	}
	if hasEventProps {
		cal.Events = append(cal.Events, ev)
	} else {
		p.report("minimal-document", 0, msgMinimalDocument)
	}
	return cal
}

func isCalendarProp(name string) bool {
	switch name {
	case "VERSION", "PRODID", "CALSCALE", "METHOD":
		return true
	}
	return strings.HasPrefix(name, "X-WR-")
}

func (p *parser) applyCalendarProp(cal *Calendar, l contentLine) {
	prop := l.prop
	if isCalendarProp(prop.Name) && !strings.HasPrefix(prop.Name, "X-") {
		if existing := cal.Get(prop.Name); existing != "" {
			if !strings.EqualFold(existing, prop.Value) {
				p.report("duplicate-property", l.num, "kept first "+prop.Name+" value "+existing)
			}
			return
		}
		if prop.Name == "METHOD" {
			prop.Value = strings.ToUpper(strings.TrimSpace(prop.Value))
		}
	}
	for _, q := range cal.Props {
		if q.Name == prop.Name && q.Value == prop.Value {
			// Exact repeat from a merged calendar.
			return
		}
	}
	cal.Props = append(cal.Props, prop)
}

var singletonProps = map[string]bool{
	"UID": true, "DTSTAMP": true, "DTSTART": true, "DTEND": true,
	"SUMMARY": true, "DESCRIPTION": true, "LOCATION": true, "STATUS": true,
	"SEQUENCE": true, "ORGANIZER": true, "RRULE": true,
}

func (p *parser) applyEventProp(ev *Event, seen map[string]bool, l contentLine) {
	prop := l.prop
	if singletonProps[prop.Name] {
		if seen[prop.Name] {
			p.report("duplicate-property", l.num, "kept first "+prop.Name)
			return
		}
		seen[prop.Name] = true
	}

	switch prop.Name {
	case "UID":
		ev.UID = strings.TrimSpace(prop.Value)
	case "DTSTAMP":
		dt, err := parseDateTime(prop)
		if err != nil {
			p.report("bad-datetime", l.num, "ignored DTSTAMP: "+err.Error())
			return
		}
		ev.DTStamp = dt.Time
	case "DTSTART", "DTEND":
		dt, err := parseDateTime(prop)
		if err != nil {
			p.report("bad-datetime", l.num, "kept "+prop.Name+" verbatim: "+err.Error())
			ev.Other = append(ev.Other, prop)
			return
		}
		if prop.Name == "DTSTART" {
			ev.Start = dt
		} else {
			ev.End = dt
		}
	case "SUMMARY":
		ev.Summary = UnescapeText(prop.Value)
	case "DESCRIPTION":
		ev.Description = UnescapeText(prop.Value)
	case "LOCATION":
		ev.Location = UnescapeText(prop.Value)
	case "STATUS":
		ev.Status = Status(strings.ToUpper(strings.TrimSpace(prop.Value)))
	case "SEQUENCE":
		n, err := strconv.Atoi(strings.TrimSpace(prop.Value))
		if err != nil {
			p.report("bad-sequence", l.num, "ignored non-numeric SEQUENCE "+strconv.Quote(prop.Value))
			seen["SEQUENCE"] = false
			return
		}
		if n < 0 {
			p.report("bad-sequence", l.num, "clamped negative SEQUENCE to 0")
			n = 0
		}
		ev.Sequence = n
		ev.HasSequence = true
	case "ORGANIZER":
		org := parseOrganizer(prop)
		if org.Email == "" {
			p.report("organizer-without-email", l.num, "dropped ORGANIZER without address")
			return
		}
		ev.Organizer = &org
	case "ATTENDEE":
		a := parseAttendee(prop)
		if a.Email == "" {
			p.report("attendee-without-email", l.num, "dropped ATTENDEE without address")
			return
		}
		ev.Attendees = append(ev.Attendees, a)
	case "RRULE":
		ev.RRule = strings.TrimSpace(prop.Value)
	default:
		if strings.HasPrefix(prop.Name, "X-") {
			ev.Extensions = append(ev.Extensions, prop)
		} else {
			ev.Other = append(ev.Other, prop)
		}
	}
}

func parseOrganizer(prop Property) Organizer {
	org := Organizer{Email: mailtoAddress(prop.Value)}
	for _, param := range prop.Params {
		if param.Name == "CN" {
			org.Name = firstValue(param)
			continue
		}
		org.Params = append(org.Params, param)
	}
	return org
}

func parseAttendee(prop Property) Attendee {
	a := Attendee{Email: mailtoAddress(prop.Value)}
	for _, param := range prop.Params {
		switch param.Name {
		case "CN":
			a.Name = firstValue(param)
		case "ROLE":
			a.Role = strings.ToUpper(firstValue(param))
		case "PARTSTAT":
			a.PartStat = strings.ToUpper(firstValue(param))
		case "CUTYPE":
			a.CUType = strings.ToUpper(firstValue(param))
		default:
			a.Params = append(a.Params, param)
		}
	}
	return a
}

func firstValue(p Param) string {
	if len(p.Values) == 0 {
		return ""
	}
	return p.Values[0]
}

func mailtoAddress(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		v = v[7:]
	}
	return strings.TrimSpace(v)
}

func parseDateTime(prop Property) (DateTime, error) {
	v := strings.TrimSpace(prop.Value)
	tzid := prop.Param("TZID")

	if strings.EqualFold(prop.Param("VALUE"), "DATE") || len(v) == len(layoutDate) {
		t, err := time.Parse(layoutDate, v)
		if err != nil {
			return DateTime{}, err
		}
		return DateTime{Time: t, AllDay: true}, nil
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(layoutUTC, v)
		if err != nil {
			return DateTime{}, err
		}
		return DateTime{Time: t}, nil
	}
	t, err := time.Parse(layoutFloating, v)
	if err != nil {
		return DateTime{}, err
	}
	return DateTime{Time: t, TZID: tzid, Floating: tzid == ""}, nil
}

// unfold splits text into logical lines, joining RFC 5545 continuation
// lines (leading space or tab) onto their predecessor.
func unfold(text string) []logicalLine {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out []logicalLine
	for i, line := range strings.Split(text, "\n") {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') && len(out) > 0 {
			out[len(out)-1].text += line[1:]
			continue
		}
		out = append(out, logicalLine{num: i + 1, text: line})
	}
	return out
}

func isNameByte(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-'
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(isNameByte(c) || (c >= 'a' && c <= 'z')) {
			return false
		}
	}
	return true
}

// parseContentLine splits NAME *(";" param) ":" value, honouring quoted
// parameter values.
func parseContentLine(line string) (Property, bool) {
	i := strings.IndexAny(line, ";:")
	if i <= 0 || !validName(line[:i]) {
		return Property{}, false
	}
	prop := Property{Name: strings.ToUpper(line[:i])}
	rest := line[i:]

	for len(rest) > 0 && rest[0] == ';' {
		rest = rest[1:]
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 || !validName(rest[:eq]) {
			return Property{}, false
		}
		param := Param{Name: strings.ToUpper(rest[:eq])}
		rest = rest[eq+1:]
		for {
			if strings.HasPrefix(rest, `"`) {
				end := strings.IndexByte(rest[1:], '"')
				if end < 0 {
					return Property{}, false
				}
				param.Values = append(param.Values, rest[1:end+1])
				rest = rest[end+2:]
			} else {
				end := strings.IndexAny(rest, ",;:")
				if end < 0 {
					return Property{}, false
				}
				param.Values = append(param.Values, rest[:end])
				rest = rest[end:]
			}
			if strings.HasPrefix(rest, ",") {
				rest = rest[1:]
				continue
			}
			break
		}
		prop.Params = append(prop.Params, param)
	}

	if !strings.HasPrefix(rest, ":") {
		return Property{}, false
	}
	prop.Value = rest[1:]
	return prop, true
}

// UnescapeText reverses RFC 5545 TEXT escaping.
func UnescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		case '\\', ';', ',':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// ExtractUID returns the first VEVENT UID found in raw text without a
// full parse, or "".
func ExtractUID(raw string) string {
	if v, ok := scanEventProp(raw, "UID"); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// ExtractSequence returns the first VEVENT SEQUENCE found in raw text.
func ExtractSequence(raw string) (int, bool) {
	v, ok := scanEventProp(raw, "SEQUENCE")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func scanEventProp(raw, name string) (string, bool) {
	for _, ll := range unfold(Normalize(raw)) {
		prop, ok := parseContentLine(ll.text)
		if !ok || prop.Name != name {
			continue
		}
		v, _ := StripEmbeddedTerminators(prop.Value)
		if strings.TrimSpace(v) == "" {
			continue
		}
		return v, true
	}
	return "", false
}
