package ics

import (
	"strings"

	appLog "calcodec/internal/log"
	"calcodec/internal/model"
)

const cancelledPrefix = "CANCELLED: "

// CancelResult is the outcome of TransformToCancellation.
type CancelResult struct {
	Calendar *Calendar
	// Text is the serialized Calendar; it has passed CheckCompliance.
	Text     string
	UID      string
	Sequence int
	// Fallback is set when the minimal document built from event data was
	// emitted instead of the transformed original.
	Fallback    bool
	Diagnostics []Diagnostic
}

// TransformToCancellation turns original (which may be nil) into a
// METHOD:CANCEL document. It never fails: when the original cannot be
// transformed into a compliant document, a minimal cancellation is
// rebuilt from data.
func TransformToCancellation(original *Calendar, data model.EventData, opts Options) *CancelResult {
	t := &transformer{data: data, opts: opts}
	return t.run(original)
}

// TransformRawToCancellation normalizes and parses raw before
// transforming it. Empty raw text goes straight to the minimal document.
func TransformRawToCancellation(raw string, data model.EventData, opts Options) *CancelResult {
	t := &transformer{data: data, opts: opts}
	if strings.TrimSpace(raw) == "" {
		return t.run(nil)
	}
	normalized, rules := NormalizeReport(raw)
	for _, rule := range rules {
		t.report(KindMalformedInput, rule, "normalizer repaired input")
	}
	cal, diags := Parse(normalized)
	t.diags = append(t.diags, diags...)
	return t.run(cal)
}

type transformer struct {
	data  model.EventData
	opts  Options
	diags []Diagnostic
}

func (t *transformer) report(kind DiagnosticKind, rule, msg string) {
	t.diags = append(t.diags, Diagnostic{Kind: kind, Rule: rule, Message: msg})
}

func (t *transformer) run(original *Calendar) *CancelResult {
	var ev *Event
	if original != nil {
		ev = original.Event(cleanUID(t.data.UID))
	}

	res := &CancelResult{}
	res.UID = t.resolveUID(ev)
	prior, hasPrior := t.priorSequence(ev)
	res.Sequence = 1
	if hasPrior {
		res.Sequence = prior + 1
	}

	switch {
	case ev == nil:
		t.report(KindMalformedInput, "no-original", "no usable original event, building minimal cancellation")
	case t.opts.Rebuild:
		t.report(KindMalformedInput, "rebuild-mode", "rebuild mode, building minimal cancellation")
	default:
		cal := t.preserve(original, ev, res)
		text := Serialize(cal)
		failures := CheckCompliance(text, res.UID, prior)
		if len(failures) == 0 {
			res.Calendar, res.Text = cal, text
			return t.finish(res)
		}
		for _, f := range failures {
			t.report(KindComplianceCheckFailed, "self-check", f)
		}
	}

	cal := t.minimal(ev, res)
	res.Calendar, res.Text, res.Fallback = cal, Serialize(cal), true
	if failures := CheckCompliance(res.Text, res.UID, prior); len(failures) > 0 {
		// Only reachable through a broken UID source or serializer.
		appLog.Error("ics minimal cancellation failed self-check", nil, "uid", res.UID, "failures", strings.Join(failures, "; "))
	}
	return t.finish(res)
}

func (t *transformer) finish(res *CancelResult) *CancelResult {
	res.Diagnostics = t.diags
	for _, d := range t.diags {
		appLog.Warn("ics cancellation degraded", "uid", res.UID, "kind", d.Kind, "rule", d.Rule, "detail", d.Message)
	}
	appLog.Info("ics cancellation built", "uid", res.UID, "sequence", res.Sequence, "fallback", res.Fallback)
	return res
}

// resolveUID prefers the original's UID, then the caller's, then a
// fresh one. A mismatch is reported and the original wins.
func (t *transformer) resolveUID(ev *Event) string {
	supplied := cleanUID(t.data.UID)
	if ev != nil {
		if u := cleanUID(ev.UID); u != "" {
			if supplied != "" && supplied != u {
				t.report(KindIdentityConflict, "uid-mismatch", "event data UID "+supplied+" differs from document UID "+u+", keeping document UID")
			}
			return u
		}
	}
	if supplied != "" {
		return supplied
	}
	t.report(KindMalformedInput, "uid-synthesized", "no UID available, generated a new one")
	return t.opts.newUID()
}

func (t *transformer) priorSequence(ev *Event) (int, bool) {
	if ev != nil && ev.HasSequence {
		return ev.Sequence, true
	}
	if t.data.Sequence != nil && *t.data.Sequence >= 0 {
		return *t.data.Sequence, true
	}
	return 0, false
}

// preserve copies original forward, changing only what a cancellation
// must change.
func (t *transformer) preserve(original *Calendar, ev *Event, res *CancelResult) *Calendar {
	cal := &Calendar{
		Props:      cloneProps(original.Props),
		Components: cloneComponents(original.Components),
	}
	if cal.Get("VERSION") == "" {
		cal.Set("VERSION", "2.0")
	}
	if cal.Get("PRODID") == "" {
		cal.Set("PRODID", t.opts.prodID())
	}
	cal.Set("METHOD", string(MethodCancel))
	for i := range cal.Props {
		cal.Props[i].Value = t.cleanRaw(cal.Props[i].Name, cal.Props[i].Value)
	}

	out := ev.Clone()
	out.UID = res.UID
	out.Status = StatusCancelled
	out.DTStamp = t.opts.now()
	out.Sequence = res.Sequence
	out.HasSequence = true
	// Alarms make no sense on a cancelled event.
	out.Components = nil

	if strings.TrimSpace(out.Summary) == "" {
		out.Summary = strings.TrimSpace(t.data.Title)
	}
	out.Summary = cancelledSummary(t.cleanText("SUMMARY", out.Summary))
	out.Description = t.cleanText("DESCRIPTION", out.Description)
	out.Location = t.cleanText("LOCATION", out.Location)
	for i := range out.Other {
		out.Other[i].Value = t.cleanRaw(out.Other[i].Name, out.Other[i].Value)
	}
	for i := range out.Extensions {
		out.Extensions[i].Value = t.cleanRaw(out.Extensions[i].Name, out.Extensions[i].Value)
	}
	if out.RRule != "" {
		if r, ok := SanitizeRRule(out.RRule); ok {
			out.RRule = r
		} else {
			t.report(KindMalformedInput, "rrule-dropped", "dropped unparsable RRULE "+out.RRule)
			out.RRule = ""
		}
	}

	if out.Start.IsZero() && !t.data.Start.IsZero() {
		filled := eventFromData(t.data, res.UID, out.DTStamp)
		out.Start, out.End = filled.Start, filled.End
	}
	if out.Organizer == nil && strings.TrimSpace(t.data.Organizer.Email) != "" {
		out.Organizer = &Organizer{Email: strings.TrimSpace(t.data.Organizer.Email), Name: t.data.Organizer.Name}
	}

	out.Attendees = t.cancelledAttendees(ev.Attendees, nil)
	cal.Events = []*Event{out}
	return cal
}

// minimal rebuilds a compliant cancellation from event data, salvaging
// the summary and attendees of the original when it has them.
func (t *transformer) minimal(salvaged *Event, res *CancelResult) *Calendar {
	data := t.data
	if strings.TrimSpace(data.Title) == "" && salvaged != nil {
		data.Title = strings.TrimPrefix(salvaged.Summary, cancelledPrefix)
	}
	ev := eventFromData(data, res.UID, t.opts.now())
	ev.Status = StatusCancelled
	ev.Sequence = res.Sequence
	ev.HasSequence = true
	ev.Summary = cancelledSummary(t.cleanText("SUMMARY", ev.Summary))
	if ev.Organizer == nil && salvaged != nil && salvaged.Organizer != nil {
		org := *salvaged.Organizer
		ev.Organizer = &org
	}

	var original []Attendee
	if salvaged != nil {
		original = salvaged.Attendees
	}
	ev.Attendees = t.cancelledAttendees(original, ev.Attendees)

	cal := NewCalendar(t.opts.prodID(), MethodCancel)
	cal.Events = []*Event{ev}
	return cal
}

// cancelledAttendees returns original followed by extra (event-data
// entries), deduplicated, with PARTSTAT reset and the event data's
// resources appended when missing.
func (t *transformer) cancelledAttendees(original, extra []Attendee) []Attendee {
	before := len(original)
	all := make([]Attendee, 0, len(original)+len(extra)+len(t.data.Resources))
	for _, a := range original {
		a.Params = cloneParams(a.Params)
		all = append(all, a)
	}
	all = append(all, extra...)
	for _, r := range t.data.Resources {
		all = append(all, resourceAttendee(r))
	}

	out := DedupAttendees(all)
	if n := len(DedupAttendees(original)); n < before {
		t.report(KindMalformedInput, "duplicate-attendee", "merged duplicate attendee entries")
	}
	for i := range out {
		out[i].PartStat = PartStatNeedsAction
	}
	return out
}

func cancelledSummary(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		s = defaultTitle
	}
	if strings.HasPrefix(strings.ToUpper(s), strings.TrimSpace(cancelledPrefix)) {
		return s
	}
	return cancelledPrefix + s
}

func (t *transformer) cleanText(name, v string) string {
	cleaned, changed := StripEmbeddedTerminators(v)
	if changed {
		t.report(KindMalformedInput, "embedded-terminator", "stripped component terminator from "+name)
	}
	return cleaned
}

// cleanRaw also escapes raw line breaks so a wire-form value can never
// start a new content line.
func (t *transformer) cleanRaw(name, v string) string {
	v = t.cleanText(name, v)
	if strings.ContainsAny(v, "\r\n") {
		t.report(KindMalformedInput, "raw-line-break", "escaped line break inside "+name)
		v = strings.ReplaceAll(v, "\r\n", `\n`)
		v = strings.ReplaceAll(v, "\r", `\n`)
		v = strings.ReplaceAll(v, "\n", `\n`)
	}
	return v
}
