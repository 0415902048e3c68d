package ics

import (
	"fmt"
	"strings"

	"github.com/teambition/rrule-go"

	appLog "calcodec/internal/log"
	"calcodec/internal/model"
)

// allowedRRuleParts are the RECUR rule parts of RFC 5545 section 3.3.10.
var allowedRRuleParts = map[string]bool{
	"FREQ": true, "UNTIL": true, "COUNT": true, "INTERVAL": true,
	"BYSECOND": true, "BYMINUTE": true, "BYHOUR": true, "BYDAY": true,
	"BYMONTHDAY": true, "BYYEARDAY": true, "BYWEEKNO": true, "BYMONTH": true,
	"BYSETPOS": true, "WKST": true,
}

var frequencies = map[string]rrule.Frequency{
	"YEARLY":   rrule.YEARLY,
	"MONTHLY":  rrule.MONTHLY,
	"WEEKLY":   rrule.WEEKLY,
	"DAILY":    rrule.DAILY,
	"HOURLY":   rrule.HOURLY,
	"MINUTELY": rrule.MINUTELY,
	"SECONDLY": rrule.SECONDLY,
}

var weekdays = map[string]rrule.Weekday{
	"MO": rrule.MO, "TU": rrule.TU, "WE": rrule.WE, "TH": rrule.TH,
	"FR": rrule.FR, "SA": rrule.SA, "SU": rrule.SU,
}

// CompileRRule turns a structured pattern into a single-line RRULE value
// (without the "RRULE:" prefix).
func CompileRRule(p model.RecurrencePattern) (string, error) {
	freq, ok := frequencies[strings.ToUpper(strings.TrimSpace(p.Frequency))]
	if !ok {
		return "", invalidData("unknown recurrence frequency %q", p.Frequency)
	}
	opt := rrule.ROption{Freq: freq}
	if p.Interval > 1 {
		opt.Interval = p.Interval
	}
	for _, d := range p.Weekdays {
		wd, ok := weekdays[strings.ToUpper(strings.TrimSpace(d))]
		if !ok {
			return "", invalidData("unknown weekday %q", d)
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	switch {
	case p.Count > 0:
		opt.Count = p.Count
	case !p.Until.IsZero():
		opt.Until = p.Until.UTC()
	}
	return opt.RRuleString(), nil
}

// SanitizeRRule validates a raw RRULE value. Parsing stops at the first
// rule part that is not an RFC 5545 part (or at embedded whitespace), so
// trailing garbage such as a concatenated address is dropped. The result
// must still be accepted by rrule-go; otherwise ok is false.
func SanitizeRRule(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if len(s) >= 6 && strings.EqualFold(s[:6], "RRULE:") {
		s = s[6:]
	}

	var kept []string
	hasFreq := false
	for _, part := range strings.Split(s, ";") {
		truncated := false
		if i := strings.IndexAny(part, " \t\r\n"); i >= 0 {
			part = part[:i]
			truncated = true
		}
		name, value, found := strings.Cut(part, "=")
		name = strings.ToUpper(name)
		if !found || value == "" || !allowedRRuleParts[name] {
			break
		}
		if name == "FREQ" {
			hasFreq = true
		}
		kept = append(kept, name+"="+strings.ToUpper(value))
		if truncated {
			break
		}
	}
	if !hasFreq {
		return "", false
	}

	out := strings.Join(kept, ";")
	if _, err := rrule.StrToROption(out); err != nil {
		return "", false
	}
	return out, true
}

func recurrenceFor(data model.EventData) (string, error) {
	if data.Recurrence != nil {
		r, err := CompileRRule(*data.Recurrence)
		if err != nil {
			return "", fmt.Errorf("recurrence: %w", err)
		}
		return r, nil
	}
	if strings.TrimSpace(data.RawRRule) == "" {
		return "", nil
	}
	r, ok := SanitizeRRule(data.RawRRule)
	if !ok {
		appLog.Warn("ics dropped invalid rrule", "internal_id", data.InternalID, "rrule", data.RawRRule)
		return "", nil
	}
	if r != strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(data.RawRRule), "RRULE:")) {
		appLog.Warn("ics truncated rrule", "internal_id", data.InternalID, "rrule", r)
	}
	return r, nil
}
