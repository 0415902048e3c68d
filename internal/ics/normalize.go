package ics

import (
	"regexp"
	"strings"
)

// RepairRule is one named, pure text repair applied before parsing.
type RepairRule struct {
	Name  string
	Apply func(string) string
}

// RepairRules run in order. Each returns its input unchanged when its
// pattern does not match.
var RepairRules = []RepairRule{
	{Name: "literal-crlf", Apply: repairLiteralLineBreaks},
	{Name: "single-line-payload", Apply: repairSingleLine},
	{Name: "collapse-blank-lines", Apply: collapseBlankLines},
}

// Normalize repairs malformed line-break encodings. It never fails.
func Normalize(raw string) string {
	out, _ := NormalizeReport(raw)
	return out
}

// NormalizeReport is Normalize plus the names of the rules that changed
// the text.
func NormalizeReport(raw string) (string, []string) {
	var applied []string
	out := raw
	for _, rule := range RepairRules {
		next := rule.Apply(out)
		if next != out {
			applied = append(applied, rule.Name)
			out = next
		}
	}
	return out, applied
}

// knownNames are property names that reliably start a content line.
// Matching is leftmost-first, so listing the longer RFC 5545 names keeps
// their tails (the URL in TZURL) from being split off.
var knownNames = []string{
	"BEGIN", "END",
	"VERSION", "PRODID", "CALSCALE", "METHOD",
	"UID", "DTSTAMP", "DTSTART", "DTEND", "DURATION",
	"SUMMARY", "DESCRIPTION", "LOCATION", "ORGANIZER", "ATTENDEE",
	"SEQUENCE", "STATUS", "RRULE", "EXDATE", "RDATE", "RECURRENCE-ID",
	"CREATED", "LAST-MODIFIED", "TRANSP", "CLASS", "PRIORITY", "URL",
	"CATEGORIES", "GEO", "CONTACT", "COMMENT",
	"ATTACH", "RELATED-TO", "REQUEST-STATUS", "RESOURCES", "EXRULE",
	"PERCENT-COMPLETE", "COMPLETED", "DUE", "FREEBUSY", "REPEAT",
	"TZID", "TZURL", "TZOFFSETFROM", "TZOFFSETTO", "TZNAME", "ACTION", "TRIGGER",
}

var (
	// Tokens such as "SUMMARY:" or "ATTENDEE;" (and any X- name).
	tokenRe = regexp.MustCompile(`(?:` + strings.Join(quoteAll(knownNames), "|") + `|X-[A-Z0-9-]+)[:;]`)

	// `\r\n` written as text, possibly double escaped.
	literalCRLFRe = regexp.MustCompile(`\\{1,2}r\\{1,2}n`)
	// `\n` written as text right before something that looks like a new
	// content line. Only repaired in payloads without real line breaks;
	// elsewhere it is a legal TEXT escape.
	literalLFRe = regexp.MustCompile(`\\{1,2}n((?:` + strings.Join(quoteAll(knownNames), "|") + `|X-[A-Z0-9-]+)[:;])`)

	blankRunRe = regexp.MustCompile(`(?:\r?\n){3,}`)
)

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = regexp.QuoteMeta(s)
	}
	return out
}

func repairLiteralLineBreaks(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	lineBroken := hasInnerLineBreak(s)
	s = literalCRLFRe.ReplaceAllString(s, "\r\n")
	if lineBroken {
		return s
	}
	return literalLFRe.ReplaceAllString(s, "\r\n$1")
}

// hasInnerLineBreak ignores the line break that usually ends a file.
func hasInnerLineBreak(s string) bool {
	return strings.ContainsAny(strings.TrimRight(s, "\r\n"), "\r\n")
}

// repairSingleLine splits a payload that has lost all of its line breaks
// by breaking before every recognized property token.
func repairSingleLine(s string) string {
	if hasInnerLineBreak(s) || !strings.Contains(s, "BEGIN:") {
		return s
	}
	body := strings.TrimRight(s, "\r\n")
	matches := tokenRe.FindAllStringIndex(body, -1)
	cuts := make([]int, 0, len(matches))
	for _, m := range matches {
		if m[0] > 0 && body[m[0]-1] == '-' {
			// Tail of a hyphenated name such as REQUEST-STATUS.
			continue
		}
		cuts = append(cuts, m[0])
	}
	if len(cuts) < 2 {
		return s
	}

	var b strings.Builder
	prev := 0
	for _, c := range cuts {
		if c > prev {
			b.WriteString(strings.TrimRight(body[prev:c], " \t"))
			b.WriteString("\r\n")
		}
		prev = c
	}
	b.WriteString(strings.TrimRight(body[prev:], " \t"))
	b.WriteString("\r\n")
	return b.String()
}

func collapseBlankLines(s string) string {
	return blankRunRe.ReplaceAllStringFunc(s, func(run string) string {
		if strings.Contains(run, "\r\n") {
			return "\r\n\r\n"
		}
		return "\n\n"
	})
}

var embeddedTerminatorRe = regexp.MustCompile(`(?i)(?:\\n|\s)*END:(?:VEVENT|VCALENDAR)\b`)

// StripEmbeddedTerminators removes END:VEVENT / END:VCALENDAR tokens that
// leaked into a property value. The second result reports a change.
func StripEmbeddedTerminators(value string) (string, bool) {
	if !embeddedTerminatorRe.MatchString(value) {
		return value, false
	}
	return strings.TrimSpace(embeddedTerminatorRe.ReplaceAllString(value, "")), true
}
