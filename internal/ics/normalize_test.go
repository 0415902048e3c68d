package ics

import (
	"strings"
	"testing"
)

func TestRepairRules(t *testing.T) {
	testCases := []struct {
		Name string
		Rule func(string) string
		In   string
		Want string
	}{
		{
			Name: "literal-crlf",
			Rule: repairLiteralLineBreaks,
			In:   `BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR`,
			Want: "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR",
		},
		{
			Name: "double-escaped-crlf",
			Rule: repairLiteralLineBreaks,
			In:   `BEGIN:VEVENT\\r\\nUID:a@x`,
			Want: "BEGIN:VEVENT\r\nUID:a@x",
		},
		{
			Name: "literal-lf-before-token",
			Rule: repairLiteralLineBreaks,
			In:   `SUMMARY:Lunch\nEND:VEVENT`,
			Want: "SUMMARY:Lunch\r\nEND:VEVENT",
		},
		{
			Name: "text-newline-escape-kept",
			Rule: repairLiteralLineBreaks,
			In:   `DESCRIPTION:line one\nline two`,
			Want: `DESCRIPTION:line one\nline two`,
		},
		{
			Name: "literal-lf-with-trailing-newline",
			Rule: repairLiteralLineBreaks,
			In:   `SUMMARY:Lunch\nEND:VEVENT` + "\n",
			Want: "SUMMARY:Lunch\r\nEND:VEVENT\n",
		},
		{
			Name: "text-newline-escape-kept-in-multiline",
			Rule: repairLiteralLineBreaks,
			In:   "DESCRIPTION:Dial in\\nURL:https://meet.example/abc\r\nEND:VEVENT\r\n",
			Want: "DESCRIPTION:Dial in\\nURL:https://meet.example/abc\r\nEND:VEVENT\r\n",
		},
		{
			Name: "single-line",
			Rule: repairSingleLine,
			In:   "BEGIN:VEVENT UID:a@x SUMMARY:Test END:VEVENT",
			Want: "BEGIN:VEVENT\r\nUID:a@x\r\nSUMMARY:Test\r\nEND:VEVENT\r\n",
		},
		{
			Name: "single-line-trailing-crlf",
			Rule: repairSingleLine,
			In:   "BEGIN:VEVENT UID:a@x SUMMARY:Test END:VEVENT\r\n",
			Want: "BEGIN:VEVENT\r\nUID:a@x\r\nSUMMARY:Test\r\nEND:VEVENT\r\n",
		},
		{
			Name: "single-line-no-separators",
			Rule: repairSingleLine,
			In:   "BEGIN:VEVENTDTSTART:20250101T090000ZDTEND:20250101T100000ZX-MS-BUSYSTATUS:BUSYEND:VEVENT",
			Want: "BEGIN:VEVENT\r\nDTSTART:20250101T090000Z\r\nDTEND:20250101T100000Z\r\nX-MS-BUSYSTATUS:BUSY\r\nEND:VEVENT\r\n",
		},
		{
			Name: "single-line-ignores-multiline",
			Rule: repairSingleLine,
			In:   "BEGIN:VEVENT\nSUMMARY:Test END:VEVENT",
			Want: "BEGIN:VEVENT\nSUMMARY:Test END:VEVENT",
		},
		{
			Name: "collapse-blank-lines",
			Rule: collapseBlankLines,
			In:   "BEGIN:VEVENT\r\n\r\n\r\n\r\nUID:a@x\r\n",
			Want: "BEGIN:VEVENT\r\n\r\nUID:a@x\r\n",
		},
		{
			Name: "single-blank-line-kept",
			Rule: collapseBlankLines,
			In:   "A:1\n\nB:2",
			Want: "A:1\n\nB:2",
		},
	}

	for _, tCase := range testCases {
		t.Run(tCase.Name, func(t *testing.T) {
			if got := tCase.Rule(tCase.In); got != tCase.Want {
				t.Errorf("got %q, want %q", got, tCase.Want)
			}
		})
	}
}

func TestNormalizeUnchanged(t *testing.T) {
	in := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n"
	out, applied := NormalizeReport(in)
	if out != in {
		t.Errorf("well-formed input changed: %q", out)
	}
	if len(applied) != 0 {
		t.Errorf("applied = %v, want none", applied)
	}
	if got := Normalize("not a calendar"); got != "not a calendar" {
		t.Errorf("garbage changed: %q", got)
	}
}

// Scenario B: a payload that lost all of its line breaks, with and
// without the newline that ends most files.
func TestNormalizeSingleLineThenParse(t *testing.T) {
	raw := "BEGIN:VCALENDAR VERSION:2.0 PRODID:-//Test//EN BEGIN:VEVENT UID:b1@x DTSTART:20250101T090000Z SUMMARY:Test END:VEVENT END:VCALENDAR"

	for name, in := range map[string]string{"bare": raw, "crlf": raw + "\r\n", "lf": raw + "\n"} {
		t.Run(name, func(t *testing.T) {
			normalized, applied := NormalizeReport(in)
			if strings.Count(normalized, "\r\n") < 8 {
				t.Fatalf("expected multi-line output, got %q", normalized)
			}
			if len(applied) == 0 || applied[0] != "single-line-payload" {
				t.Errorf("applied = %v", applied)
			}

			cal, diags := Parse(normalized)
			if len(cal.Events) != 1 {
				t.Fatalf("events = %d, diags = %v", len(cal.Events), diags)
			}
			if got := cal.Events[0].Summary; got != "Test" {
				t.Errorf("summary = %q, want Test", got)
			}
			if got := cal.Events[0].UID; got != "b1@x" {
				t.Errorf("uid = %q", got)
			}
		})
	}
}

func TestStripEmbeddedTerminators(t *testing.T) {
	testCases := []struct {
		In      string
		Want    string
		Changed bool
	}{
		{In: "Weekly sync END:VEVENT", Want: "Weekly sync", Changed: true},
		{In: `Notes\nEND:VEVENT\nEND:VCALENDAR`, Want: "Notes", Changed: true},
		{In: "Plain value", Want: "Plain value"},
		{In: "The END: of it", Want: "The END: of it"},
	}
	for _, tCase := range testCases {
		got, changed := StripEmbeddedTerminators(tCase.In)
		if got != tCase.Want || changed != tCase.Changed {
			t.Errorf("StripEmbeddedTerminators(%q) = %q, %t", tCase.In, got, changed)
		}
	}
}
