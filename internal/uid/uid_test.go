package uid

import (
	"regexp"
	"testing"
	"time"
)

var uidPattern = regexp.MustCompile(`^\d{8}T\d{6}Z-[0-9a-f]{32}@example\.org$`)

func TestGeneratorFormat(t *testing.T) {
	fixed := time.Date(2026, 10, 14, 9, 53, 0, 0, time.UTC)
	g := &Generator{Domain: "@example.org", Now: func() time.Time { return fixed }}

	got := g.New()
	if !uidPattern.MatchString(got) {
		t.Fatalf("uid %q does not match %s", got, uidPattern)
	}
	ts, ok := Timestamp(got)
	if !ok || !ts.Equal(fixed) {
		t.Errorf("Timestamp(%q) = %v, %v", got, ts, ok)
	}
}

func TestGeneratorUnique(t *testing.T) {
	g := NewGenerator("example.org")
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		u := g.New()
		if seen[u] {
			t.Fatalf("duplicate uid %q", u)
		}
		seen[u] = true
	}
}

func TestNilGeneratorUsesDefaults(t *testing.T) {
	var g *Generator
	if got := g.New(); !regexp.MustCompile(`@calcodec\.local$`).MatchString(got) {
		t.Errorf("nil generator uid = %q", got)
	}
}

func TestTimestampForeign(t *testing.T) {
	for _, s := range []string{"", "e1@x", "74855313FA803DA593CD579A@example.com"} {
		if _, ok := Timestamp(s); ok {
			t.Errorf("Timestamp(%q) ok, want false", s)
		}
	}
}
