// Package uid generates self-describing event UIDs of the form
//
//	20261014T095300Z-6f1c2e0a9b7d4c1e8f3a2b5c6d7e8f90@calcodec.local
//
// The leading UTC timestamp records when the UID was minted, the middle
// segment is a random UUID without dashes, and the suffix is the
// configured domain. No coordination is needed between generators.
package uid

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	stampLayout   = "20060102T150405Z"
	DefaultDomain = "calcodec.local"
)

type Generator struct {
	Domain string
	Now    func() time.Time
}

func NewGenerator(domain string) *Generator {
	return &Generator{Domain: domain}
}

// New returns a fresh UID.
func (g *Generator) New() string {
	now := time.Now
	domain := DefaultDomain
	if g != nil {
		if g.Now != nil {
			now = g.Now
		}
		if d := strings.Trim(strings.TrimSpace(g.Domain), "@"); d != "" {
			domain = d
		}
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return now().UTC().Format(stampLayout) + "-" + random + "@" + domain
}

// Timestamp extracts the mint time from a UID produced by Generator.
// Foreign UIDs report ok=false.
func Timestamp(s string) (time.Time, bool) {
	if len(s) < len(stampLayout)+1 || s[len(stampLayout)] != '-' {
		return time.Time{}, false
	}
	t, err := time.Parse(stampLayout, s[:len(stampLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
