// Package classification maps security events onto the threat taxonomy shown
// to operators. The taxonomy is open: unknown kinds still classify.
package classification

import (
	"strings"
	"sync"

	"github.com/lvonguyen/medguard/internal/telemetry"
)

// Display classes for each severity.
const (
	ColorSecure = "text-green-400"
	ColorError  = "text-yellow-400"
	ColorThreat = "text-red-400"
)

const (
	LabelSecure  = "SECURE"
	LabelGeneric = "THREAT DETECTED"

	errorSuffix = "_error"
)

// Entry is one taxonomy entry for a threat family.
type Entry struct {
	// Match is compared against the lower-cased event kind: an exact match
	// wins, otherwise the first family whose Match is a substring.
	Match      string
	Label      string
	ColorClass string
}

// DefaultTaxonomy returns the built-in threat families.
func DefaultTaxonomy() []Entry {
	return []Entry{
		{Match: "poisoning", Label: "MODEL POISONING", ColorClass: ColorThreat},
		{Match: "extraction", Label: "MODEL EXTRACTION", ColorClass: ColorThreat},
		{Match: "membership", Label: "MEMBERSHIP INFERENCE", ColorClass: ColorThreat},
		{Match: "inversion", Label: "MODEL INVERSION", ColorClass: ColorThreat},
		{Match: "evasion", Label: "ADVERSARIAL EVASION", ColorClass: ColorThreat},
	}
}

// Classifier is safe for concurrent use.
type Classifier struct {
	mu       sync.RWMutex
	exact    map[string]Entry
	families []Entry
}

// NewClassifier creates a classifier seeded with entries.
func NewClassifier(entries []Entry) *Classifier {
	c := &Classifier{exact: make(map[string]Entry)}
	for _, e := range entries {
		c.Register(e)
	}
	return c
}

// Register adds or replaces a family. Later registrations for the same Match
// replace earlier ones.
func (c *Classifier) Register(e Entry) {
	e.Match = strings.ToLower(strings.TrimSpace(e.Match))
	if e.Match == "" {
		return
	}
	if e.ColorClass == "" {
		e.ColorClass = ColorThreat
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.exact[e.Match]; ok {
		for i := range c.families {
			if c.families[i].Match == e.Match {
				c.families[i] = e
			}
		}
	} else {
		c.families = append(c.families, e)
	}
	c.exact[e.Match] = e
}

// Classify never fails. Non-attacks are secure, attack kinds ending in
// _error are errors, everything else is a threat.
func (c *Classifier) Classify(event telemetry.SecurityEvent) telemetry.Classification {
	if !event.IsAttack {
		return telemetry.Classification{
			Label:      LabelSecure,
			Severity:   telemetry.SeverityNone,
			ColorClass: ColorSecure,
		}
	}

	kind := strings.ToLower(strings.TrimSpace(event.EventKind))

	if strings.HasSuffix(kind, errorSuffix) {
		return telemetry.Classification{
			Label:      errorLabel(kind),
			Severity:   telemetry.SeverityError,
			ColorClass: ColorError,
		}
	}

	if e, ok := c.lookup(kind); ok {
		return telemetry.Classification{
			Label:      e.Label,
			Severity:   telemetry.SeverityThreat,
			ColorClass: e.ColorClass,
		}
	}

	return telemetry.Classification{
		Label:      LabelGeneric,
		Severity:   telemetry.SeverityThreat,
		ColorClass: ColorThreat,
	}
}

func (c *Classifier) lookup(kind string) (Entry, bool) {
	if kind == "" {
		return Entry{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.exact[kind]; ok {
		return e, true
	}
	for _, e := range c.families {
		if strings.Contains(kind, e.Match) {
			return e, true
		}
	}
	return Entry{}, false
}

// errorLabel turns "poisoning_check_error" into "POISONING CHECK ERROR".
func errorLabel(kind string) string {
	base := strings.TrimSuffix(kind, errorSuffix)
	base = strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(base))
	if base == "" {
		return "ERROR"
	}
	return strings.ToUpper(strings.Join(strings.Fields(base), " ")) + " ERROR"
}
