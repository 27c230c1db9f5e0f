// Package mitre maps adversarial-ML telemetry onto MITRE ATLAS techniques.
package mitre

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/medguard/internal/telemetry"
)

// Framework is the ATLAS catalog and event mapper. Safe for concurrent use.
type Framework struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	rules      []rule
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Technique represents an ATLAS technique or sub-technique
type Technique struct {
	ID      string   `json:"id"`      // e.g., "AML.T0024.002"
	Name    string   `json:"name"`    // e.g., "Extract ML Model"
	Tactics []string `json:"tactics"` // e.g., ["exfiltration"]
	URL     string   `json:"url"`
}

// Tactic represents an ATLAS tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "AML.TA0010"
	Name      string `json:"name"`       // e.g., "Exfiltration"
	ShortName string `json:"short_name"` // e.g., "exfiltration"
	URL       string `json:"url"`
}

// Mapping represents a technique mapping for one event
type Mapping struct {
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticID      string  `json:"tactic_id"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
	Evidence      string  `json:"evidence"`
}

// rule maps an event-kind family to techniques. The first tactic listed on
// the technique is reported.
type rule struct {
	match      string
	techniques []string
	confidence float64
}

const errorSuffix = "_error"

// NewFramework creates the catalog with the built-in techniques and rules.
func NewFramework(logger *zap.Logger) *Framework {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Framework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
		logger:     logger,
	}

	f.initializeTactics()
	f.initializeTechniques()
	f.rules = []rule{
		{match: "poisoning", techniques: []string{"AML.T0020", "AML.T0018"}, confidence: 0.8},
		{match: "extraction", techniques: []string{"AML.T0024.002", "AML.T0040"}, confidence: 0.8},
		{match: "membership", techniques: []string{"AML.T0024.000"}, confidence: 0.8},
		{match: "inversion", techniques: []string{"AML.T0024.001"}, confidence: 0.8},
		{match: "evasion", techniques: []string{"AML.T0015", "AML.T0043"}, confidence: 0.7},
	}

	return f
}

// MapEvent maps an attack event to ATLAS techniques. Non-attacks, failed
// checks and unknown kinds map to nothing.
func (f *Framework) MapEvent(event telemetry.SecurityEvent) []Mapping {
	if !event.IsAttack {
		return nil
	}
	kind := strings.ToLower(strings.TrimSpace(event.EventKind))
	if kind == "" || strings.HasSuffix(kind, errorSuffix) {
		return nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, r := range f.rules {
		if !strings.Contains(kind, r.match) {
			continue
		}
		mappings := make([]Mapping, 0, len(r.techniques))
		for i, id := range r.techniques {
			t, ok := f.techniques[id]
			if !ok {
				continue
			}
			m := Mapping{
				TechniqueID:   t.ID,
				TechniqueName: t.Name,
				Confidence:    r.confidence,
				Evidence:      fmt.Sprintf("%s flagged with anomaly score %.4f", event.EventKind, event.AnomalyScore),
			}
			// Secondary techniques are weaker evidence.
			if i > 0 {
				m.Confidence = r.confidence / 2
			}
			if len(t.Tactics) > 0 {
				if tactic, ok := f.tactics[t.Tactics[0]]; ok {
					m.TacticID = tactic.ID
					m.TacticName = tactic.Name
				}
			}
			mappings = append(mappings, m)
		}
		return mappings
	}

	f.logger.Debug("No ATLAS mapping for event kind", zap.String("event_kind", event.EventKind))
	return nil
}

// GetTechnique returns a technique by ID
func (f *Framework) GetTechnique(id string) (*Technique, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (f *Framework) GetTactic(id string) (*Tactic, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if t, ok := f.tactics[strings.ToLower(id)]; ok {
		return t, true
	}
	t, ok := f.tactics[strings.ToUpper(id)]
	return t, ok
}

// Techniques returns the catalog sorted by ID.
func (f *Framework) Techniques() []*Technique {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]*Technique, 0, len(f.techniques))
	for _, t := range f.techniques {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetTechniquesByTactic returns all techniques for a given tactic
func (f *Framework) GetTechniquesByTactic(tactic string) []*Technique {
	short := strings.ToLower(tactic)
	if t, ok := f.GetTactic(tactic); ok {
		short = t.ShortName
	}

	result := make([]*Technique, 0)
	for _, t := range f.Techniques() {
		for _, name := range t.Tactics {
			if name == short {
				result = append(result, t)
				break
			}
		}
	}
	return result
}

func (f *Framework) initializeTechniques() {
	f.mu.Lock()
	defer f.mu.Unlock()

	techniques := []*Technique{
		{ID: "AML.T0015", Name: "Evade ML Model", Tactics: []string{"defense-evasion", "impact"}},
		{ID: "AML.T0018", Name: "Backdoor ML Model", Tactics: []string{"persistence", "ml-attack-staging"}},
		{ID: "AML.T0020", Name: "Poison Training Data", Tactics: []string{"resource-development", "persistence"}},
		{ID: "AML.T0024", Name: "Exfiltration via ML Inference API", Tactics: []string{"exfiltration"}},
		{ID: "AML.T0024.000", Name: "Infer Training Data Membership", Tactics: []string{"exfiltration"}},
		{ID: "AML.T0024.001", Name: "Invert ML Model", Tactics: []string{"exfiltration"}},
		{ID: "AML.T0024.002", Name: "Extract ML Model", Tactics: []string{"exfiltration"}},
		{ID: "AML.T0029", Name: "Denial of ML Service", Tactics: []string{"impact"}},
		{ID: "AML.T0040", Name: "ML Model Inference API Access", Tactics: []string{"ml-model-access"}},
		{ID: "AML.T0043", Name: "Craft Adversarial Data", Tactics: []string{"ml-attack-staging"}},
	}

	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://atlas.mitre.org/techniques/%s", t.ID)
		f.techniques[t.ID] = t
	}
}

func (f *Framework) initializeTactics() {
	f.mu.Lock()
	defer f.mu.Unlock()

	tactics := []*Tactic{
		{ID: "AML.TA0000", Name: "ML Model Access", ShortName: "ml-model-access"},
		{ID: "AML.TA0001", Name: "ML Attack Staging", ShortName: "ml-attack-staging"},
		{ID: "AML.TA0002", Name: "Reconnaissance", ShortName: "reconnaissance"},
		{ID: "AML.TA0003", Name: "Resource Development", ShortName: "resource-development"},
		{ID: "AML.TA0004", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "AML.TA0005", Name: "Execution", ShortName: "execution"},
		{ID: "AML.TA0006", Name: "Persistence", ShortName: "persistence"},
		{ID: "AML.TA0007", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "AML.TA0008", Name: "Discovery", ShortName: "discovery"},
		{ID: "AML.TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "AML.TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "AML.TA0011", Name: "Impact", ShortName: "impact"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://atlas.mitre.org/tactics/%s", t.ID)
		f.tactics[t.ShortName] = t
		f.tactics[t.ID] = t
	}
}
