// Package playbooks provides incident response playbooks for attacks against
// the inference service. A playbook is matched to an event by its kind.
package playbooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/medguard/internal/telemetry"
)

// Playbook represents an incident response playbook
type Playbook struct {
	ID          string     `yaml:"id" json:"id"`
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Severity    string     `yaml:"severity" json:"severity"` // critical, high, medium, low
	Triggers    []Trigger  `yaml:"triggers" json:"triggers"`
	Steps       []Step     `yaml:"steps" json:"steps"`
	Escalation  Escalation `yaml:"escalation" json:"escalation"`
	Metadata    Metadata   `yaml:"metadata" json:"metadata"`
}

// Trigger activates a playbook for attack events whose lower-cased kind
// contains EventKind.
type Trigger struct {
	EventKind string `yaml:"event_kind" json:"event_kind"`
	// MinScore is the lowest anomaly score that fires the trigger.
	MinScore float64 `yaml:"min_score" json:"min_score"`
}

// Step represents a single step in the playbook
type Step struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	Type        string        `yaml:"type" json:"type"`   // manual, automated
	Owner       string        `yaml:"owner" json:"owner"` // role responsible
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	OnFailure   string        `yaml:"on_failure" json:"on_failure,omitempty"` // step ID or "escalate"
}

// Escalation defines escalation procedures
type Escalation struct {
	TimeLimit   time.Duration `yaml:"time_limit" json:"time_limit"`
	NotifyRoles []string      `yaml:"notify_roles" json:"notify_roles"`
}

// Metadata contains playbook metadata
type Metadata struct {
	Author       string   `yaml:"author" json:"author"`
	Version      string   `yaml:"version" json:"version"`
	AtlasTactics []string `yaml:"atlas_tactics" json:"atlas_tactics"`
}

// Manager manages playbooks. Safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	playbooks map[string]*Playbook
	logger    *zap.Logger
}

// NewManager creates a manager seeded with the built-in playbooks.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		playbooks: make(map[string]*Playbook),
		logger:    logger,
	}
	for _, pb := range defaultPlaybooks() {
		m.playbooks[pb.ID] = pb
	}
	return m
}

// GetPlaybook returns a playbook by ID
func (m *Manager) GetPlaybook(id string) (*Playbook, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pb, ok := m.playbooks[id]
	return pb, ok
}

// List returns every playbook sorted by ID.
func (m *Manager) List() []*Playbook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Playbook, 0, len(m.playbooks))
	for _, pb := range m.playbooks {
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForEvent finds the playbook for an attack event. Failed checks have none.
// Ties go to the lowest ID.
func (m *Manager) ForEvent(event telemetry.SecurityEvent) (*Playbook, bool) {
	if !event.IsAttack {
		return nil, false
	}
	kind := strings.ToLower(strings.TrimSpace(event.EventKind))
	if kind == "" || strings.HasSuffix(kind, "_error") {
		return nil, false
	}

	for _, pb := range m.List() {
		for _, t := range pb.Triggers {
			if t.EventKind != "" && strings.Contains(kind, strings.ToLower(t.EventKind)) && event.AnomalyScore >= t.MinScore {
				return pb, true
			}
		}
	}
	return nil, false
}

// LoadPlaybook loads a playbook from YAML, replacing any with the same ID.
func (m *Manager) LoadPlaybook(yamlData []byte) error {
	var pb Playbook
	if err := yaml.Unmarshal(yamlData, &pb); err != nil {
		return fmt.Errorf("parsing playbook YAML: %w", err)
	}
	if pb.ID == "" {
		return fmt.Errorf("playbook has no id")
	}
	if len(pb.Triggers) == 0 {
		return fmt.Errorf("playbook %s has no triggers", pb.ID)
	}

	m.mu.Lock()
	m.playbooks[pb.ID] = &pb
	m.mu.Unlock()

	m.logger.Info("Playbook loaded",
		zap.String("id", pb.ID),
		zap.String("name", pb.Name),
	)
	return nil
}

// LoadDir loads every *.yaml and *.yml file in dir.
func (m *Manager) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading playbook directory: %w", err)
	}

	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("reading playbook %s: %w", e.Name(), err)
		}
		if err := m.LoadPlaybook(data); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return nil
}

// ExportPlaybook exports a playbook to YAML
func (m *Manager) ExportPlaybook(id string) ([]byte, error) {
	pb, ok := m.GetPlaybook(id)
	if !ok {
		return nil, fmt.Errorf("playbook not found: %s", id)
	}
	return yaml.Marshal(pb)
}

func defaultPlaybooks() []*Playbook {
	meta := func(tactics ...string) Metadata {
		return Metadata{Author: "MedGuard Security", Version: "1.0", AtlasTactics: tactics}
	}
	escalate := Escalation{TimeLimit: time.Hour, NotifyRoles: []string{"security_lead", "ml_owner"}}

	return []*Playbook{
		{
			ID:          "pb-poisoning-001",
			Name:        "Training Data Poisoning Response",
			Description: "Contain suspected poisoning of the shared model's training inputs",
			Severity:    "critical",
			Triggers:    []Trigger{{EventKind: "poisoning"}},
			Steps: []Step{
				{ID: "step-1", Name: "Freeze Training", Description: "Suspend scheduled retraining and federated updates", Type: "manual", Owner: "ml_owner", Timeout: 15 * time.Minute, OnFailure: "escalate"},
				{ID: "step-2", Name: "Quarantine Inputs", Description: "Isolate the flagged input fingerprints and their source custodian", Type: "manual", Owner: "security_analyst", Timeout: time.Hour},
				{ID: "step-3", Name: "Roll Back Model", Description: "Restore the last model version validated before the first flagged event", Type: "manual", Owner: "ml_owner", Timeout: 4 * time.Hour, OnFailure: "escalate"},
			},
			Escalation: escalate,
			Metadata:   meta("resource-development", "persistence"),
		},
		{
			ID:          "pb-extraction-001",
			Name:        "Model Extraction Response",
			Description: "Stop systematic querying aimed at cloning the model",
			Severity:    "high",
			Triggers:    []Trigger{{EventKind: "extraction"}},
			Steps: []Step{
				{ID: "step-1", Name: "Throttle Caller", Description: "Tighten rate limits on the prediction endpoints for the offending operator", Type: "automated", Owner: "security_analyst", Timeout: 5 * time.Minute},
				{ID: "step-2", Name: "Review Query Pattern", Description: "Compare input fingerprints for grid or boundary sweeps", Type: "manual", Owner: "security_analyst", Timeout: 2 * time.Hour},
				{ID: "step-3", Name: "Revoke Access", Description: "Clear the operator session and rotate its token", Type: "manual", Owner: "security_lead", Timeout: time.Hour, OnFailure: "escalate"},
			},
			Escalation: escalate,
			Metadata:   meta("exfiltration", "ml-model-access"),
		},
		{
			ID:          "pb-privacy-001",
			Name:        "Training Data Privacy Response",
			Description: "Respond to membership inference or model inversion against patient records",
			Severity:    "critical",
			Triggers:    []Trigger{{EventKind: "membership"}, {EventKind: "inversion"}},
			Steps: []Step{
				{ID: "step-1", Name: "Suspend Predictions", Description: "Pause secure prediction for the affected custodians", Type: "manual", Owner: "security_lead", Timeout: 15 * time.Minute, OnFailure: "escalate"},
				{ID: "step-2", Name: "Assess Exposure", Description: "Identify which shared records were queried around the flagged events", Type: "manual", Owner: "privacy_officer", Timeout: 4 * time.Hour},
				{ID: "step-3", Name: "Notify Custodians", Description: "Inform both hospitals per the data sharing agreement", Type: "manual", Owner: "privacy_officer", Timeout: 24 * time.Hour, OnFailure: "escalate"},
			},
			Escalation: Escalation{TimeLimit: 30 * time.Minute, NotifyRoles: []string{"security_lead", "privacy_officer"}},
			Metadata:   meta("exfiltration"),
		},
		{
			ID:          "pb-evasion-001",
			Name:        "Adversarial Evasion Response",
			Description: "Handle crafted inputs that push the model toward wrong predictions",
			Severity:    "medium",
			Triggers:    []Trigger{{EventKind: "evasion"}},
			Steps: []Step{
				{ID: "step-1", Name: "Flag Predictions", Description: "Mark predictions served for the flagged inputs as untrusted", Type: "automated", Owner: "security_analyst", Timeout: 5 * time.Minute},
				{ID: "step-2", Name: "Collect Samples", Description: "Keep the adversarial inputs for robustness training", Type: "manual", Owner: "ml_owner", Timeout: 24 * time.Hour},
			},
			Escalation: escalate,
			Metadata:   meta("defense-evasion", "ml-attack-staging"),
		},
	}
}
