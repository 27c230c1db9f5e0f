package classification

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lvonguyen/medguard/internal/telemetry"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(DefaultTaxonomy())

	tests := []struct {
		name     string
		event    telemetry.SecurityEvent
		label    string
		severity telemetry.Severity
		color    string
	}{
		{
			name:     "non attack is secure regardless of kind",
			event:    telemetry.SecurityEvent{EventKind: "poisoning_check", IsAttack: false},
			label:    LabelSecure,
			severity: telemetry.SeverityNone,
			color:    ColorSecure,
		},
		{
			name:     "non attack error kind is secure",
			event:    telemetry.SecurityEvent{EventKind: "system_error"},
			label:    LabelSecure,
			severity: telemetry.SeverityNone,
			color:    ColorSecure,
		},
		{
			name:     "poisoning",
			event:    telemetry.SecurityEvent{EventKind: "poisoning_check", IsAttack: true},
			label:    "MODEL POISONING",
			severity: telemetry.SeverityThreat,
			color:    ColorThreat,
		},
		{
			name:     "extraction",
			event:    telemetry.SecurityEvent{EventKind: "Extraction_Check", IsAttack: true},
			label:    "MODEL EXTRACTION",
			severity: telemetry.SeverityThreat,
			color:    ColorThreat,
		},
		{
			name:     "error suffix",
			event:    telemetry.SecurityEvent{EventKind: "poisoning_check_error", IsAttack: true},
			label:    "POISONING CHECK ERROR",
			severity: telemetry.SeverityError,
			color:    ColorError,
		},
		{
			name:     "bare error kind",
			event:    telemetry.SecurityEvent{EventKind: "_error", IsAttack: true},
			label:    "ERROR",
			severity: telemetry.SeverityError,
			color:    ColorError,
		},
		{
			name:     "unknown kind still a threat",
			event:    telemetry.SecurityEvent{EventKind: "quantum_side_channel", IsAttack: true},
			label:    LabelGeneric,
			severity: telemetry.SeverityThreat,
			color:    ColorThreat,
		},
		{
			name:     "empty kind still a threat",
			event:    telemetry.SecurityEvent{IsAttack: true},
			label:    LabelGeneric,
			severity: telemetry.SeverityThreat,
			color:    ColorThreat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.event)
			assert.Equal(t, tt.label, got.Label)
			assert.Equal(t, tt.severity, got.Severity)
			assert.Equal(t, tt.color, got.ColorClass)
		})
	}
}

func TestRegister_ExtendsTaxonomy(t *testing.T) {
	c := NewClassifier(DefaultTaxonomy())
	event := telemetry.SecurityEvent{EventKind: "prompt_injection", IsAttack: true}

	assert.Equal(t, LabelGeneric, c.Classify(event).Label)

	c.Register(Entry{Match: "Prompt_Injection", Label: "PROMPT INJECTION"})
	got := c.Classify(event)
	assert.Equal(t, "PROMPT INJECTION", got.Label)
	assert.Equal(t, ColorThreat, got.ColorClass)
}

func TestRegister_ExactBeatsFamily(t *testing.T) {
	c := NewClassifier(DefaultTaxonomy())
	c.Register(Entry{Match: "label_poisoning_audit", Label: "POISONING AUDIT", ColorClass: "text-orange-400"})

	got := c.Classify(telemetry.SecurityEvent{EventKind: "label_poisoning_audit", IsAttack: true})
	assert.Equal(t, "POISONING AUDIT", got.Label)
	assert.Equal(t, "text-orange-400", got.ColorClass)

	got = c.Classify(telemetry.SecurityEvent{EventKind: "poisoning_check", IsAttack: true})
	assert.Equal(t, "MODEL POISONING", got.Label)
}

func TestRegister_ReplacesExisting(t *testing.T) {
	c := NewClassifier(DefaultTaxonomy())
	c.Register(Entry{Match: "poisoning", Label: "DATA POISONING"})

	got := c.Classify(telemetry.SecurityEvent{EventKind: "poisoning_check", IsAttack: true})
	assert.Equal(t, "DATA POISONING", got.Label)
}

func TestClassify_ConcurrentWithRegister(t *testing.T) {
	c := NewClassifier(DefaultTaxonomy())
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Register(Entry{Match: "evasion", Label: "ADVERSARIAL EVASION"})
		}()
		go func() {
			defer wg.Done()
			c.Classify(telemetry.SecurityEvent{EventKind: "evasion_attempt", IsAttack: true})
		}()
	}
	wg.Wait()
}
