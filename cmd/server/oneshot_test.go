package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/medguard/internal/telemetry"
	"github.com/lvonguyen/medguard/internal/telemetry/classification"
)

func TestPrintSnapshot(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	snap := telemetry.NewSnapshot([]telemetry.SecurityEvent{
		{ID: "1", Timestamp: telemetry.NewTimestamp(at.Add(-time.Hour)), EventKind: "poisoning_check", IsAttack: true, AnomalyScore: 0.25},
		{ID: "2", Timestamp: telemetry.InvalidTimestamp("yesterday"), EventKind: "extraction_check"},
	}, at)

	var buf bytes.Buffer
	require.NoError(t, printSnapshot(&buf, snap, classification.NewClassifier(classification.DefaultTaxonomy())))

	out := buf.String()
	assert.Contains(t, out, "Attack rate:       50.0%")
	assert.Contains(t, out, "MODEL POISONING")
	assert.Contains(t, out, "SECURE")
	assert.Contains(t, out, "yesterday")
}

func TestVersionCmd(t *testing.T) {
	cmd := newVersionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "MedGuard dev")
}

func TestLoadConfig_Defaults(t *testing.T) {
	configPath = ""
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Telemetry.PollInterval)
	assert.Equal(t, 50, cfg.Workflow.RecordLimit)
}
