// Package normalization converts security log records of any shape into
// canonical telemetry.SecurityEvent values.
package normalization

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lvonguyen/medguard/internal/telemetry"
)

// idNamespace seeds deterministic ids for records that arrive without one.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("medguard:security-log"))

const errorSuffix = "_error"

// NormalizerConfig holds configuration for normalization
type NormalizerConfig struct {
	DefaultKind string `yaml:"default_kind"`
}

// DefaultNormalizerConfig returns the default normalizer configuration.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{DefaultKind: "unknown"}
}

// Normalizer handles schema normalization
type Normalizer struct {
	config NormalizerConfig
}

// NewNormalizer creates a new normalizer
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.DefaultKind == "" {
		cfg.DefaultKind = "unknown"
	}
	return &Normalizer{config: cfg}
}

// Normalize converts a decoded telemetry payload. Non-array input yields an
// empty, non-nil slice. Each element yields exactly one event.
func (n *Normalizer) Normalize(raw any) []telemetry.SecurityEvent {
	records, ok := raw.([]any)
	if !ok {
		return []telemetry.SecurityEvent{}
	}

	events := make([]telemetry.SecurityEvent, 0, len(records))
	seen := make(map[string]int, len(records))
	for _, rec := range records {
		event := n.NormalizeRecord(rec)
		// Identical id-less records must still get distinct ids.
		base := event.ID
		if k := seen[base]; k > 0 {
			event.ID = derivedID(fmt.Sprintf("%s#%d", base, k))
		}
		seen[base]++
		events = append(events, event)
	}
	return events
}

// NormalizeRecord converts one record. Non-object records produce an event
// made entirely of fallback values.
func (n *Normalizer) NormalizeRecord(rec any) telemetry.SecurityEvent {
	fields, _ := rec.(map[string]any)

	event := telemetry.SecurityEvent{
		Timestamp:        ToTimestamp(lookup(fields, "timestamp", "created_at")),
		InputFingerprint: ToTrimmedString(lookup(fields, "input_hash", "input_fingerprint"), ""),
		AnomalyScore:     ToNumber(lookup(fields, "mse", "anomaly_score")),
		IsAttack:         ToBool(lookup(fields, "is_attack")),
		EventKind:        n.eventKind(fields),
		AdditionalInfo:   additionalInfo(fields),
	}

	event.ID = ToTrimmedString(lookup(fields, "id", "_id"), "")
	if event.ID == "" {
		event.ID = derivedID(canonical(rec))
	}
	return event
}

// eventKind returns the trimmed event_type. A record carrying its own error
// marker is always given an error kind.
func (n *Normalizer) eventKind(fields map[string]any) string {
	kind := ToTrimmedString(lookup(fields, "event_type", "event_kind"), "")
	marker := ToTrimmedString(fields["error"], "")

	switch {
	case marker == "" && kind == "":
		return n.config.DefaultKind
	case marker == "":
		return kind
	case kind == "":
		return "source" + errorSuffix
	case strings.HasSuffix(strings.ToLower(kind), errorSuffix):
		return kind
	default:
		return kind + errorSuffix
	}
}

func lookup(fields map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func additionalInfo(fields map[string]any) any {
	if v, ok := fields["additional_info"]; ok && v != nil {
		return v
	}
	return map[string]any{}
}

// canonical renders rec deterministically; encoding/json sorts map keys.
func canonical(rec any) string {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Sprintf("%#v", rec)
	}
	return string(data)
}

func derivedID(seed string) string {
	return uuid.NewSHA1(idNamespace, []byte(seed)).String()
}
