// Package telemetry provides the canonical security event model for the
// anomaly-detection logs emitted by the inference service, together with the
// derived metrics computed over each snapshot.
package telemetry

import (
	"context"
	"encoding/json"
	"time"
)

// SecurityEvent is the canonical form of one security log record. Every field
// is always populated; see normalization for the coercion rules.
type SecurityEvent struct {
	ID               string    `json:"id"`
	Timestamp        Timestamp `json:"timestamp"`
	InputFingerprint string    `json:"input_fingerprint"`
	AnomalyScore     float64   `json:"anomaly_score"`
	IsAttack         bool      `json:"is_attack"`
	EventKind        string    `json:"event_kind"`
	AdditionalInfo   any       `json:"additional_info"`
}

// Timestamp is an event time that may have failed to parse. Invalid values
// keep their original text and never compare as before or after anything.
type Timestamp struct {
	Time  time.Time
	Raw   string
	Valid bool
}

// NewTimestamp returns a valid timestamp normalized to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC(), Raw: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// InvalidTimestamp preserves raw verbatim.
func InvalidTimestamp(raw string) Timestamp {
	return Timestamp{Raw: raw}
}

// Before reports whether t is before u. ok is false when either side is invalid.
func (t Timestamp) Before(u Timestamp) (before bool, ok bool) {
	if !t.Valid || !u.Valid {
		return false, false
	}
	return t.Time.Before(u.Time), true
}

func (t Timestamp) String() string {
	if t.Valid {
		return t.Time.Format(time.RFC3339Nano)
	}
	return t.Raw
}

// MarshalJSON renders valid timestamps as RFC 3339 and invalid ones verbatim.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Severity is the outcome of threat classification.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityError
	SeverityThreat
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityError:
		return "error"
	case SeverityThreat:
		return "threat"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Classification is the taxonomy entry assigned to an event.
type Classification struct {
	Label      string   `json:"label"`
	Severity   Severity `json:"severity"`
	ColorClass string   `json:"color_class"`
}

// Collector acquires raw records from a telemetry source.
type Collector interface {
	// Name returns the collector name
	Name() string
	// Collect fetches the current batch of raw records. The result is the
	// decoded body as-is; it is not required to be an array.
	Collect(ctx context.Context) (any, error)
	// HealthCheck verifies connectivity
	HealthCheck(ctx context.Context) error
}

// Normalizer converts raw records to canonical events. Implementations must
// be total: they never fail and never drop a record.
type Normalizer interface {
	Normalize(raw any) []SecurityEvent
}

// Classifier maps an event to its taxonomy entry.
type Classifier interface {
	Classify(event SecurityEvent) Classification
}
