// Package correlation groups attack events that share an input fingerprint
// into chains. Repeated attacks with the same input inside a short window
// usually come from one campaign against the model.
package correlation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/medguard/internal/mitre"
	"github.com/lvonguyen/medguard/internal/telemetry"
)

// EventChain represents a correlated sequence of attack events
type EventChain struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"input_fingerprint"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	EventIDs    []string  `json:"event_ids"`
	EventKinds  []string  `json:"event_kinds"`
	// RiskScore is the mean anomaly score of the chain's events.
	RiskScore  float64  `json:"risk_score"`
	Summary    string   `json:"summary"`
	MITREChain []string `json:"mitre_chain"`
}

// Config holds configuration for the correlator
type Config struct {
	// TimeWindow is the largest gap between consecutive events of one chain.
	TimeWindow        time.Duration `yaml:"time_window"`
	MinEventsForChain int           `yaml:"min_events_for_chain"`
	RiskThreshold     float64       `yaml:"risk_threshold"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TimeWindow:        15 * time.Minute,
		MinEventsForChain: 3,
	}
}

// TechniqueMapper maps an event to ATLAS techniques.
type TechniqueMapper interface {
	MapEvent(event telemetry.SecurityEvent) []mitre.Mapping
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTechniques fills each chain's MITRE chain from m.
func WithTechniques(m TechniqueMapper) Option {
	return func(c *Correlator) { c.techniques = m }
}

// Correlator correlates related events into attack chains. It holds no
// mutable state and is safe for concurrent use.
type Correlator struct {
	config     Config
	techniques TechniqueMapper
	logger     *zap.Logger
}

// NewCorrelator creates a new correlator. Zero window or minimum size take
// the defaults.
func NewCorrelator(cfg Config, opts ...Option) *Correlator {
	def := DefaultConfig()
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = def.TimeWindow
	}
	if cfg.MinEventsForChain <= 0 {
		cfg.MinEventsForChain = def.MinEventsForChain
	}

	c := &Correlator{config: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Correlate builds attack chains ordered by start time. Events without a
// fingerprint or a valid timestamp never join a chain.
func (c *Correlator) Correlate(events []telemetry.SecurityEvent) []EventChain {
	byFingerprint := groupByFingerprint(events)

	fingerprints := make([]string, 0, len(byFingerprint))
	for fp := range byFingerprint {
		fingerprints = append(fingerprints, fp)
	}
	sort.Strings(fingerprints)

	var chains []EventChain
	for _, fp := range fingerprints {
		group := byFingerprint[fp]
		sort.SliceStable(group, func(i, j int) bool {
			before, _ := group[i].Timestamp.Before(group[j].Timestamp)
			return before
		})

		start := 0
		for i := 1; i <= len(group); i++ {
			if i < len(group) && group[i].Timestamp.Time.Sub(group[i-1].Timestamp.Time) <= c.config.TimeWindow {
				continue
			}
			if chain, ok := c.buildChain(fp, group[start:i]); ok {
				chains = append(chains, chain)
			}
			start = i
		}
	}

	sort.SliceStable(chains, func(i, j int) bool {
		if !chains[i].StartTime.Equal(chains[j].StartTime) {
			return chains[i].StartTime.Before(chains[j].StartTime)
		}
		return chains[i].ID < chains[j].ID
	})

	if len(chains) > 0 {
		c.logger.Debug("Correlated attack chains",
			zap.Int("chains", len(chains)),
			zap.Int("events", len(events)),
		)
	}
	return chains
}

// groupByFingerprint keeps attack events that can be placed in time.
// Failed checks are not attacks on the model.
func groupByFingerprint(events []telemetry.SecurityEvent) map[string][]telemetry.SecurityEvent {
	byFingerprint := make(map[string][]telemetry.SecurityEvent)
	for _, e := range events {
		fp := strings.TrimSpace(e.InputFingerprint)
		if !e.IsAttack || fp == "" || !e.Timestamp.Valid {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.EventKind), "_error") {
			continue
		}
		byFingerprint[fp] = append(byFingerprint[fp], e)
	}
	return byFingerprint
}

func (c *Correlator) buildChain(fp string, events []telemetry.SecurityEvent) (EventChain, bool) {
	if len(events) < c.config.MinEventsForChain {
		return EventChain{}, false
	}

	var total float64
	for _, e := range events {
		total += e.AnomalyScore
	}
	risk := total / float64(len(events))
	if risk < c.config.RiskThreshold {
		return EventChain{}, false
	}

	start := events[0].Timestamp.Time
	chain := EventChain{
		ID:          fmt.Sprintf("%s-%d", shortFingerprint(fp), start.Unix()),
		Fingerprint: fp,
		StartTime:   start,
		EndTime:     events[len(events)-1].Timestamp.Time,
		EventIDs:    make([]string, 0, len(events)),
		RiskScore:   risk,
	}

	kinds := make(map[string]bool)
	techniques := make(map[string]bool)
	for _, e := range events {
		chain.EventIDs = append(chain.EventIDs, e.ID)
		if e.EventKind != "" && !kinds[e.EventKind] {
			kinds[e.EventKind] = true
			chain.EventKinds = append(chain.EventKinds, e.EventKind)
		}
		if c.techniques == nil {
			continue
		}
		for _, m := range c.techniques.MapEvent(e) {
			if !techniques[m.TechniqueID] {
				techniques[m.TechniqueID] = true
				chain.MITREChain = append(chain.MITREChain, m.TechniqueID)
			}
		}
	}

	chain.Summary = generateSummary(chain)
	return chain, true
}

func generateSummary(chain EventChain) string {
	kinds := "unknown"
	if len(chain.EventKinds) > 0 {
		kinds = strings.Join(chain.EventKinds, ", ")
	}
	return fmt.Sprintf("%d attack events on input %s over %s (%s)",
		len(chain.EventIDs), shortFingerprint(chain.Fingerprint), chain.EndTime.Sub(chain.StartTime), kinds)
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
