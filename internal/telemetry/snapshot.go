package telemetry

import (
	"sort"
	"time"
)

// RecentWindow bounds the recent-activity counters of a snapshot.
const RecentWindow = 24 * time.Hour

// KindStats holds per event kind subtotals.
type KindStats struct {
	Count   int `json:"count"`
	Attacks int `json:"attacks"`
}

// Snapshot is an immutable view of the latest successful fetch together with
// its derived metrics. It is replaced wholesale, never mutated.
type Snapshot struct {
	Events           []SecurityEvent      `json:"events"`
	Total            int                  `json:"total"`
	AttackCount      int                  `json:"attack_count"`
	NormalCount      int                  `json:"normal_count"`
	AttackRate       float64              `json:"attack_rate"`
	MeanAnomalyScore float64              `json:"mean_anomaly_score"`
	ByKind           map[string]KindStats `json:"by_kind"`
	RecentCount      int                  `json:"recent_count"`
	RecentAttacks    int                  `json:"recent_attacks"`
	RefreshedAt      time.Time            `json:"refreshed_at"`
}

// EmptySnapshot is the snapshot held before the first successful refresh.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		Events: []SecurityEvent{},
		ByKind: map[string]KindStats{},
	}
}

// NewSnapshot derives every metric from events. events is copied; order is
// preserved.
func NewSnapshot(events []SecurityEvent, refreshedAt time.Time) *Snapshot {
	s := &Snapshot{
		Events:      make([]SecurityEvent, len(events)),
		Total:       len(events),
		ByKind:      make(map[string]KindStats),
		RefreshedAt: refreshedAt,
	}
	copy(s.Events, events)

	var scoreSum float64
	recentSince := NewTimestamp(refreshedAt.Add(-RecentWindow))

	for _, e := range s.Events {
		scoreSum += e.AnomalyScore

		ks := s.ByKind[e.EventKind]
		ks.Count++
		if e.IsAttack {
			s.AttackCount++
			ks.Attacks++
		}
		s.ByKind[e.EventKind] = ks

		if before, ok := e.Timestamp.Before(recentSince); ok && !before {
			s.RecentCount++
			if e.IsAttack {
				s.RecentAttacks++
			}
		}
	}

	s.NormalCount = s.Total - s.AttackCount
	if s.Total > 0 {
		s.AttackRate = float64(s.AttackCount) / float64(s.Total)
		s.MeanAnomalyScore = scoreSum / float64(s.Total)
	}
	return s
}

// AttackRatePercent returns the attack rate scaled to 0-100.
func (s *Snapshot) AttackRatePercent() float64 {
	return s.AttackRate * 100
}

// Kinds returns the event kinds present, sorted.
func (s *Snapshot) Kinds() []string {
	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
