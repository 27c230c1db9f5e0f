// Package forwarding ships attack events to Splunk through the HTTP Event
// Collector. Each event is forwarded at most once per process.
package forwarding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/medguard/internal/telemetry"
)

// Config holds HEC forwarder configuration.
type Config struct {
	HECURL     string
	TokenEnv   string
	Index      string
	SourceType string
	Source     string
	Timeout    time.Duration
	RetryCount int
	// Backoff is the base delay between retries; attempt n waits n*n*Backoff.
	Backoff time.Duration
	// QueueSize bounds snapshots waiting to be forwarded. Extra snapshots are
	// dropped; their events go out with the next one.
	QueueSize int
	// MaxTracked bounds the forwarded-ID memory.
	MaxTracked int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TokenEnv:   "SPLUNK_HEC_TOKEN",
		Index:      "medguard",
		SourceType: "medguard:security_event",
		Source:     "medguard",
		Timeout:    10 * time.Second,
		RetryCount: 3,
		Backoff:    time.Second,
		QueueSize:  4,
		MaxTracked: 10000,
	}
}

// Stats tracks forwarder metrics.
type Stats struct {
	EventsSent       int64     `json:"events_sent"`
	BatchesFailed    int64     `json:"batches_failed"`
	SnapshotsDropped int64     `json:"snapshots_dropped"`
	BytesSent        int64     `json:"bytes_sent"`
	LastSendAt       time.Time `json:"last_send_at,omitempty"`
}

// hecEvent is one Splunk HEC event envelope.
type hecEvent struct {
	Time       float64        `json:"time,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// HECForwarder forwards newly seen attack events. It implements
// aggregation.Sink.
type HECForwarder struct {
	config     Config
	token      string
	httpClient *http.Client
	classifier telemetry.Classifier
	logger     *zap.Logger
	queue      chan *telemetry.Snapshot

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	stats Stats
}

// NewHECForwarder creates a forwarder. The token is read from
// config.TokenEnv once.
func NewHECForwarder(config Config, classifier telemetry.Classifier, logger *zap.Logger) (*HECForwarder, error) {
	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}

	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.MaxTracked <= 0 {
		config.MaxTracked = def.MaxTracked
	}
	if config.RetryCount < 0 {
		config.RetryCount = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HECForwarder{
		config:     config,
		token:      token,
		httpClient: &http.Client{Timeout: config.Timeout},
		classifier: classifier,
		logger:     logger,
		queue:      make(chan *telemetry.Snapshot, config.QueueSize),
		seen:       make(map[string]struct{}),
	}, nil
}

// Publish queues a snapshot without blocking.
func (f *HECForwarder) Publish(snap *telemetry.Snapshot) {
	select {
	case f.queue <- snap:
	default:
		f.mu.Lock()
		f.stats.SnapshotsDropped++
		f.mu.Unlock()
		f.logger.Warn("Forwarding queue full, dropping snapshot")
	}
}

// Run forwards queued snapshots until ctx is done.
func (f *HECForwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-f.queue:
			if err := f.Forward(ctx, snap); err != nil && ctx.Err() == nil {
				f.logger.Warn("Failed to forward security events", zap.Error(err))
			}
		}
	}
}

// Forward sends the snapshot's attack events that were not forwarded before.
// Events are only marked as forwarded once Splunk accepts the batch.
func (f *HECForwarder) Forward(ctx context.Context, snap *telemetry.Snapshot) error {
	pending := f.pending(snap)
	if len(pending) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, e := range pending {
		data, err := json.Marshal(f.envelope(e, snap.RefreshedAt))
		if err != nil {
			continue
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := f.sendWithRetry(ctx, buf.Bytes()); err != nil {
		return err
	}

	f.mu.Lock()
	for _, e := range pending {
		f.track(e.ID)
	}
	f.stats.EventsSent += int64(len(pending))
	f.stats.BytesSent += int64(buf.Len())
	f.stats.LastSendAt = time.Now()
	f.mu.Unlock()

	f.logger.Debug("Forwarded security events", zap.Int("count", len(pending)))
	return nil
}

func (f *HECForwarder) pending(snap *telemetry.Snapshot) []telemetry.SecurityEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []telemetry.SecurityEvent
	for _, e := range snap.Events {
		if !e.IsAttack || e.ID == "" {
			continue
		}
		if _, ok := f.seen[e.ID]; ok {
			continue
		}
		out = append(out, e)
	}
	return out
}

// track must be called with f.mu held. The oldest IDs are forgotten first.
func (f *HECForwarder) track(id string) {
	if _, ok := f.seen[id]; ok {
		return
	}
	f.seen[id] = struct{}{}
	f.order = append(f.order, id)
	if len(f.order) > f.config.MaxTracked {
		delete(f.seen, f.order[0])
		f.order = f.order[1:]
	}
}

func (f *HECForwarder) envelope(e telemetry.SecurityEvent, refreshedAt time.Time) hecEvent {
	at := refreshedAt
	if e.Timestamp.Valid {
		at = e.Timestamp.Time
	}

	fields := map[string]any{
		"event_kind":    e.EventKind,
		"anomaly_score": e.AnomalyScore,
	}
	if f.classifier != nil {
		cls := f.classifier.Classify(e)
		fields["label"] = cls.Label
		fields["severity"] = cls.Severity.String()
	}

	return hecEvent{
		Time:       float64(at.UnixMilli()) / 1000,
		Source:     f.config.Source,
		SourceType: f.config.SourceType,
		Index:      f.config.Index,
		Event:      e,
		Fields:     fields,
	}
}

func (f *HECForwarder) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= f.config.RetryCount; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt*attempt) * f.config.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := f.send(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, errRejected) {
			break
		}
	}

	f.mu.Lock()
	f.stats.BatchesFailed++
	f.mu.Unlock()

	return fmt.Errorf("failed after %d retries: %w", f.config.RetryCount, lastErr)
}

// errRejected marks responses that retrying will not fix.
var errRejected = errors.New("rejected by HEC")

func (f *HECForwarder) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(f.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+f.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("HEC returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %w", errRejected, err)
		}
		return err
	}
	return nil
}

// Stats returns current forwarder statistics.
func (f *HECForwarder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// HealthCheck verifies connectivity to Splunk HEC.
func (f *HECForwarder) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(f.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}
	return nil
}
