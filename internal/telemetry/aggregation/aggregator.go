// Package aggregation keeps the current telemetry snapshot and refreshes it
// on a fixed cadence and on demand.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/lvonguyen/medguard/internal/telemetry"
)

// ErrRefreshInFlight is returned when a refresh is requested while another
// one is outstanding.
var ErrRefreshInFlight = errors.New("refresh already in progress")

const maxNotices = 20

// Trigger identifies what started a refresh.
type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
)

// NoticeKind separates failure indicators from manual-refresh confirmations.
type NoticeKind string

const (
	NoticeRefreshFailed   NoticeKind = "refresh_failed"
	NoticeManualRefreshed NoticeKind = "manual_refreshed"
)

// Notice is an operator-facing message produced by a refresh.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// Status describes refresh health.
type Status struct {
	Refreshing          bool      `json:"refreshing"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Recorder receives refresh measurements.
type Recorder interface {
	RecordRefresh(trigger string, success bool, duration time.Duration)
	RecordSnapshot(s *telemetry.Snapshot)
}

// Config holds aggregator settings.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Aggregator) {
		if r != nil {
			a.recorder = r
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(a *Aggregator) {
		if t != nil {
			a.tracer = t
		}
	}
}

// Sink receives every successfully refreshed snapshot. Publish must not
// block.
type Sink interface {
	Publish(snap *telemetry.Snapshot)
}

// WithSink registers a snapshot sink.
func WithSink(sink Sink) Option {
	return func(a *Aggregator) {
		if sink != nil {
			a.sinks = append(a.sinks, sink)
		}
	}
}

// WithNotify registers a callback invoked once per notice.
func WithNotify(fn func(Notice)) Option {
	return func(a *Aggregator) { a.notify = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// Aggregator owns the telemetry snapshot. Manual and timer refreshes share a
// single in-flight guard so snapshot replacement never interleaves.
type Aggregator struct {
	config     Config
	collector  telemetry.Collector
	normalizer telemetry.Normalizer
	logger     *zap.Logger
	recorder   Recorder
	tracer     trace.Tracer
	notify     func(Notice)
	sinks      []Sink
	now        func() time.Time

	snapshot atomic.Pointer[telemetry.Snapshot]
	inFlight atomic.Bool

	mu      sync.RWMutex
	status  Status
	notices []Notice
}

// New creates an aggregator holding an empty snapshot.
func New(cfg Config, collector telemetry.Collector, normalizer telemetry.Normalizer, opts ...Option) *Aggregator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}

	a := &Aggregator{
		config:     cfg,
		collector:  collector,
		normalizer: normalizer,
		logger:     zap.NewNop(),
		recorder:   nopRecorder{},
		tracer:     noop.NewTracerProvider().Tracer("aggregation"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.snapshot.Store(telemetry.EmptySnapshot())
	return a
}

// Snapshot returns the current snapshot. Callers must not modify it.
func (a *Aggregator) Snapshot() *telemetry.Snapshot {
	return a.snapshot.Load()
}

// Status returns refresh health.
func (a *Aggregator) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.status
	s.Refreshing = a.inFlight.Load()
	return s
}

// Notices returns the most recent notices, oldest first.
func (a *Aggregator) Notices() []Notice {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Notice, len(a.notices))
	copy(out, a.notices)
	return out
}

// Refresh fetches, normalizes and replaces the snapshot. On failure the
// previous snapshot is kept and a single failure notice is emitted.
func (a *Aggregator) Refresh(ctx context.Context, manual bool) (*telemetry.Snapshot, error) {
	trigger := TriggerTimer
	if manual {
		trigger = TriggerManual
	}

	if !a.inFlight.CompareAndSwap(false, true) {
		return nil, ErrRefreshInFlight
	}
	defer a.inFlight.Store(false)

	ctx, span := a.tracer.Start(ctx, "telemetry.refresh",
		trace.WithAttributes(attribute.String("trigger", string(trigger))))
	defer span.End()

	start := a.now()
	raw, err := a.collector.Collect(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.recorder.RecordRefresh(string(trigger), false, a.now().Sub(start))

		if ctx.Err() != nil {
			// Torn down mid-request; nothing to surface.
			return nil, ctx.Err()
		}
		a.fail(trigger, err)
		return nil, err
	}

	events := a.normalizer.Normalize(raw)
	snap := telemetry.NewSnapshot(events, a.now())
	a.snapshot.Store(snap)

	span.SetAttributes(
		attribute.Int("events.total", snap.Total),
		attribute.Int("events.attacks", snap.AttackCount),
	)
	a.recorder.RecordRefresh(string(trigger), true, a.now().Sub(start))
	a.recorder.RecordSnapshot(snap)
	a.succeed(trigger, snap)
	for _, sink := range a.sinks {
		sink.Publish(snap)
	}

	return snap, nil
}

// Start begins periodic refreshes, the first one immediately. The returned
// Poller must be stopped by the owner.
func (a *Aggregator) Start(ctx context.Context) *Poller {
	ctx, cancel := context.WithCancel(ctx)
	p := &Poller{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(a.config.PollInterval)
		defer ticker.Stop()

		a.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.tick(ctx)
			}
		}
	}()

	return p
}

func (a *Aggregator) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := a.Refresh(ctx, false); errors.Is(err, ErrRefreshInFlight) {
		a.logger.Debug("Skipping scheduled refresh, previous refresh still running")
	}
}

func (a *Aggregator) fail(trigger Trigger, err error) {
	now := a.now()
	a.logger.Warn("Telemetry refresh failed",
		zap.String("trigger", string(trigger)),
		zap.Error(err),
	)

	a.mu.Lock()
	a.status.LastFailure = now
	a.status.LastError = err.Error()
	a.status.ConsecutiveFailures++
	a.mu.Unlock()

	a.emit(Notice{
		Kind:    NoticeRefreshFailed,
		Message: fmt.Sprintf("Failed to refresh security logs: %v", err),
		At:      now,
	})
}

func (a *Aggregator) succeed(trigger Trigger, snap *telemetry.Snapshot) {
	a.logger.Debug("Telemetry refreshed",
		zap.String("trigger", string(trigger)),
		zap.Int("total", snap.Total),
		zap.Int("attacks", snap.AttackCount),
	)

	a.mu.Lock()
	a.status.LastSuccess = snap.RefreshedAt
	a.status.LastError = ""
	a.status.ConsecutiveFailures = 0
	a.mu.Unlock()

	if trigger == TriggerManual {
		a.emit(Notice{
			Kind:    NoticeManualRefreshed,
			Message: fmt.Sprintf("Security logs refreshed: %d events", snap.Total),
			At:      snap.RefreshedAt,
		})
	}
}

func (a *Aggregator) emit(n Notice) {
	a.mu.Lock()
	a.notices = append(a.notices, n)
	if len(a.notices) > maxNotices {
		a.notices = a.notices[len(a.notices)-maxNotices:]
	}
	a.mu.Unlock()

	if a.notify != nil {
		a.notify(n)
	}
}

// Poller is the cancellation handle for periodic refreshes.
type Poller struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the timer and waits for the loop to exit. No refresh starts
// after Stop returns. Safe to call more than once.
func (p *Poller) Stop() {
	p.once.Do(p.cancel)
	<-p.done
}

// Done is closed when the polling loop has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

type nopRecorder struct{}

func (nopRecorder) RecordRefresh(string, bool, time.Duration) {}
func (nopRecorder) RecordSnapshot(*telemetry.Snapshot)        {}
