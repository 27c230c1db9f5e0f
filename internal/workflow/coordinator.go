package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// RecordSetLoader fetches both custodians' record sets in one request.
type RecordSetLoader interface {
	LoadRecordSets(ctx context.Context, limit int) (RecordSets, error)
}

// IntersectionRequester submits two identifier sets to the PSI service.
type IntersectionRequester interface {
	RequestIntersection(ctx context.Context, a, b []string) (Intersection, error)
}

// PredictionRequester runs the secure prediction for one identifier.
type PredictionRequester interface {
	RequestPrediction(ctx context.Context, identifier string) (Prediction, error)
}

// BatchPredictionRequester runs the secure prediction for several identifiers.
type BatchPredictionRequester interface {
	RequestBatchPrediction(ctx context.Context, identifiers []string) (BatchPrediction, error)
}

// Stages bundles the stage operations. Batch may be nil.
type Stages struct {
	Loader    RecordSetLoader
	Intersect IntersectionRequester
	Predict   PredictionRequester
	Batch     BatchPredictionRequester
}

// Recorder receives stage measurements.
type Recorder interface {
	RecordStage(action string, outcome string, duration time.Duration)
}

// Config holds coordinator settings.
type Config struct {
	RecordLimit  int
	StageTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// Coordinator is the workflow state machine. At most one stage operation is
// in flight at a time; a new state is committed in a single step only when
// its request succeeds, so failures leave every stage's data untouched.
type Coordinator struct {
	stages   Stages
	config   Config
	logger   *zap.Logger
	recorder Recorder
	tracer   trace.Tracer

	mu       sync.Mutex
	state    State
	inFlight Action
	// generation changes on Reset so late results are discarded.
	generation uint64
}

// NewCoordinator creates a coordinator in the Idle state.
func NewCoordinator(stages Stages, cfg Config, opts ...Option) *Coordinator {
	if cfg.RecordLimit <= 0 {
		cfg.RecordLimit = 50
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}

	c := &Coordinator{
		stages:   stages,
		config:   cfg,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		tracer:   noop.NewTracerProvider().Tracer("workflow"),
		state:    Idle{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// View renders the current state and the action in flight, if any.
func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := ViewOf(c.state)
	v.InFlight = c.inFlight
	return v
}

// Reset returns to Idle, dropping all stage data. A request in flight is
// left to finish but its result is discarded.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle{}
	c.generation++
}

// LoadRecordSets fetches both record sets. Legal from every state; success
// replaces the state with DataLoaded, dropping any intersection and
// prediction.
func (c *Coordinator) LoadRecordSets(ctx context.Context) (State, error) {
	gen, err := c.begin(ActionLoad, func(State) error { return nil })
	if err != nil {
		return c.State(), err
	}

	sets, err := runStage(ctx, c, ActionLoad, func(ctx context.Context) (RecordSets, error) {
		return c.stages.Loader.LoadRecordSets(ctx, c.config.RecordLimit)
	})
	return c.finish(ActionLoad, gen, err, func(State) State {
		return DataLoaded{RecordSets: sets}
	})
}

// ComputeIntersection submits both record sets to the intersection service.
// Success replaces the state with IntersectionComputed with no selection.
func (c *Coordinator) ComputeIntersection(ctx context.Context) (State, error) {
	var sets RecordSets
	gen, err := c.begin(ActionIntersect, func(s State) error {
		var ok bool
		if sets, ok = recordSetsOf(s); !ok {
			return usage(ActionIntersect, "load record sets first")
		}
		return nil
	})
	if err != nil {
		return c.State(), err
	}

	result, err := runStage(ctx, c, ActionIntersect, func(ctx context.Context) (Intersection, error) {
		return c.stages.Intersect.RequestIntersection(ctx, sets.A.Identifiers, sets.B.Identifiers)
	})
	return c.finish(ActionIntersect, gen, err, func(State) State {
		return IntersectionComputed{RecordSets: sets, Intersection: result}
	})
}

// SelectRecord holds id for prediction. id must be a shared identifier.
// Selecting from PredictionComplete drops the prediction.
func (c *Coordinator) SelectRecord(id string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight != "" {
		return c.state, ErrBusy
	}

	sets, inter, _, ok := intersectionOf(c.state)
	if err := checkSelectable(ActionSelect, ok, inter, id); err != nil {
		c.logger.Info("Rejected workflow action", zap.String("action", string(ActionSelect)), zap.String("reason", err.Error()))
		return c.state, err
	}

	if pc, isComplete := c.state.(PredictionComplete); isComplete && pc.Selection == id {
		return c.state, nil
	}

	c.state = IntersectionComputed{RecordSets: sets, Intersection: inter, Selection: id}
	return c.state, nil
}

// RunPrediction submits the held selection to the prediction service.
func (c *Coordinator) RunPrediction(ctx context.Context) (State, error) {
	var (
		sets      RecordSets
		inter     Intersection
		selection string
	)
	gen, err := c.begin(ActionPredict, func(s State) error {
		var ok bool
		sets, inter, selection, ok = intersectionOf(s)
		if !ok {
			return usage(ActionPredict, "compute the intersection first")
		}
		if selection == "" {
			return usage(ActionPredict, "select a shared record first")
		}
		if !inter.Contains(selection) {
			return usage(ActionPredict, "identifier %q is not in the shared set", selection)
		}
		return nil
	})
	if err != nil {
		return c.State(), err
	}

	result, err := runStage(ctx, c, ActionPredict, func(ctx context.Context) (Prediction, error) {
		return c.stages.Predict.RequestPrediction(ctx, selection)
	})
	return c.finish(ActionPredict, gen, err, func(State) State {
		return PredictionComplete{RecordSets: sets, Intersection: inter, Selection: selection, Result: result}
	})
}

// RunBatchPrediction predicts several shared identifiers at once. The state
// does not change.
func (c *Coordinator) RunBatchPrediction(ctx context.Context, identifiers []string) (BatchPrediction, error) {
	if c.stages.Batch == nil {
		return BatchPrediction{}, usage(ActionBatch, "batch prediction is not available")
	}

	gen, err := c.begin(ActionBatch, func(s State) error {
		_, inter, _, ok := intersectionOf(s)
		if !ok {
			return usage(ActionBatch, "compute the intersection first")
		}
		if len(identifiers) == 0 {
			return usage(ActionBatch, "select at least one shared record")
		}
		for _, id := range identifiers {
			if !inter.Contains(id) {
				return usage(ActionBatch, "identifier %q is not in the shared set", id)
			}
		}
		return nil
	})
	if err != nil {
		return BatchPrediction{}, err
	}

	result, err := runStage(ctx, c, ActionBatch, func(ctx context.Context) (BatchPrediction, error) {
		return c.stages.Batch.RequestBatchPrediction(ctx, identifiers)
	})
	if _, err := c.finish(ActionBatch, gen, err, func(s State) State { return s }); err != nil {
		return BatchPrediction{}, err
	}
	return result, nil
}

// begin checks the precondition against the current state and marks action
// as in flight.
func (c *Coordinator) begin(action Action, precondition func(State) error) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight != "" {
		return 0, ErrBusy
	}
	if err := precondition(c.state); err != nil {
		c.logger.Info("Rejected workflow action",
			zap.String("action", string(action)),
			zap.String("stage", c.state.Stage().String()),
			zap.String("reason", err.Error()),
		)
		return 0, err
	}

	c.inFlight = action
	return c.generation, nil
}

// finish clears the in-flight marker and, on success, commits next.
func (c *Coordinator) finish(action Action, gen uint64, err error, next func(State) State) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight = ""
	if err != nil {
		return c.state, err
	}
	if gen != c.generation {
		return c.state, &StageError{Action: action, Reason: "workflow was reset while the request was running"}
	}

	c.state = next(c.state)
	c.logger.Info("Workflow stage completed",
		zap.String("action", string(action)),
		zap.String("stage", c.state.Stage().String()),
	)
	return c.state, nil
}

// runStage executes one network call under the stage timeout and translates
// any failure into a StageError.
func runStage[T any](ctx context.Context, c *Coordinator, action Action, call func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.StageTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "workflow."+string(action),
		trace.WithAttributes(attribute.String("action", string(action))))
	defer span.End()

	start := time.Now()
	result, err := call(ctx)
	elapsed := time.Since(start)

	if err == nil {
		c.recorder.RecordStage(string(action), "success", elapsed)
		return result, nil
	}

	reason := err.Error()
	outcome := "failure"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = fmt.Sprintf("request timed out after %s", c.config.StageTimeout)
		outcome = "timeout"
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	c.recorder.RecordStage(string(action), outcome, elapsed)
	c.logger.Warn("Workflow stage failed",
		zap.String("action", string(action)),
		zap.String("reason", reason),
		zap.Error(err),
	)

	var zero T
	return zero, &StageError{Action: action, Reason: reason, Err: err}
}

func checkSelectable(action Action, computed bool, inter Intersection, id string) error {
	switch {
	case !computed:
		return usage(action, "compute the intersection first")
	case len(inter.Identifiers) == 0:
		return usage(action, "the intersection has no shared records")
	case id == "":
		return usage(action, "select a shared record")
	case !inter.Contains(id):
		return usage(action, "identifier %q is not in the shared set", id)
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) RecordStage(string, string, time.Duration) {}
