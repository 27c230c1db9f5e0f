package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStages struct {
	mu       sync.Mutex
	sets     RecordSets
	inter    Intersection
	pred     Prediction
	loadErr  error
	interErr error
	predErr  error
	calls    atomic.Int32
	block    chan struct{}
	lastA    []string
	lastB    []string
	lastID   string
}

func (f *fakeStages) wait(ctx context.Context) error {
	f.calls.Add(1)
	if f.block == nil {
		return nil
	}
	select {
	case <-f.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeStages) LoadRecordSets(ctx context.Context, limit int) (RecordSets, error) {
	if err := f.wait(ctx); err != nil {
		return RecordSets{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return RecordSets{}, f.loadErr
	}
	return f.sets, nil
}

func (f *fakeStages) RequestIntersection(ctx context.Context, a, b []string) (Intersection, error) {
	if err := f.wait(ctx); err != nil {
		return Intersection{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastA, f.lastB = a, b
	if f.interErr != nil {
		return Intersection{}, f.interErr
	}
	return f.inter, nil
}

func (f *fakeStages) RequestPrediction(ctx context.Context, id string) (Prediction, error) {
	if err := f.wait(ctx); err != nil {
		return Prediction{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID = id
	if f.predErr != nil {
		return Prediction{}, f.predErr
	}
	p := f.pred
	p.Identifier = id
	return p, nil
}

func (f *fakeStages) RequestBatchPrediction(ctx context.Context, ids []string) (BatchPrediction, error) {
	if err := f.wait(ctx); err != nil {
		return BatchPrediction{}, err
	}
	out := BatchPrediction{Total: len(ids)}
	for _, id := range ids {
		out.Results = append(out.Results, BatchItem{Identifier: id, Success: true, Label: "Low Risk"})
		out.Successful++
	}
	return out, nil
}

func identifiers(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%03d", prefix, i)
	}
	return ids
}

func newFixture() *fakeStages {
	a := identifiers("P", 50)
	b := append(identifiers("P", 12), identifiers("Q", 38)...)
	return &fakeStages{
		sets: RecordSets{
			A: RecordSet{Count: 50, Identifiers: a, SampleIdentifiers: a[:5]},
			B: RecordSet{Count: 50, Identifiers: b, SampleIdentifiers: b[:5]},
		},
		inter: Intersection{CommonCount: 12, Identifiers: identifiers("P", 12)},
		pred:  Prediction{SecureScore: 0.42, Probability: 0.61, Label: "High Risk"},
	}
}

func newCoordinator(t *testing.T, f *fakeStages, cfg Config) *Coordinator {
	t.Helper()
	return NewCoordinator(Stages{Loader: f, Intersect: f, Predict: f, Batch: f}, cfg, WithLogger(zaptest.NewLogger(t)))
}

func TestCoordinator_StartsIdle(t *testing.T) {
	c := newCoordinator(t, newFixture(), Config{})
	assert.Equal(t, StageIdle, c.State().Stage())

	v := c.View()
	assert.Nil(t, v.RecordSets)
	assert.Nil(t, v.Intersection)
	assert.Nil(t, v.Prediction)
}

func TestCoordinator_ActionsFromIdleAreRejectedLocally(t *testing.T) {
	f := newFixture()
	c := newCoordinator(t, f, Config{})
	ctx := context.Background()

	_, err := c.ComputeIntersection(ctx)
	assert.ErrorIs(t, err, ErrUsage)
	assert.EqualError(t, err, "load record sets first")

	_, err = c.SelectRecord("P001")
	assert.ErrorIs(t, err, ErrUsage)

	_, err = c.RunPrediction(ctx)
	assert.ErrorIs(t, err, ErrUsage)

	_, err = c.RunBatchPrediction(ctx, []string{"P001"})
	assert.ErrorIs(t, err, ErrUsage)

	assert.Equal(t, int32(0), f.calls.Load(), "usage errors never reach the network")
	assert.Equal(t, StageIdle, c.State().Stage())
}

func TestCoordinator_FullFlow(t *testing.T) {
	f := newFixture()
	c := newCoordinator(t, f, Config{})
	ctx := context.Background()

	st, err := c.LoadRecordSets(ctx)
	require.NoError(t, err)
	loaded, ok := st.(DataLoaded)
	require.True(t, ok)
	assert.Equal(t, 50, loaded.RecordSets.A.Count)
	assert.Equal(t, 50, loaded.RecordSets.B.Count)

	st, err = c.ComputeIntersection(ctx)
	require.NoError(t, err)
	computed, ok := st.(IntersectionComputed)
	require.True(t, ok)
	assert.Equal(t, 12, computed.Intersection.CommonCount)
	assert.Empty(t, computed.Selection)
	assert.Equal(t, f.sets.A.Identifiers, f.lastA)
	assert.Equal(t, f.sets.B.Identifiers, f.lastB)

	_, err = c.RunPrediction(ctx)
	assert.EqualError(t, err, "select a shared record first")

	before := c.State()
	_, err = c.SelectRecord("Q010")
	require.ErrorIs(t, err, ErrUsage)
	assert.Contains(t, err.Error(), "not in the shared set")
	assert.Equal(t, before, c.State())

	st, err = c.SelectRecord("P003")
	require.NoError(t, err)
	assert.Equal(t, "P003", st.(IntersectionComputed).Selection)

	st, err = c.RunPrediction(ctx)
	require.NoError(t, err)
	done, ok := st.(PredictionComplete)
	require.True(t, ok)
	assert.Equal(t, "P003", f.lastID)
	assert.Equal(t, "P003", done.Result.Identifier)
	assert.Equal(t, "High Risk", done.Result.Label)

	v := c.View()
	assert.Equal(t, StagePredictionComplete, v.Stage)
	require.NotNil(t, v.Prediction)
	assert.Equal(t, 0.42, v.Prediction.SecureScore)
}

func TestCoordinator_SelectAfterPredictionDropsResult(t *testing.T) {
	f := newFixture()
	c := newCoordinator(t, f, Config{})
	ctx := context.Background()

	_, _ = c.LoadRecordSets(ctx)
	_, _ = c.ComputeIntersection(ctx)
	_, _ = c.SelectRecord("P001")
	_, err := c.RunPrediction(ctx)
	require.NoError(t, err)

	st, err := c.SelectRecord("P002")
	require.NoError(t, err)
	computed, ok := st.(IntersectionComputed)
	require.True(t, ok)
	assert.Equal(t, "P002", computed.Selection)
	assert.Nil(t, c.View().Prediction)
}

func TestCoordinator_EmptyIntersectionBlocksSelection(t *testing.T) {
	f := newFixture()
	f.inter = Intersection{CommonCount: 0, Identifiers: []string{}}
	c := newCoordinator(t, f, Config{})
	ctx := context.Background()

	_, _ = c.LoadRecordSets(ctx)
	_, err := c.ComputeIntersection(ctx)
	require.NoError(t, err)

	_, err = c.SelectRecord("P001")
	assert.EqualError(t, err, "the intersection has no shared records")
	assert.Equal(t, StageIntersectionComputed, c.State().Stage())
}

func TestCoordinator_FailedReloadKeepsEverything(t *testing.T) {
	f := newFixture()
	c := newCoordinator(t, f, Config{})
	ctx := context.Background()

	_, _ = c.LoadRecordSets(ctx)
	_, _ = c.ComputeIntersection(ctx)
	_, _ = c.SelectRecord("P005")
	_, err := c.RunPrediction(ctx)
	require.NoError(t, err)
	before := c.State()

	f.mu.Lock()
	f.loadErr = errors.New("Failed to load hospital data")
	f.mu.Unlock()

	_, err = c.LoadRecordSets(ctx)
	require.Error(t, err)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "Failed to load hospital data", stageErr.Reason)
	assert.Equal(t, before, c.State())

	f.mu.Lock()
	f.loadErr = nil
	f.mu.Unlock()

	st, err := c.LoadRecordSets(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageDataLoaded, st.Stage())
	v := c.View()
	assert.Nil(t, v.Intersection)
	assert.Nil(t, v.Prediction)
	assert.Empty(t, v.Selection)
}

func TestCoordinator_FailedIntersectionIsRetryable(t *testing.T) {
	f := newFixture()
	c := newCoordinator(t, f, Config{})
	ctx := context.Background()

	_, err := c.LoadRecordSets(ctx)
	require.NoError(t, err)

	f.mu.Lock()
	f.interErr = errors.New("PSI computation failed")
	f.mu.Unlock()

	st, err := c.ComputeIntersection(ctx)
	require.Error(t, err)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, ActionIntersect, stageErr.Action)
	assert.Equal(t, "PSI computation failed", stageErr.Reason)

	loaded, ok := st.(DataLoaded)
	require.True(t, ok, "state after failure is %T", st)
	assert.Equal(t, f.sets, loaded.RecordSets)
	assert.Equal(t, StageDataLoaded, c.State().Stage())
	assert.Empty(t, c.View().InFlight)

	f.mu.Lock()
	f.interErr = nil
	f.mu.Unlock()

	st, err = c.ComputeIntersection(ctx)
	require.NoError(t, err)
	computed, ok := st.(IntersectionComputed)
	require.True(t, ok)
	assert.Equal(t, 12, computed.Intersection.CommonCount)
	assert.Equal(t, f.sets, computed.RecordSets)
}

func TestCoordinator_FailedPredictionKeepsSelection(t *testing.T) {
	f := newFixture()
	c := newCoordinator(t, f, Config{})
	ctx := context.Background()

	_, _ = c.LoadRecordSets(ctx)
	_, _ = c.ComputeIntersection(ctx)
	_, err := c.SelectRecord("P007")
	require.NoError(t, err)

	f.mu.Lock()
	f.predErr = errors.New("Secure prediction failed: model unavailable")
	f.mu.Unlock()

	st, err := c.RunPrediction(ctx)
	require.Error(t, err)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, ActionPredict, stageErr.Action)
	assert.Equal(t, "Secure prediction failed: model unavailable", stageErr.Reason)

	computed, ok := st.(IntersectionComputed)
	require.True(t, ok, "state after failure is %T", st)
	assert.Equal(t, "P007", computed.Selection)
	v := c.View()
	assert.Equal(t, StageIntersectionComputed, v.Stage)
	assert.Equal(t, "P007", v.Selection)
	assert.Empty(t, v.InFlight)
	assert.Nil(t, v.Prediction)

	f.mu.Lock()
	f.predErr = nil
	f.mu.Unlock()

	st, err = c.RunPrediction(ctx)
	require.NoError(t, err)
	done, ok := st.(PredictionComplete)
	require.True(t, ok)
	assert.Equal(t, "P007", done.Result.Identifier)
}

func TestCoordinator_RejectsWhileBusy(t *testing.T) {
	f := newFixture()
	f.block = make(chan struct{})
	c := newCoordinator(t, f, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := c.LoadRecordSets(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return c.View().InFlight == ActionLoad }, time.Second, time.Millisecond)
	assert.Equal(t, StageIdle, c.View().Stage)

	_, err := c.LoadRecordSets(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	_, err = c.SelectRecord("P001")
	assert.ErrorIs(t, err, ErrBusy)

	close(f.block)
	require.NoError(t, <-done)
	assert.Equal(t, StageDataLoaded, c.State().Stage())
	assert.Empty(t, c.View().InFlight)
}

func TestCoordinator_StageTimeout(t *testing.T) {
	f := newFixture()
	f.block = make(chan struct{})
	defer close(f.block)
	c := newCoordinator(t, f, Config{StageTimeout: 20 * time.Millisecond})

	_, err := c.LoadRecordSets(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out after 20ms")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StageIdle, c.State().Stage())
	assert.Empty(t, c.View().InFlight)
}

func TestCoordinator_ResetDiscardsLateResult(t *testing.T) {
	f := newFixture()
	f.block = make(chan struct{})
	c := newCoordinator(t, f, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := c.LoadRecordSets(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return c.View().InFlight != "" }, time.Second, time.Millisecond)

	c.Reset()
	close(f.block)

	var stageErr *StageError
	require.ErrorAs(t, <-done, &stageErr)
	assert.Equal(t, StageIdle, c.State().Stage())
}

func TestCoordinator_BatchPrediction(t *testing.T) {
	f := newFixture()
	c := newCoordinator(t, f, Config{})
	ctx := context.Background()

	_, _ = c.LoadRecordSets(ctx)
	_, _ = c.ComputeIntersection(ctx)

	_, err := c.RunBatchPrediction(ctx, []string{"P001", "Q001"})
	require.ErrorIs(t, err, ErrUsage)

	res, err := c.RunBatchPrediction(ctx, []string{"P001", "P002"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, StageIntersectionComputed, c.State().Stage())
}

type stageRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *stageRecorder) RecordStage(action, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, action+":"+outcome)
}

func TestCoordinator_RecordsStageOutcomes(t *testing.T) {
	f := newFixture()
	rec := &stageRecorder{}
	c := NewCoordinator(Stages{Loader: f, Intersect: f, Predict: f}, Config{}, WithRecorder(rec))
	ctx := context.Background()

	_, _ = c.LoadRecordSets(ctx)
	f.loadErr = errors.New("down")
	_, _ = c.LoadRecordSets(ctx)

	assert.Equal(t, []string{"load_record_sets:success", "load_record_sets:failure"}, rec.outcomes)
}
