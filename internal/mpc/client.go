// Package mpc implements the secure-computation stage requests: loading both
// custodians' record sets, private set intersection, and secure prediction.
package mpc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lvonguyen/medguard/internal/workflow"
)

const (
	hospitalDataPath = "/api/mpc/hospital-data"
	psiPath          = "/api/mpc/psi"
	predictPath      = "/api/mpc/predict/"
	batchPredictPath = "/api/mpc/batch-predict"
)

// Transport performs envelope-decoded JSON requests against the service.
// *backend.Client satisfies it.
type Transport interface {
	GetJSON(ctx context.Context, path string, query url.Values, out any) error
	PostJSON(ctx context.Context, path string, in, out any) error
}

// Client issues one request per stage call with no internal retry.
type Client struct {
	transport Transport
	validate  *validator.Validate
}

var (
	_ workflow.RecordSetLoader          = (*Client)(nil)
	_ workflow.IntersectionRequester    = (*Client)(nil)
	_ workflow.PredictionRequester      = (*Client)(nil)
	_ workflow.BatchPredictionRequester = (*Client)(nil)
)

// NewClient creates a stage client over t.
func NewClient(t Transport) *Client {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Client{transport: t, validate: v}
}

type recordSetWire struct {
	Count             int      `json:"count" validate:"gte=0"`
	SampleIdentifiers []string `json:"sample_identifiers"`
	AllIdentifiers    []string `json:"all_identifiers" validate:"required"`
}

type hospitalDataResponse struct {
	Data struct {
		A *recordSetWire `json:"hospital_a" validate:"required"`
		B *recordSetWire `json:"hospital_b" validate:"required"`
	} `json:"data"`
}

// LoadRecordSets fetches both custodians' record sets. A response missing
// either set is an error; the two are never returned separately.
func (c *Client) LoadRecordSets(ctx context.Context, limit int) (workflow.RecordSets, error) {
	query := url.Values{}
	query.Set("hospital", "both")
	query.Set("limit", strconv.Itoa(limit))

	var resp hospitalDataResponse
	if err := c.transport.GetJSON(ctx, hospitalDataPath, query, &resp); err != nil {
		return workflow.RecordSets{}, err
	}
	if err := c.check(&resp); err != nil {
		return workflow.RecordSets{}, err
	}

	return workflow.RecordSets{
		A: resp.Data.A.toRecordSet(),
		B: resp.Data.B.toRecordSet(),
	}, nil
}

func (w *recordSetWire) toRecordSet() workflow.RecordSet {
	sample := w.SampleIdentifiers
	if sample == nil {
		sample = []string{}
	}
	return workflow.RecordSet{
		Count:             w.Count,
		SampleIdentifiers: sample,
		Identifiers:       w.AllIdentifiers,
	}
}

type psiRequest struct {
	IdentifiersA []string `json:"identifiers_a"`
	IdentifiersB []string `json:"identifiers_b"`
}

type psiResponse struct {
	CommonCount       int      `json:"common_count" validate:"gte=0"`
	CommonIdentifiers []string `json:"common_identifiers" validate:"required,dive,required"`
	Message           string   `json:"message"`
}

// RequestIntersection submits both identifier sets to the intersection service.
func (c *Client) RequestIntersection(ctx context.Context, a, b []string) (workflow.Intersection, error) {
	var resp psiResponse
	if err := c.transport.PostJSON(ctx, psiPath, psiRequest{IdentifiersA: a, IdentifiersB: b}, &resp); err != nil {
		return workflow.Intersection{}, err
	}
	if err := c.check(&resp); err != nil {
		return workflow.Intersection{}, err
	}
	if resp.CommonCount != len(resp.CommonIdentifiers) {
		return workflow.Intersection{}, fmt.Errorf("malformed service response: common_count %d does not match %d shared identifiers",
			resp.CommonCount, len(resp.CommonIdentifiers))
	}

	return workflow.Intersection{
		CommonCount: resp.CommonCount,
		Identifiers: resp.CommonIdentifiers,
		Message:     resp.Message,
	}, nil
}

type predictResponse struct {
	Identifier  string         `json:"identifier"`
	SecureScore *float64       `json:"secure_score" validate:"required"`
	Probability float64        `json:"probability" validate:"gte=0,lte=1"`
	Prediction  string         `json:"prediction" validate:"required"`
	Features    map[string]any `json:"features"`
}

// RequestPrediction runs the secure prediction for identifier.
func (c *Client) RequestPrediction(ctx context.Context, identifier string) (workflow.Prediction, error) {
	if identifier == "" {
		return workflow.Prediction{}, errors.New("identifier is required")
	}

	var resp predictResponse
	if err := c.transport.GetJSON(ctx, predictPath+url.PathEscape(identifier), nil, &resp); err != nil {
		return workflow.Prediction{}, err
	}
	if err := c.check(&resp); err != nil {
		return workflow.Prediction{}, err
	}

	if resp.Identifier == "" {
		resp.Identifier = identifier
	}
	if resp.Features == nil {
		resp.Features = map[string]any{}
	}
	return workflow.Prediction{
		Identifier:  resp.Identifier,
		SecureScore: *resp.SecureScore,
		Probability: resp.Probability,
		Label:       resp.Prediction,
		Features:    resp.Features,
	}, nil
}

type batchRequest struct {
	Identifiers []string `json:"identifiers"`
}

type batchResponse struct {
	Total      int                  `json:"total" validate:"gte=0"`
	Successful int                  `json:"successful" validate:"gte=0,ltefield=Total"`
	Results    []workflow.BatchItem `json:"results" validate:"required"`
}

// RequestBatchPrediction runs the secure prediction for several identifiers.
// Per-identifier failures are reported in the results, not as an error.
func (c *Client) RequestBatchPrediction(ctx context.Context, identifiers []string) (workflow.BatchPrediction, error) {
	var resp batchResponse
	if err := c.transport.PostJSON(ctx, batchPredictPath, batchRequest{Identifiers: identifiers}, &resp); err != nil {
		return workflow.BatchPrediction{}, err
	}
	if err := c.check(&resp); err != nil {
		return workflow.BatchPrediction{}, err
	}

	return workflow.BatchPrediction{
		Total:      resp.Total,
		Successful: resp.Successful,
		Results:    resp.Results,
	}, nil
}

func (c *Client) check(resp any) error {
	err := c.validate.Struct(resp)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("malformed service response: %w", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", trimRoot(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("malformed service response: %s", strings.Join(fields, ", "))
}

// trimRoot drops the Go type name validator puts at the front of a namespace.
func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
