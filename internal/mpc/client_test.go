package mpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/medguard/internal/backend"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	bc, err := backend.NewClient(backend.Config{BaseURL: server.URL, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	return NewClient(bc)
}

func TestLoadRecordSets(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/mpc/hospital-data", r.URL.Path)
		assert.Equal(t, "both", r.URL.Query().Get("hospital"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		io.WriteString(w, `{"ok":true,"data":{
			"hospital_a":{"count":2,"sample_identifiers":["h1"],"all_identifiers":["h1","h2"]},
			"hospital_b":{"count":1,"all_identifiers":["h2"]}}}`)
	})

	sets, err := c.LoadRecordSets(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 2, sets.A.Count)
	assert.Equal(t, []string{"h1", "h2"}, sets.A.Identifiers)
	assert.Equal(t, []string{"h2"}, sets.B.Identifiers)
	assert.NotNil(t, sets.B.SampleIdentifiers)
}

func TestLoadRecordSets_RequiresBothCustodians(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":true,"data":{"hospital_a":{"count":1,"all_identifiers":["h1"]}}}`)
	})

	_, err := c.LoadRecordSets(context.Background(), 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data.hospital_b (required)")
}

func TestLoadRecordSets_ServiceErrorVerbatim(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"ok":false,"error":"Database not available"}`)
	})

	_, err := c.LoadRecordSets(context.Background(), 50)
	var svcErr *backend.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "Database not available", err.Error())
}

func TestRequestIntersection(t *testing.T) {
	var got psiRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/mpc/psi", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"ok":true,"common_count":1,"common_identifiers":["h2"],"message":"Found 1 common records"}`)
	})

	inter, err := c.RequestIntersection(context.Background(), []string{"h1", "h2"}, []string{"h2", "h3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, got.IdentifiersA)
	assert.Equal(t, []string{"h2", "h3"}, got.IdentifiersB)
	assert.Equal(t, 1, inter.CommonCount)
	assert.True(t, inter.Contains("h2"))
	assert.Equal(t, "Found 1 common records", inter.Message)
}

func TestRequestIntersection_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing identifiers", `{"ok":true,"common_count":0}`, "common_identifiers (required)"},
		{"count mismatch", `{"ok":true,"common_count":3,"common_identifiers":["a"]}`, "does not match"},
		{"empty identifier", `{"ok":true,"common_count":1,"common_identifiers":[""]}`, "common_identifiers[0] (required)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			})
			_, err := c.RequestIntersection(context.Background(), []string{"a"}, []string{"a"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRequestPrediction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/mpc/predict/ab/c", r.URL.Path)
		assert.Equal(t, "/api/mpc/predict/ab%2Fc", r.URL.RawPath)
		io.WriteString(w, `{"ok":true,"secure_score":-1.5,"probability":0.18,"prediction":"Non-diabetic","features":{"age":44}}`)
	})

	p, err := c.RequestPrediction(context.Background(), "ab/c")
	require.NoError(t, err)
	assert.Equal(t, "ab/c", p.Identifier)
	assert.Equal(t, -1.5, p.SecureScore)
	assert.Equal(t, "Non-diabetic", p.Label)
	assert.Equal(t, float64(44), p.Features["age"])
}

func TestRequestPrediction_MissingScore(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":true,"probability":0.5,"prediction":"Diabetic"}`)
	})

	_, err := c.RequestPrediction(context.Background(), "h1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secure_score (required)")
}

func TestRequestPrediction_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"ok":false,"error":"Patient h9 not found"}`)
	})

	_, err := c.RequestPrediction(context.Background(), "h9")
	assert.EqualError(t, err, "Patient h9 not found")
}

func TestRequestBatchPrediction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"h1", "h2"}, req.Identifiers)
		io.WriteString(w, `{"ok":true,"total":2,"successful":1,"results":[
			{"identifier":"h1","success":true,"secure_score":0.7,"probability":0.66,"prediction":"Diabetic"},
			{"identifier":"h2","success":false,"error":"Patient not found"}]}`)
	})

	res, err := c.RequestBatchPrediction(context.Background(), []string{"h1", "h2"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Successful)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "Diabetic", res.Results[0].Label)
	assert.Equal(t, "Patient not found", res.Results[1].Error)
}
