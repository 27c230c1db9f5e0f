// Package workflow coordinates the three-stage secure record-linkage flow:
// load both custodians' record sets, compute their private set intersection,
// then run a secure prediction on one shared record.
package workflow

import "slices"

// Stage is the position of the workflow.
type Stage int

const (
	StageIdle Stage = iota
	StageDataLoaded
	StageIntersectionComputed
	StagePredictionComplete
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageDataLoaded:
		return "data_loaded"
	case StageIntersectionComputed:
		return "intersection_computed"
	case StagePredictionComplete:
		return "prediction_complete"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RecordSet is one custodian's opaque identifiers.
type RecordSet struct {
	Count             int      `json:"count"`
	SampleIdentifiers []string `json:"sample_identifiers"`
	Identifiers       []string `json:"all_identifiers"`
}

// RecordSets holds both custodians' sets; they are only ever loaded together.
type RecordSets struct {
	A RecordSet `json:"hospital_a"`
	B RecordSet `json:"hospital_b"`
}

// Intersection is the result of a private set intersection.
type Intersection struct {
	CommonCount int      `json:"common_count"`
	Identifiers []string `json:"common_identifiers"`
	Message     string   `json:"message,omitempty"`
}

// Contains reports whether id is a shared identifier.
func (i Intersection) Contains(id string) bool {
	return slices.Contains(i.Identifiers, id)
}

// Prediction is the secure prediction output for one identifier.
type Prediction struct {
	Identifier  string         `json:"identifier"`
	SecureScore float64        `json:"secure_score"`
	Probability float64        `json:"probability"`
	Label       string         `json:"prediction"`
	Features    map[string]any `json:"features"`
}

// BatchItem is one entry of a batch prediction.
type BatchItem struct {
	Identifier  string  `json:"identifier"`
	Success     bool    `json:"success"`
	SecureScore float64 `json:"secure_score,omitempty"`
	Probability float64 `json:"probability,omitempty"`
	Label       string  `json:"prediction,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// BatchPrediction is the result of predicting several shared identifiers.
type BatchPrediction struct {
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Results    []BatchItem `json:"results"`
}

// State is one of Idle, DataLoaded, IntersectionComputed or
// PredictionComplete. Each variant carries exactly the data legal at its
// stage.
type State interface {
	Stage() Stage
	isState()
}

// Idle holds no data.
type Idle struct{}

// DataLoaded holds both record sets.
type DataLoaded struct {
	RecordSets RecordSets
}

// IntersectionComputed holds the record sets it was computed from and,
// optionally, a selected shared identifier.
type IntersectionComputed struct {
	RecordSets   RecordSets
	Intersection Intersection
	Selection    string
}

// PredictionComplete holds the prediction for Selection, computed against
// Intersection.
type PredictionComplete struct {
	RecordSets   RecordSets
	Intersection Intersection
	Selection    string
	Result       Prediction
}

func (Idle) Stage() Stage                 { return StageIdle }
func (DataLoaded) Stage() Stage           { return StageDataLoaded }
func (IntersectionComputed) Stage() Stage { return StageIntersectionComputed }
func (PredictionComplete) Stage() Stage   { return StagePredictionComplete }

func (Idle) isState()                 {}
func (DataLoaded) isState()           {}
func (IntersectionComputed) isState() {}
func (PredictionComplete) isState()   {}

// recordSetsOf returns the loaded record sets, if any.
func recordSetsOf(s State) (RecordSets, bool) {
	switch st := s.(type) {
	case DataLoaded:
		return st.RecordSets, true
	case IntersectionComputed:
		return st.RecordSets, true
	case PredictionComplete:
		return st.RecordSets, true
	default:
		return RecordSets{}, false
	}
}

// intersectionOf returns the computed intersection and held selection, if any.
func intersectionOf(s State) (RecordSets, Intersection, string, bool) {
	switch st := s.(type) {
	case IntersectionComputed:
		return st.RecordSets, st.Intersection, st.Selection, true
	case PredictionComplete:
		return st.RecordSets, st.Intersection, st.Selection, true
	default:
		return RecordSets{}, Intersection{}, "", false
	}
}

// View is a flat rendering of a State for presentation layers.
type View struct {
	Stage        Stage         `json:"stage"`
	InFlight     Action        `json:"in_flight,omitempty"`
	RecordSets   *RecordSets   `json:"record_sets,omitempty"`
	Intersection *Intersection `json:"intersection,omitempty"`
	Selection    string        `json:"selection,omitempty"`
	Prediction   *Prediction   `json:"prediction,omitempty"`
}

// ViewOf renders s.
func ViewOf(s State) View {
	v := View{Stage: s.Stage()}
	switch st := s.(type) {
	case DataLoaded:
		v.RecordSets = &st.RecordSets
	case IntersectionComputed:
		v.RecordSets = &st.RecordSets
		v.Intersection = &st.Intersection
		v.Selection = st.Selection
	case PredictionComplete:
		v.RecordSets = &st.RecordSets
		v.Intersection = &st.Intersection
		v.Selection = st.Selection
		v.Prediction = &st.Result
	}
	return v
}
