package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrUsage marks an action invoked before its prerequisites. Usage errors
	// never reach the network.
	ErrUsage = errors.New("workflow usage error")
	// ErrBusy is returned while another stage operation is outstanding.
	ErrBusy = errors.New("another workflow stage is still running")
)

// Action names an operator action on the workflow.
type Action string

const (
	ActionLoad      Action = "load_record_sets"
	ActionIntersect Action = "compute_intersection"
	ActionSelect    Action = "select_record"
	ActionPredict   Action = "run_prediction"
	ActionBatch     Action = "run_batch_prediction"
)

// UsageError is an operator mistake. Its message is shown verbatim.
type UsageError struct {
	Action Action
	Reason string
}

func (e *UsageError) Error() string { return e.Reason }

func (e *UsageError) Unwrap() error { return ErrUsage }

func usage(action Action, format string, args ...any) error {
	return &UsageError{Action: action, Reason: fmt.Sprintf(format, args...)}
}

// StageError is a failed stage request. Reason is the text shown to the
// operator; the state machine stays where it was.
type StageError struct {
	Action Action
	Reason string
	Err    error
}

func (e *StageError) Error() string { return e.Reason }

func (e *StageError) Unwrap() error { return e.Err }
