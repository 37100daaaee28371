package execution

// OutcomeKind distinguishes intermediate step outputs from the two
// terminal results of a workflow run.
type OutcomeKind int

const (
	OutcomeIntermediate OutcomeKind = iota
	OutcomeCompleted
	OutcomeFailed
)

// Outcome is what the runtime reports to its observers: either "a step
// just finished, the run is still going" or the run's terminal result.
// A tagged variant instead of a marker field on the result payload, so
// a workflow cannot forget to mark its last step.
type Outcome struct {
	Kind  OutcomeKind
	Step  string
	Value map[string]interface{}
	Err   string
	Trace string
}

// Intermediate wraps a completed step's output. The run keeps going.
func Intermediate(step string, value map[string]interface{}) Outcome {
	return Outcome{Kind: OutcomeIntermediate, Step: step, Value: value}
}

// Completed is the successful terminal result of a run.
func Completed(value map[string]interface{}) Outcome {
	return Outcome{Kind: OutcomeCompleted, Value: value}
}

// Failed is the failing terminal result of a run. value may carry
// partial progress for the log.
func Failed(err error, value map[string]interface{}) Outcome {
	msg := "workflow failed"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{Kind: OutcomeFailed, Value: value, Err: msg}
}

// Terminal reports whether this outcome ends the run.
func (o Outcome) Terminal() bool {
	return o.Kind != OutcomeIntermediate
}
