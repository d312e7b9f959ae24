package orchestrator

import "fmt"

// Pipeline stages, used in errors and logs.
const (
	stageBuildContext = "build_context"
	stageAggregate    = "aggregate"
)

// FatalError aborts a request. RouteMessage answers it with the apology.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("orchestrator: %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// AggregationError is a failed aggregator call. It is recovered with a naive
// join of the agent answers.
type AggregationError struct {
	Responses int
	Err       error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("orchestrator: aggregate %d responses: %v", e.Responses, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }
