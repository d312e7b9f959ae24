package eventlog

import (
	"context"
	"errors"
)

// Fanout forwards every record to all of its sinks and joins their errors.
type Fanout []Sink

var _ Sink = Fanout(nil)

// LogGeneration implements [Sink].
func (f Fanout) LogGeneration(ctx context.Context, rec GenerationRecord) error {
	var errs []error
	for _, s := range f {
		if err := s.LogGeneration(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogOrchestration implements [Sink].
func (f Fanout) LogOrchestration(ctx context.Context, ev OrchestrationEvent) error {
	var errs []error
	for _, s := range f {
		if err := s.LogOrchestration(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
