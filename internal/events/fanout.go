package events

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/taskbridge/internal/orchestrator"
)

// Fanout delivers every event to each sink in order. All sinks see the
// event even when an earlier one fails; the errors are joined.
func Fanout(sinks ...orchestrator.Sink) orchestrator.Sink {
	active := make([]orchestrator.Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	return orchestrator.SinkFunc(func(ctx context.Context, ev orchestrator.Event) error {
		var errs []error
		for _, s := range active {
			if err := s.Handle(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
