package graph

import (
	"context"

	"confgraph/internal/workerpool"
)

// ChangeSet is the outcome of one ValidateChanges call.
type ChangeSet struct {
	// Services are the service units being revalidated on the pool.
	Services []*workerpool.Future[*Node]
	// Infrastructure holds pool, datasource and factory units that were
	// validated inline.
	Infrastructure []*Node
	// Deleted holds the units removed by the transaction.
	Deleted []*Node
	// TidyOut is set when the bundle manifest asked for a sweep.
	TidyOut bool
}

// Await waits for every service future and returns the validated services.
// Failures do not short-circuit: all of them are reported together once the
// last future completes.
func (cs *ChangeSet) Await(ctx context.Context) ([]*Node, error) {
	var (
		services []*Node
		errs     []error
	)
	for _, f := range cs.Services {
		n, err := f.Wait(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		services = append(services, n)
	}
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return services, nil
}

// Empty reports whether the change set carries nothing to bind or unbind.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Services) == 0 && len(cs.Infrastructure) == 0 && len(cs.Deleted) == 0
}
