package breaker

import cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"

// ErrFromGobreaker maps a gobreaker sentinel error onto the shared
// CircuitOpen taxonomy so callers never need to import gobreaker
// themselves to classify the failure.
func ErrFromGobreaker(err error) error {
	return cerrors.Wrap(cerrors.KindCircuitOpen, "circuit breaker is open", err)
}
