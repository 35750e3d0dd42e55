package model

import "errors"

// Error taxonomy surfaced to the orchestration layer. Steps are
// whole-dataset-replacing overwrites, so the retry contract for every
// non-terminal kind is to re-invoke the same step; the engine performs no
// internal retries.
var (
	// ErrVocabularyNotFound is fatal to the job: the vocabulary files for
	// the requested version are missing and there is no partial state to
	// roll back.
	ErrVocabularyNotFound = errors.New("vocabulary version not found")

	// ErrMissingRequiredField is fatal for the specific step.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrStepOutOfOrder rejects a stale or duplicate advance request; the
	// step is not executed.
	ErrStepOutOfOrder = errors.New("step out of order")

	// ErrJobNotFound is distinct from failure: the caller decides whether
	// to treat it as a fresh start or as unrecoverable.
	ErrJobNotFound = errors.New("job not found")

	// ErrPartialWrite reports that a step's output did not become fully
	// durable. Safe to retry the same step.
	ErrPartialWrite = errors.New("partial write")

	// ErrNoRouteFound reports a (source table, domain) pair with no
	// transform in the routing catalog. The catalog is validated at
	// startup, so hitting this at run time is a programming error.
	ErrNoRouteFound = errors.New("no route found")
)

// ErrorKind returns the taxonomy name for an error, for inclusion in step
// results and logs.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrVocabularyNotFound):
		return "vocabulary_not_found"
	case errors.Is(err, ErrMissingRequiredField):
		return "missing_required_field"
	case errors.Is(err, ErrStepOutOfOrder):
		return "step_out_of_order"
	case errors.Is(err, ErrJobNotFound):
		return "job_not_found"
	case errors.Is(err, ErrPartialWrite):
		return "partial_write"
	case errors.Is(err, ErrNoRouteFound):
		return "no_route_found"
	default:
		return "internal"
	}
}
