package list

import "errors"

// ConditionFailedError reports that a conditional write observed a row that
// no longer matches its predicate, or that the storage backend aborted a
// transaction on a serialization conflict. Either way a concurrently
// committed writer won the race; the operation is sound to re-run with fresh
// reads. The retry driver consumes this error and it is never surfaced to
// callers as-is.
type ConditionFailedError struct {
	Msg string
}

func (e *ConditionFailedError) Error() string {
	return e.Msg
}

// ConflictError reports that a precondition of the requested operation is
// permanently unsatisfiable: the anchor or target node named by the caller
// is gone, or the retry budget ran out. Surfaced to the caller immediately.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string {
	return e.Msg
}

// IsConditionFailed reports whether err is a retryable lost race.
func IsConditionFailed(err error) bool {
	var cf *ConditionFailedError
	return errors.As(err, &cf)
}

// IsConflict reports whether err is a permanent conflict.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
