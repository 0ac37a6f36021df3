package utils

// classifiedError attaches a sentinel to a cause. Both the sentinel and everything in the cause's
// chain satisfy errors.Is, whether checked with the standard library or cockroachdb/errors.
type classifiedError struct {
	sentinel error
	cause    error
}

func (e *classifiedError) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Is(target error) bool {
	return target == e.sentinel
}

// Classify returns cause wrapped so that errors.Is(err, sentinel) holds. A nil cause returns nil.
func Classify(cause, sentinel error) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		sentinel: sentinel,
		cause:    cause,
	}
}
