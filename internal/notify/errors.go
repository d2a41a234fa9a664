package notify

import "errors"

type permanentError struct {
	err error
}

func (e permanentError) Error() string {
	if e.err == nil {
		return "permanent dispatch error"
	}
	return e.err.Error()
}

func (e permanentError) Unwrap() error {
	return e.err
}

// NewPermanentError marks err as non-retryable. Permanent failures are not
// retried and do not count against the circuit breaker.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanentError reports whether err was marked non-retryable.
func IsPermanentError(err error) bool {
	var target permanentError
	return errors.As(err, &target)
}
