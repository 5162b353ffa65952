package pipeline

import "errors"

// Stage failures come in two flavors. Transient failures (timeouts, rate
// limits, infrastructure hiccups) are retried through queue redelivery;
// permanent failures (invalid input, policy rejection) terminate the
// request immediately.

type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient stage failure"
	}
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent stage failure"
	}
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is classified permanent. Unclassified
// errors are treated as transient so that infrastructure noise gets the
// benefit of a retry.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
