package remotebatch

import "strings"

// BatchError is a typed error carrying whether the dispatcher should retry,
// replacing the source's exception-attribute-based control flow with an
// explicit field.
type BatchError struct {
	Err       error
	Retryable bool
}

func (e *BatchError) Error() string { return e.Err.Error() }
func (e *BatchError) Unwrap() error { return e.Err }

var retrySignals = []string{
	"timeout",
	"connection",
	"network",
	"rate limit",
	"too many requests",
	"429",
	"overloaded",
	"529",
}

var noRetrySignals = []string{
	"invalid",
	"content policy",
	"malformed",
	"400",
	"format",
	"invalid_request_error",
}

// ClassifyError wraps err with a Retryable verdict based on a string-match
// over the error message. Defaults to retryable when no signal matches.
func ClassifyError(err error) *BatchError {
	if err == nil {
		return nil
	}
	if be, ok := err.(*BatchError); ok {
		return be
	}

	msg := strings.ToLower(err.Error())
	for _, signal := range retrySignals {
		if strings.Contains(msg, signal) {
			return &BatchError{Err: err, Retryable: true}
		}
	}
	for _, signal := range noRetrySignals {
		if strings.Contains(msg, signal) {
			return &BatchError{Err: err, Retryable: false}
		}
	}
	return &BatchError{Err: err, Retryable: true}
}
