// Package provider holds the error contract shared by the compute and DNS
// provider clients.
package provider

import (
	"errors"
	"fmt"
)

// Error wraps a failed provider call. Transient errors (network failures,
// 5xx, 429) are eligible for retry by the caller; permanent errors (other
// 4xx) are not.
type Error struct {
	Provider   string // "compute" or "dns"
	Op         string
	StatusCode int // zero when the request never got a response
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a provider error eligible for retry
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// Classify builds an Error from an HTTP status code. Requests that never
// reached the provider (code 0) are treated as transient.
func Classify(providerName, op string, code int, err error) *Error {
	transient := code == 0 || code == 429 || code >= 500
	return &Error{
		Provider:   providerName,
		Op:         op,
		StatusCode: code,
		Transient:  transient,
		Err:        err,
	}
}
