package pushapi

import (
	"fmt"
)

// AuthError means the credential was rejected. The user must enter a new one.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: HTTP %d: %s", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("authentication failed: HTTP %d", e.StatusCode)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// FetchError is a transient failure talking to the push service. StatusCode is 0 if no response
// was received.
type FetchError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// RegistrationError means this device could not be registered with the push service.
type RegistrationError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RegistrationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("device registration failed: HTTP %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("device registration failed: %s", msg)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}
