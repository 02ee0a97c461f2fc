package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrRetired is returned by a processor that has been stopped and deregistered
	ErrRetired = errors.New("stream processor has been stopped")
	// ErrNotFound is returned when no processor exists for an identifier
	ErrNotFound = errors.New("stream not found")
)

// ValidationError rejects a control parameter without touching processor state
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DeliveryError reports a subscriber whose channel could not take a message
type DeliveryError struct {
	Subscriber string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to subscriber %s failed: %v", e.Subscriber, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
