package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBackpressure is returned by Submit when the ingestion queue is full.
	// Producers are expected to drop the event and count it.
	ErrBackpressure = errors.New("ingestion queue full")

	ErrProcessorStopped = errors.New("event processor stopped")

	ErrNotFound = errors.New("not found")

	// ErrTimeOutOfRange rejects timestamps outside [MinEventTime, MaxEventTime].
	ErrTimeOutOfRange = errors.New("timestamp outside the storable range")
)

// StorageError wraps a failed persistence call.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError returns nil when err is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// DetectorFault records a detector that panicked on an event. The event
// still completes processing without that detector's contribution.
type DetectorFault struct {
	Detector  string
	EventID   int64
	EventType EventType
	Panic     any
}

func (e *DetectorFault) Error() string {
	return fmt.Sprintf("detector %s faulted on %s event: %v", e.Detector, e.EventType, e.Panic)
}

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid config %s=%v: %s", e.Field, e.Value, e.Reason)
}
