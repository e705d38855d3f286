package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
)

// Sentinels matched with errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrPersistence = errors.New("persistence failed")
)

// ValidationError rejects caller input (short role text, empty identity).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ExtractionError is a failed media download or decode. It never reaches
// the user: the extractor substitutes a placeholder and logs it.
type ExtractionError struct {
	Kind channels.MessageType
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// GenerationKind subclassifies generation failures.
type GenerationKind int

const (
	// GenerationTransient covers network errors, timeouts, rate limits and
	// anything unrecognized.
	GenerationTransient GenerationKind = iota

	// GenerationPayloadRejected means the backend refused the prompt
	// content itself, usually unsupported or oversized media.
	GenerationPayloadRejected
)

func (k GenerationKind) String() string {
	if k == GenerationPayloadRejected {
		return "payload_rejected"
	}
	return "transient"
}

// User-facing apologies sent instead of a generated answer.
const (
	ApologyPayloadRejected = "I'm sorry, the media could not be processed. It might be in an unsupported format or too large."
	ApologyGeneric         = "Sorry, I encountered an error generating a response. Please try again."
)

// GenerationError wraps a failed generator call.
type GenerationError struct {
	Kind GenerationKind
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s): %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Apology returns the message shown to the user for this failure.
func (e *GenerationError) Apology() string {
	if e.Kind == GenerationPayloadRejected {
		return ApologyPayloadRejected
	}
	return ApologyGeneric
}

// payloadRejecter is implemented by generator errors that know whether the
// request content was refused (llm.APIError).
type payloadRejecter interface {
	PayloadRejected() bool
}

// classifyGeneration maps a generator error to a GenerationError. Timeouts
// are transient.
func classifyGeneration(err error) *GenerationError {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &GenerationError{Kind: GenerationTransient, Err: err}
	}
	var pr payloadRejecter
	if errors.As(err, &pr) && pr.PayloadRejected() {
		return &GenerationError{Kind: GenerationPayloadRejected, Err: err}
	}
	return &GenerationError{Kind: GenerationTransient, Err: err}
}

// PersistenceError is a failed read or write against the durable store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
