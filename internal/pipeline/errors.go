package pipeline

import (
	"errors"
	"fmt"
)

// Kind is a stable, client-visible error category.
type Kind string

const (
	KindValidation  Kind = "validation_error"
	KindUnsupported Kind = "unsupported_format"
	KindExtraction  Kind = "extraction_failed"
	KindEmbedding   Kind = "embedding_service_error"
	KindIndex       Kind = "index_error"
	KindIndexEmpty  Kind = "index_empty"
	KindGeneration  Kind = "generation_failed"
	KindInternal    Kind = "internal_error"
)

// Error is a pipeline failure with the kind reported to callers.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err, or KindInternal for errors that did not
// come from the pipeline.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
