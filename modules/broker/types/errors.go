package types

import "fmt"

type NotFoundError struct {
	OriginalError error
	Message       string
}

func (e *NotFoundError) Error() string {
	if e.OriginalError != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.OriginalError)
	}
	return e.Message
}

func (e *NotFoundError) Unwrap() error {
	return e.OriginalError
}

func NewNotFoundError(msg string, err error) *NotFoundError {
	return &NotFoundError{
		Message:       msg,
		OriginalError: err,
	}
}

type AlreadyExistsError struct {
	Message string
}

func (e *AlreadyExistsError) Error() string {
	return e.Message
}

func NewAlreadyExistsError(msg string) *AlreadyExistsError {
	return &AlreadyExistsError{Message: msg}
}

type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string {
	return e.Message
}

func NewInvalidArgumentError(msg string) *InvalidArgumentError {
	return &InvalidArgumentError{Message: msg}
}

// InvalidOffsetError rejects a seek outside the valid cursor range. The prior
// offset is left unchanged.
type InvalidOffsetError struct {
	Message string
	Offset  int64
}

func (e *InvalidOffsetError) Error() string {
	return fmt.Sprintf("%s: %d", e.Message, e.Offset)
}

func NewInvalidOffsetError(msg string, offset int64) *InvalidOffsetError {
	return &InvalidOffsetError{Message: msg, Offset: offset}
}
