package protocol

import (
	"errors"
	"fmt"
)

// Response error codes carried in the header error field.
const (
	CodeOK         int32 = 0
	CodeBadCommand int32 = 1
	CodeBadRequest int32 = 2
	CodeNotFound   int32 = 3
	CodeInternal   int32 = 4
)

var ErrCommandNotImplemented = errors.New("protocol: command not implemented")

// NotImplementedError reports a tag with no registered handler.
type NotImplementedError struct {
	Tag int32
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("command tag %d not implemented", e.Tag)
}

// Is lets errors.Is match ErrCommandNotImplemented.
func (e *NotImplementedError) Is(target error) bool {
	return target == ErrCommandNotImplemented
}

// Code is always CodeBadCommand.
func (e *NotImplementedError) Code() int32 {
	return CodeBadCommand
}

// ExecutionError is a request-level rejection raised by a handler. Code and
// Message are relayed to the peer unchanged.
type ExecutionError struct {
	Code    int32
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Errorf builds an ExecutionError with a formatted message.
func Errorf(code int32, format string, args ...any) *ExecutionError {
	return &ExecutionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsExecutionError converts any handler error into an ExecutionError. Errors
// that are not already typed are reported with CodeInternal.
func AsExecutionError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	return &ExecutionError{Code: CodeInternal, Message: err.Error(), Err: err}
}

// ResponseCode maps a dispatch error onto the header error field and the
// message sent back as payload.
func ResponseCode(err error) (int32, string) {
	if err == nil {
		return CodeOK, ""
	}
	var notImpl *NotImplementedError
	if errors.As(err, &notImpl) {
		return CodeBadCommand, notImpl.Error()
	}
	execErr := AsExecutionError(err)
	return execErr.Code, execErr.Message
}
