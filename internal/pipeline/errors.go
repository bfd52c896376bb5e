// Package pipeline defines the outcome taxonomy shared by every stage of the
// upload-to-classification pipeline.
package pipeline

import (
	"errors"
	"fmt"
)

// Kind identifies a terminal failure category of a request.
type Kind string

const (
	KindUploadMissing     Kind = "upload_missing"
	KindUploadInvalidType Kind = "upload_invalid_type"
	KindUploadTooLarge    Kind = "upload_too_large"
	KindIO                Kind = "io_error"
	KindInvocation        Kind = "invocation_error"
	KindWorkerExecution   Kind = "worker_execution_error"
	KindEmptyOutput       Kind = "empty_output_error"
	KindMalformedOutput   Kind = "malformed_output_error"
	KindWorkerReported    Kind = "worker_reported_error"
)

// ClientFault reports whether the kind is caused by a bad upload rather than
// by the pipeline itself.
func (k Kind) ClientFault() bool {
	switch k {
	case KindUploadMissing, KindUploadInvalidType, KindUploadTooLarge:
		return true
	}
	return false
}

// Error is a categorized pipeline failure. Diagnostic fields are populated
// only for the kinds that produce them.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Set for KindWorkerExecution.
	ExitCode int
	// Captured worker streams, set once the worker has run.
	Stdout string
	Stderr string
	// Value of the worker's self-reported error field.
	Reported string
	// Set for KindInvocation when the worker exceeded its time budget.
	Timeout bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Reported != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Reported)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Kind == KindWorkerExecution:
		return fmt.Sprintf("%s: %s (exit code %d)", e.Kind, e.Message, e.ExitCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by kind, so sentinel comparisons like
// errors.Is(err, &pipeline.Error{Kind: pipeline.KindEmptyOutput}) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of a pipeline error, reporting false for errors
// outside the taxonomy.
func KindOf(err error) (Kind, bool) {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind, true
	}
	return "", false
}

func UploadMissing() *Error {
	return &Error{Kind: KindUploadMissing, Message: "No image file uploaded"}
}

func UploadInvalidType(contentType string) *Error {
	return &Error{
		Kind:    KindUploadInvalidType,
		Message: "Uploaded file is not an image",
		Err:     fmt.Errorf("content type %q", contentType),
	}
}

func UploadTooLarge(limit int64) *Error {
	return &Error{
		Kind:    KindUploadTooLarge,
		Message: "Uploaded file is too large",
		Err:     fmt.Errorf("limit is %d bytes", limit),
	}
}

func IOError(message string, err error) *Error {
	return &Error{Kind: KindIO, Message: message, Err: err}
}

func InvocationError(err error) *Error {
	return &Error{Kind: KindInvocation, Message: "Failed to start classification process", Err: err}
}

// InvocationWaitError covers a worker that started but could not be waited
// on to completion.
func InvocationWaitError(err error, stdout, stderr string) *Error {
	return &Error{
		Kind:    KindInvocation,
		Message: "Classification process did not complete",
		Err:     err,
		Stdout:  stdout,
		Stderr:  stderr,
	}
}

func InvocationTimeout(err error, stdout, stderr string) *Error {
	return &Error{
		Kind:    KindInvocation,
		Message: "Classification process timed out",
		Err:     err,
		Stdout:  stdout,
		Stderr:  stderr,
		Timeout: true,
	}
}

func WorkerExecutionError(exitCode int, stdout, stderr string) *Error {
	return &Error{
		Kind:     KindWorkerExecution,
		Message:  "Image classification failed",
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}
}

func EmptyOutputError(stderr string) *Error {
	return &Error{Kind: KindEmptyOutput, Message: "No output from classification worker", Stderr: stderr}
}

func MalformedOutputError(err error, stdout string) *Error {
	return &Error{Kind: KindMalformedOutput, Message: "Invalid response from classification worker", Err: err, Stdout: stdout}
}

func WorkerReportedError(reported string) *Error {
	return &Error{Kind: KindWorkerReported, Message: "Classification error", Reported: reported}
}
