package volerr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Kind is the closed set of failure classes surfaced by the volume.
type Kind string

const (
	KindNotFound             Kind = "E_NOT_FOUND"             // item does not exist in the remote index
	KindContainerUnavailable Kind = "E_CONTAINER_UNAVAILABLE" // unknown container, signed out or no permission
	KindTimeout              Kind = "E_TIMEOUT"               // local watchdog or query budget exhausted
	KindCanceled             Kind = "E_CANCELED"              // caller initiated cancellation
	KindConflict             Kind = "E_CONFLICT"              // unresolved version conflict
	KindTransport            Kind = "E_TRANSPORT"             // wrapped low level failure
	KindInvalidArgument      Kind = "E_INVALID_ARGUMENT"      // path validation failure
)

var (
	// ErrContainerUnavailable is returned by services that cannot resolve the container root.
	ErrContainerUnavailable = errors.New("container unavailable")
	// ErrConflict is returned by services when an item has an unresolved conflict.
	ErrConflict = errors.New("unresolved conflict")
)

// Error is the error type returned by every public volume operation.
type Error struct {
	Kind    Kind
	Op      string
	Path    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Op != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Op)
	}
	if e.Path != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Path)
	}
	switch {
	case e.Message != "":
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	case e.Err != nil:
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode mirrors the code/message accessor pair used by api errors.
func (e *Error) ErrorCode() string { return string(e.Kind) }

func (e *Error) ErrorMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// New creates an error of the given kind with a message.
func New(kind Kind, op, path, msg string) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Message: msg}
}

// Newf is New with a format string.
func Newf(kind Kind, op, path, format string, args ...any) *Error {
	return New(kind, op, path, fmt.Sprintf(format, args...))
}

// Wrap attaches op/path context to err. If err is already an *Error its kind is kept,
// otherwise kind is used when non-empty and Classify(err) when empty.
func Wrap(kind Kind, op, path string, err error) *Error {
	if err == nil {
		return nil
	}

	var ve *Error
	if errors.As(err, &ve) {
		out := *ve
		if out.Op == "" {
			out.Op = op
		}
		if out.Path == "" {
			out.Path = path
		}
		return &out
	}

	if kind == "" {
		kind = Classify(err)
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Classify maps a low level error into the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrContainerUnavailable), errors.Is(err, fs.ErrPermission):
		return KindContainerUnavailable
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, fs.ErrInvalid):
		return KindInvalidArgument
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	}

	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	var noBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &noKey), errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &noBucket):
		return KindContainerUnavailable
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return KindNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket", "ExpiredToken":
			return KindContainerUnavailable
		}
	}

	return KindTransport
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}

// Retryable reports whether the coordination layer may retry after err.
// NotFound and ContainerUnavailable short circuit, as do cancellation and conflicts.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransport, KindTimeout:
		return true
	default:
		return false
	}
}
