package domain

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUnreachable
	KindTimeout
	KindConnection
	KindDeviceRejected
	KindAllRetriesFailed
	KindInvalidInput
	KindParse
)

var (
	ErrUnreachable      = errors.New("device unreachable")
	ErrTimeout          = errors.New("device timeout")
	ErrConnection       = errors.New("connection error")
	ErrDeviceRejected   = errors.New("device rejected request")
	ErrAllRetriesFailed = errors.New("all retries failed")
	ErrInvalidInput     = errors.New("invalid input")
	ErrParse            = errors.New("malformed device response")
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection_error"
	case KindDeviceRejected:
		return "device_rejected"
	case KindAllRetriesFailed:
		return "all_retries_failed"
	case KindInvalidInput:
		return "invalid_input"
	case KindParse:
		return "parse_error"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindUnreachable:
		return ErrUnreachable
	case KindTimeout:
		return ErrTimeout
	case KindConnection:
		return ErrConnection
	case KindDeviceRejected:
		return ErrDeviceRejected
	case KindAllRetriesFailed:
		return ErrAllRetriesFailed
	case KindInvalidInput:
		return ErrInvalidInput
	case KindParse:
		return ErrParse
	default:
		return nil
	}
}

// DeviceError is the single failure type crossing transport and client
// boundaries. Status is set for DeviceRejected, Attempts for AllRetriesFailed.
type DeviceError struct {
	Kind     ErrorKind
	Op       string
	Status   int
	Attempts int
	Msg      string
	Err      error
}

func (e *DeviceError) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	switch e.Kind {
	case KindDeviceRejected:
		fmt.Fprintf(&b, " (status %d)", e.Status)
	case KindAllRetriesFailed:
		fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DeviceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *DeviceError) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel := e.Kind.sentinel()
	return sentinel != nil && target == sentinel
}

func NewDeviceError(kind ErrorKind, op string, err error) *DeviceError {
	return &DeviceError{Kind: kind, Op: op, Err: err}
}

func InvalidInput(op, format string, args ...any) *DeviceError {
	return &DeviceError{Kind: KindInvalidInput, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func ParseError(op string, err error) *DeviceError {
	return &DeviceError{Kind: KindParse, Op: op, Err: err}
}

// KindOf returns the kind of the first DeviceError in err's chain.
func KindOf(err error) ErrorKind {
	var dErr *DeviceError
	if errors.As(err, &dErr) && dErr != nil {
		return dErr.Kind
	}
	return KindUnknown
}

func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

type ToolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}
