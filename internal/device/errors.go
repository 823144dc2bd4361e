package device

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Code is a device-control error code.
type Code int

const (
	CodeNone Code = iota
	CodeUnknown
	CodeNotImplemented
	CodeTimeout
	CodeInvalidParameter
	CodeInvalidValue
	CodeFileNotFound
	CodeNotConnected
	CodePermissionDenied
	CodeChecksum
	CodeBufferOverflow
	CodeTransport
)

var codeNames = map[Code]string{
	CodeNone:             "no error",
	CodeUnknown:          "unknown error",
	CodeNotImplemented:   "not implemented",
	CodeTimeout:          "operation timed out",
	CodeInvalidParameter: "sensor invalid parameter",
	CodeInvalidValue:     "invalid value",
	CodeFileNotFound:     "file not found",
	CodeNotConnected:     "not connected",
	CodePermissionDenied: "permission denied",
	CodeChecksum:         "invalid checksum",
	CodeBufferOverflow:   "buffer overflow",
	CodeTransport:        "transport error",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code %d", int(c))
}

// Kind is the local policy for an error.
type Kind int

const (
	// Recoverable errors leave the state machine where it was; the caller
	// may retry the same operation.
	Recoverable Kind = iota
	// Fatal errors end the session.
	Fatal
)

func (k Kind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "recoverable"
}

// severity classifies known codes. Codes missing from the table are treated
// as Recoverable.
var severity = map[Code]Kind{
	CodeUnknown:          Fatal,
	CodeNotImplemented:   Fatal,
	CodeNotConnected:     Fatal,
	CodePermissionDenied: Fatal,

	CodeTimeout:          Recoverable,
	CodeInvalidParameter: Recoverable,
	CodeInvalidValue:     Recoverable,
	CodeFileNotFound:     Recoverable,
}

// Classify returns the policy for c and whether c was in the table.
func Classify(c Code) (Kind, bool) {
	k, ok := severity[c]
	if !ok {
		return Recoverable, false
	}
	return k, true
}

// Error is a failed device operation.
type Error struct {
	Op   string
	Code Code
	Kind Kind
	Err  error // underlying transport error, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("VN: %s: %s", e.Op, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error for op with code c, classified by the table.
func NewError(op string, c Code) *Error {
	k, _ := Classify(c)
	return &Error{Op: op, Code: c, Kind: k}
}

// IsFatal reports whether err carries a Fatal device error.
func IsFatal(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == Fatal
}

// Ensure applies the error policy to the result of a device call. It returns
// nil on success, logs recoverable and unclassified errors as warnings, and
// returns every failure as an *Error so the caller can decide whether to
// abort or retry.
func Ensure(op string, err error) error {
	if err == nil {
		return nil
	}

	var de *Error
	if !errors.As(err, &de) {
		de = &Error{Op: op, Code: CodeTransport, Err: err}
	}
	if de.Op == "" {
		de.Op = op
	}

	switch kind, known := Classify(de.Code); {
	case !known:
		de.Kind = Recoverable
		log.Warnf("VN: %s: unhandled error type (%s)", de.Op, de.Code)
	case kind == Recoverable:
		de.Kind = Recoverable
		log.Warnf("VN: %s: %s", de.Op, de.Code)
	default:
		de.Kind = Fatal
	}
	return de
}
