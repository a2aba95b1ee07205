// Package status defines the terminal outcome of a call (the 17 canonical
// grpc status codes) and the synchronous batch-submission error codes.
package status

import (
	"strconv"

	"golang.org/x/net/http2"
)

type Code uint32

const (
	OK                 Code = 0
	Cancelled          Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

var codeNames = [...]string{
	"OK",
	"CANCELLED",
	"UNKNOWN",
	"INVALID_ARGUMENT",
	"DEADLINE_EXCEEDED",
	"NOT_FOUND",
	"ALREADY_EXISTS",
	"PERMISSION_DENIED",
	"RESOURCE_EXHAUSTED",
	"FAILED_PRECONDITION",
	"ABORTED",
	"OUT_OF_RANGE",
	"UNIMPLEMENTED",
	"INTERNAL",
	"UNAVAILABLE",
	"DATA_LOSS",
	"UNAUTHENTICATED",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "CODE(" + strconv.FormatUint(uint64(c), 10) + ")"
}

// ParseCode parses the ascii-decimal grpc-status trailer value.
func ParseCode(s string) (Code, bool) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v > uint64(Unauthenticated) {
		return Unknown, false
	}
	return Code(v), true
}

// Status is the terminal outcome of a call.
type Status struct {
	Code    Code
	Message string
}

func New(code Code, message string) Status {
	return Status{Code: code, Message: message}
}

func (s Status) OK() bool { return s.Code == OK }

func (s Status) String() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return s.Code.String() + ": " + s.Message
}

// FromHTTP2ErrCode maps an RST_STREAM/GOAWAY error code to a call status,
// the way the grpc http2 transport defines it.
func FromHTTP2ErrCode(code http2.ErrCode) Code {
	switch code {
	case http2.ErrCodeNo, http2.ErrCodeProtocol, http2.ErrCodeInternal,
		http2.ErrCodeFlowControl, http2.ErrCodeSettingsTimeout,
		http2.ErrCodeFrameSize, http2.ErrCodeCompression, http2.ErrCodeConnect:
		return Internal
	case http2.ErrCodeRefusedStream:
		return Unavailable
	case http2.ErrCodeCancel, http2.ErrCodeStreamClosed:
		return Cancelled
	case http2.ErrCodeEnhanceYourCalm:
		return ResourceExhausted
	case http2.ErrCodeInadequateSecurity:
		return PermissionDenied
	case http2.ErrCodeHTTP11Required:
		return Internal
	default:
		return Unknown
	}
}

// CallError is returned synchronously from batch submission and the other
// call-surface operations.
type CallError int

const (
	CallOK             CallError = 0
	ErrCall            CallError = 1
	ErrNotOnServer     CallError = 2
	ErrNotOnClient     CallError = 3
	ErrAlreadyInvoked  CallError = 4
	ErrNotInvoked      CallError = 5
	ErrAlreadyFinished CallError = 6
	ErrTooManyOps      CallError = 7
	ErrInvalidFlags    CallError = 8
)

var callErrorNames = [...]string{
	"OK",
	"ERROR",
	"NOT_ON_SERVER",
	"NOT_ON_CLIENT",
	"ALREADY_INVOKED",
	"NOT_INVOKED",
	"ALREADY_FINISHED",
	"TOO_MANY_OPERATIONS",
	"INVALID_FLAGS",
}

func (e CallError) String() string {
	if int(e) < len(callErrorNames) {
		return callErrorNames[e]
	}
	return "CALL_ERROR(" + strconv.Itoa(int(e)) + ")"
}

func (e CallError) Error() string { return "call error: " + e.String() }
