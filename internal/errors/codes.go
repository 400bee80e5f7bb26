package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrorCode represents internal error codes for replication operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument    ErrorCode = 1000
	ErrCodeDecode             ErrorCode = 1001
	ErrCodeEntryNotFound      ErrorCode = 1002
	ErrCodeEntryExists        ErrorCode = 1003
	ErrCodeGenerationMismatch ErrorCode = 1004
	ErrCodeStopped            ErrorCode = 1005

	// Server errors
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeUnavailable         ErrorCode = 2001
	ErrCodeHistoryUnavailable  ErrorCode = 2002
	ErrCodeNoReplicationServer ErrorCode = 2003
	ErrCodeCorruptedData       ErrorCode = 2004
	ErrCodeStateStoreFailed    ErrorCode = 2005
)

// ReplicationError represents a structured error with code and context
type ReplicationError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ReplicationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ReplicationError) Unwrap() error {
	return e.Cause
}

// Is matches any ReplicationError carrying the same code, so sentinels work with errors.Is.
func (e *ReplicationError) Is(target error) bool {
	t, ok := target.(*ReplicationError)
	return ok && t.Code == e.Code
}

// ToGRPCStatus converts ReplicationError to gRPC status
func (e *ReplicationError) ToGRPCStatus() *status.Status {
	st := status.New(e.toGRPCCode(), e.Error())
	if len(e.Details) == 0 {
		return st
	}

	details, err := structpb.NewStruct(stringifyDetails(e.Details))
	if err != nil {
		return st
	}
	withDetails, err := st.WithDetails(details)
	if err != nil {
		return st
	}
	return withDetails
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *ReplicationError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeDecode:
		return codes.InvalidArgument
	case ErrCodeEntryNotFound:
		return codes.NotFound
	case ErrCodeEntryExists:
		return codes.AlreadyExists
	case ErrCodeGenerationMismatch, ErrCodeStopped:
		return codes.FailedPrecondition
	case ErrCodeUnavailable, ErrCodeNoReplicationServer:
		return codes.Unavailable
	case ErrCodeHistoryUnavailable, ErrCodeCorruptedData:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// structpb only accepts JSON-like values
func stringifyDetails(details map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		switch val := v.(type) {
		case string, bool, float64, nil:
			out[k] = val
		case int:
			out[k] = float64(val)
		case fmt.Stringer:
			out[k] = val.String()
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}

// NewReplicationError creates a new ReplicationError
func NewReplicationError(code ErrorCode, message string, cause error) *ReplicationError {
	return &ReplicationError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ReplicationError) WithDetail(key string, value interface{}) *ReplicationError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is
var (
	ErrDecode              = &ReplicationError{Code: ErrCodeDecode, Message: "decode error"}
	ErrHistoryUnavailable  = &ReplicationError{Code: ErrCodeHistoryUnavailable, Message: "history unavailable"}
	ErrNoReplicationServer = &ReplicationError{Code: ErrCodeNoReplicationServer, Message: "no replication server"}
	ErrEntryNotFound       = &ReplicationError{Code: ErrCodeEntryNotFound, Message: "entry not found"}
)

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeInvalidArgument, message, cause)
}

// DecodeFailed reports malformed serialized input: change numbers, server states, historical values.
func DecodeFailed(input, reason string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeDecode, fmt.Sprintf("cannot decode '%s': %s", input, reason), cause).
		WithDetail("input", input).
		WithDetail("reason", reason)
}

// HistoryUnavailable reports that fake operations cannot be rebuilt for an entry.
func HistoryUnavailable(dn string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeHistoryUnavailable, fmt.Sprintf("history unavailable for entry %s", dn), cause).
		WithDetail("dn", dn)
}

func EntryNotFound(dn string) *ReplicationError {
	return NewReplicationError(ErrCodeEntryNotFound, fmt.Sprintf("entry not found: %s", dn), nil).
		WithDetail("dn", dn)
}

func EntryExists(dn string) *ReplicationError {
	return NewReplicationError(ErrCodeEntryExists, fmt.Sprintf("entry already exists: %s", dn), nil).
		WithDetail("dn", dn)
}

func GenerationMismatch(local, remote int64) *ReplicationError {
	return NewReplicationError(ErrCodeGenerationMismatch, fmt.Sprintf("generation id mismatch: local %d, remote %d", local, remote), nil).
		WithDetail("local", local).
		WithDetail("remote", remote)
}

// Stopped reports that a plugin handler stopped the operation.
func Stopped(resultCode int, message string) *ReplicationError {
	return NewReplicationError(ErrCodeStopped, message, nil).
		WithDetail("result_code", resultCode)
}

func NoReplicationServer(domain string) *ReplicationError {
	return NewReplicationError(ErrCodeNoReplicationServer, fmt.Sprintf("no replication server available for domain %s", domain), nil).
		WithDetail("domain", domain)
}

func InternalError(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeUnavailable, message, cause)
}

func CorruptedData(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeCorruptedData, message, cause)
}

func StateStoreFailed(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeStateStoreFailed, message, cause)
}

// IsReplicationError checks if an error is a ReplicationError
func IsReplicationError(err error) bool {
	var re *ReplicationError
	return stderrors.As(err, &re)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var re *ReplicationError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

// IsDecodeError reports whether err, or anything it wraps, is a decode error.
func IsDecodeError(err error) bool {
	return stderrors.Is(err, ErrDecode)
}

// IsHistoryUnavailable reports whether err, or anything it wraps, is a history unavailable error.
func IsHistoryUnavailable(err error) bool {
	return stderrors.Is(err, ErrHistoryUnavailable)
}
