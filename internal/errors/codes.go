// Package errors defines the typed errors surfaced by ring operations and their
// mapping onto gRPC and HTTP status codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode is the stable, client-visible identifier of a failure class.
type ErrorCode string

const (
	// Client errors
	ErrCodeInvalidArgument  ErrorCode = "INVALID_REQUEST"
	ErrCodeUnknownRing      ErrorCode = "UNKNOWN_RING"
	ErrCodeRingExists       ErrorCode = "RING_EXISTS"
	ErrCodeChunkOutOfRange  ErrorCode = "CHUNK_OUT_OF_RANGE"
	ErrCodeInvalidChunkSize ErrorCode = "INVALID_CHUNK_SIZE"
	ErrCodeInvalidAddress   ErrorCode = "INVALID_ADDRESS"
	ErrCodeChecksumFailed   ErrorCode = "CHECKSUM_FAILED"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"

	// Server errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED"
	ErrCodeShuttingDown   ErrorCode = "SHUTTING_DOWN"
	ErrCodeTimeout        ErrorCode = "TIMEOUT"
	ErrCodeNoPeer         ErrorCode = "NO_PEER"
)

// RingError is a structured error with a code and context.
type RingError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *RingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *RingError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts the error to a gRPC status.
func (e *RingError) ToGRPCStatus() *status.Status {
	return status.New(e.grpcCode(), e.Error())
}

func (e *RingError) grpcCode() codes.Code {
	switch e.Code {
	case ErrCodeInvalidArgument, ErrCodeChunkOutOfRange, ErrCodeInvalidChunkSize, ErrCodeInvalidAddress:
		return codes.InvalidArgument
	case ErrCodeUnknownRing, ErrCodeNoPeer:
		return codes.NotFound
	case ErrCodeRingExists:
		return codes.AlreadyExists
	case ErrCodeChecksumFailed:
		return codes.DataLoss
	case ErrCodeRateLimited:
		return codes.ResourceExhausted
	case ErrCodeShuttingDown, ErrCodeDeliveryFailed:
		return codes.Unavailable
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the error code to an HTTP status.
func (e *RingError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInvalidArgument, ErrCodeChunkOutOfRange, ErrCodeInvalidChunkSize,
		ErrCodeInvalidAddress, ErrCodeChecksumFailed:
		return http.StatusBadRequest
	case ErrCodeUnknownRing, ErrCodeNoPeer:
		return http.StatusNotFound
	case ErrCodeRingExists:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeDeliveryFailed:
		return http.StatusBadGateway
	case ErrCodeShuttingDown:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewRingError creates a new RingError
func NewRingError(code ErrorCode, message string, cause error) *RingError {
	return &RingError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *RingError) WithDetail(key string, value interface{}) *RingError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *RingError {
	return NewRingError(ErrCodeInvalidArgument, message, cause)
}

func UnknownRing(ringID uint64) *RingError {
	return NewRingError(ErrCodeUnknownRing, fmt.Sprintf("ring %d is not hosted on this node", ringID), nil).
		WithDetail("ring_id", ringID)
}

func RingExists(ringID uint64) *RingError {
	return NewRingError(ErrCodeRingExists, fmt.Sprintf("ring %d is already hosted on this node", ringID), nil).
		WithDetail("ring_id", ringID)
}

func ChunkOutOfRange(index, chunkNum uint64) *RingError {
	return NewRingError(ErrCodeChunkOutOfRange, fmt.Sprintf("chunk index %d out of range [0, %d)", index, chunkNum), nil).
		WithDetail("chunk_id", index).
		WithDetail("chunk_num", chunkNum)
}

func InvalidChunkSize(size, expected int) *RingError {
	return NewRingError(ErrCodeInvalidChunkSize, fmt.Sprintf("chunk data is %d bytes, expected %d", size, expected), nil).
		WithDetail("size", size).
		WithDetail("expected", expected)
}

func InvalidAddress(addr string, cause error) *RingError {
	return NewRingError(ErrCodeInvalidAddress, fmt.Sprintf("invalid node address '%s'", addr), cause).
		WithDetail("address", addr)
}

func ChecksumFailed(expected, actual uint32) *RingError {
	return NewRingError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func DeliveryFailed(to string, cause error) *RingError {
	return NewRingError(ErrCodeDeliveryFailed, fmt.Sprintf("delivery to %s failed", to), cause).
		WithDetail("to", to)
}

func ShuttingDown() *RingError {
	return NewRingError(ErrCodeShuttingDown, "node is shutting down", nil)
}

func Timeout(op string, cause error) *RingError {
	return NewRingError(ErrCodeTimeout, fmt.Sprintf("%s timed out waiting for the chunk token", op), cause).
		WithDetail("op", op)
}

func NoPeer(ringID uint64) *RingError {
	return NewRingError(ErrCodeNoPeer, fmt.Sprintf("no known peer hosts ring %d", ringID), nil).
		WithDetail("ring_id", ringID)
}

func InternalError(message string, cause error) *RingError {
	return NewRingError(ErrCodeInternal, message, cause)
}

// IsRingError checks whether err is, or wraps, a RingError.
func IsRingError(err error) bool {
	var re *RingError
	return stderrors.As(err, &re)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var re *RingError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	var re *RingError
	return stderrors.As(err, &re) && re.Code == code
}
