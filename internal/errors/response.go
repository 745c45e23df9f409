package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorResponse is the JSON body of every failed HTTP request.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// Handler writes error responses.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{logger: logger}
}

// HandleError classifies err and writes the matching HTTP response.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	re := Classify(err)
	h.WriteErrorResponse(w, re.HTTPStatus(), re.Code, re.Error(), r.Header.Get("X-Request-ID"))
}

// Classify turns any error into a RingError. Context and gRPC errors are mapped onto
// the closest code; anything else is internal.
func Classify(err error) *RingError {
	var re *RingError
	if stderrors.As(err, &re) {
		return re
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Timeout("request", err)
	}
	if stderrors.Is(err, context.Canceled) {
		return NewRingError(ErrCodeTimeout, "request cancelled", err)
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return FromGRPCStatus(st)
	}
	return InternalError("internal error", err)
}

// FromGRPCStatus maps a gRPC status received from a peer back onto a RingError.
func FromGRPCStatus(st *status.Status) *RingError {
	var code ErrorCode
	switch st.Code() {
	case codes.InvalidArgument:
		code = ErrCodeInvalidArgument
	case codes.NotFound:
		code = ErrCodeUnknownRing
	case codes.AlreadyExists:
		code = ErrCodeRingExists
	case codes.DataLoss:
		code = ErrCodeChecksumFailed
	case codes.ResourceExhausted:
		code = ErrCodeRateLimited
	case codes.Unavailable:
		code = ErrCodeShuttingDown
	case codes.DeadlineExceeded:
		code = ErrCodeTimeout
	default:
		code = ErrCodeInternal
	}
	return NewRingError(code, st.Message(), nil)
}

// WriteErrorResponse writes a formatted error response to the HTTP response writer.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message string, requestID string) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(errorCode)),
		zap.String("message", message),
		zap.String("request_id", requestID),
	)

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// WriteValidationError writes a validation error response.
func (h *Handler) WriteValidationError(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidArgument, message, requestID)
}

// WriteRateLimitedError writes a rate limit exceeded response.
func (h *Handler) WriteRateLimitedError(w http.ResponseWriter, requestID string) {
	h.WriteErrorResponse(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded", requestID)
}
