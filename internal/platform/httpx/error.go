// Package httpx holds the JSON response helpers shared by the order handlers.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5/middleware"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/platform/requestctx"
)

const (
	maxCodeLen      = 80
	maxMessageLen   = 512
	maxRequestIDLen = 80
	maxTraceIDLen   = 64
)

var statusByCode = map[domain.ErrorCode]int{
	domain.CodeValidation:          http.StatusBadRequest,
	domain.CodeNotFound:            http.StatusNotFound,
	domain.CodeStoreMismatch:       http.StatusForbidden,
	domain.CodeOwnerMismatch:       http.StatusForbidden,
	domain.CodeStateConflict:       http.StatusConflict,
	domain.CodeVersionConflict:     http.StatusConflict,
	domain.CodeIdempotencyConflict: http.StatusConflict,
	domain.CodeRequestInFlight:     http.StatusConflict,
	domain.CodeGatewayFailure:      http.StatusBadGateway,
}

// Error is a failure ready to be rendered as the JSON error envelope.
type Error struct {
	Code     string
	Message  string
	Status   int
	Category string
}

type envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Category  string `json:"category,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// NewError builds an Error. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    singleLine(code, maxCodeLen),
		Message: singleLine(message, maxMessageLen),
		Status:  status,
	}
}

// StatusForCode maps an order error code onto its HTTP status.
func StatusForCode(code domain.ErrorCode) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// FromDomain converts an error returned by the order services.
// Untyped errors surface as SYSTEM_ERROR without leaking their text.
func FromDomain(err error) Error {
	code := domain.CodeOf(err)
	if code == "" {
		code = domain.CodeSystemError
	}
	out := NewError(string(code), domain.MessageOf(err), StatusForCode(code))
	out.Category = string(domain.CategoryOf(err))
	return out
}

// WriteDomainError writes err using the order error code table.
func WriteDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	WriteError(ctx, w, FromDomain(err))
}

// WriteError renders e along with the request and trace identifiers carried by ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, e Error) {
	body := envelope{
		Error:     e.Code,
		Message:   e.Message,
		Status:    e.Status,
		Category:  e.Category,
		RequestID: singleLine(middleware.GetReqID(ctx), maxRequestIDLen),
		TraceID:   singleLine(requestctx.TraceID(ctx), maxTraceIDLen),
	}
	if body.Status == 0 {
		body.Status = http.StatusInternalServerError
	}
	WriteJSON(w, body.Status, body)
}

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// singleLine folds control characters into spaces and caps the result at limit bytes.
func singleLine(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value))
	if len(value) > limit {
		value = strings.TrimSpace(value[:limit])
	}
	return value
}
