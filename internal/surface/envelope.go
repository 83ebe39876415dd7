package surface

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrorCode enumerates the API error codes the core surfaces (spec §6).
type ErrorCode string

const (
	CodeIntentNotFound   ErrorCode = "PAYMENT_INTENT_NOT_FOUND"
	CodeInvalidState     ErrorCode = "INVALID_STATE"
	CodePriceUnavailable ErrorCode = "PRICE_UNAVAILABLE"
	CodeChainUnavailable ErrorCode = "CHAIN_UNAVAILABLE"
	CodeValidationError  ErrorCode = "VALIDATION_ERROR"
	CodeMerchantNotFound ErrorCode = "MERCHANT_NOT_FOUND"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    interface{}     `json:"data,omitempty"`
	Error   *envelopeError  `json:"error,omitempty"`
	Meta    envelopeMeta    `json:"meta"`
}

type envelopeError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type envelopeMeta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id"`
}

func writeData(w http.ResponseWriter, status int, requestID string, data interface{}) {
	writeEnvelope(w, status, envelope{
		Success: true,
		Data:    data,
		Meta:    newMeta(requestID),
	})
}

func writeAPIError(w http.ResponseWriter, status int, requestID string, code ErrorCode, message string) {
	writeEnvelope(w, status, envelope{
		Success: false,
		Error:   &envelopeError{Code: code, Message: message},
		Meta:    newMeta(requestID),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func newMeta(requestID string) envelopeMeta {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return envelopeMeta{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: requestID,
	}
}

// statusForCode maps a core error code to its HTTP status, grounded on the
// teacher's own escrow-gateway status mapping (not-found → 404, validation
// → 400, upstream unavailability → 502/503, conflict → 409).
func statusForCode(code ErrorCode) int {
	switch code {
	case CodeIntentNotFound, CodeMerchantNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	case CodeValidationError:
		return http.StatusBadRequest
	case CodePriceUnavailable:
		return http.StatusServiceUnavailable
	case CodeChainUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
