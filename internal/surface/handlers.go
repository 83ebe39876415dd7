package surface

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"paymentgateway/internal/domain"
	"paymentgateway/internal/store"
)

const headerIdempotencyKey = "Idempotency-Key"
const maxRequestBody = 1 << 20 // 1 MiB

// Engine is the subset of IntentEngine the Surface layer drives.
type Engine interface {
	Create(ctx context.Context, merchantID string, fiatAmount int64, fiat domain.FiatCurrency, crypto domain.CryptoCurrency, releaseMethod domain.ReleaseMethod, metadata domain.Metadata) (*domain.Intent, error)
	Confirm(ctx context.Context, merchantID, intentID string) (*domain.Intent, error)
	Cancel(ctx context.Context, merchantID, intentID string) (*domain.Intent, error)
	Refund(ctx context.Context, merchantID, intentID string) (*domain.Intent, error)
}

type createIntentRequest struct {
	FiatAmount     int64             `json:"fiat_amount"`
	FiatCurrency   string            `json:"fiat_currency"`
	CryptoCurrency string            `json:"crypto_currency"`
	ReleaseMethod  string            `json:"release_method"`
	Metadata       map[string]string `json:"metadata"`
}

func (h *handler) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFromContext(r.Context())
	requestID := r.Header.Get("X-Request-Id")

	body, err := readBody(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, CodeValidationError, err.Error())
		return
	}

	idemKey, idemHash, done := h.checkIdempotency(w, r, merchant, requestID, body)
	if done {
		return
	}

	var req createIntentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, CodeValidationError, "invalid JSON payload")
		return
	}

	intent, err := h.engine.Create(r.Context(), merchant.ID.String(), req.FiatAmount,
		domain.FiatCurrency(strings.ToLower(req.FiatCurrency)), domain.CryptoCurrency(strings.ToLower(req.CryptoCurrency)),
		domain.ReleaseMethod(strings.ToUpper(req.ReleaseMethod)), domain.Metadata(req.Metadata))
	if err != nil {
		h.writeDomainError(w, requestID, err)
		return
	}

	payload := intentToJSON(intent)
	h.saveIdempotency(r.Context(), idemKey, idemHash, http.StatusCreated, payload)
	writeData(w, http.StatusCreated, requestID, payload)
}

func (h *handler) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFromContext(r.Context())
	requestID := r.Header.Get("X-Request-Id")
	id := chi.URLParam(r, "id")

	intent, err := h.store.GetIntent(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, requestID, err)
		return
	}
	if intent.MerchantID.String() != merchant.ID.String() {
		writeAPIError(w, http.StatusNotFound, requestID, CodeIntentNotFound, "payment intent not found")
		return
	}
	writeData(w, http.StatusOK, requestID, intentToJSON(intent))
}

func (h *handler) handleListIntents(w http.ResponseWriter, r *http.Request) {
	merchant := merchantFromContext(r.Context())
	requestID := r.Header.Get("X-Request-Id")

	filter := store.IntentFilter{MerchantID: merchant.ID.String()}
	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		filter.Status = domain.Status(strings.ToUpper(status))
	}
	if currency := q.Get("currency"); currency != "" {
		filter.Currency = domain.CryptoCurrency(strings.ToLower(currency))
	}
	if from := q.Get("date_from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, requestID, CodeValidationError, "invalid date_from")
			return
		}
		filter.DateFrom = t
	}
	if to := q.Get("date_to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, requestID, CodeValidationError, "invalid date_to")
			return
		}
		filter.DateTo = t
	}
	filter.Page = parsePositiveInt(q.Get("page"), 1)
	filter.Limit = parsePositiveInt(q.Get("limit"), 20)
	if filter.Limit > 100 {
		filter.Limit = 100
	}

	intents, err := h.store.ListIntents(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, requestID, err)
		return
	}
	out := make([]json.RawMessage, 0, len(intents))
	for i := range intents {
		out = append(out, intentToJSON(&intents[i]))
	}
	writeData(w, http.StatusOK, requestID, out)
}

func (h *handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.engine.Confirm)
}

func (h *handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.engine.Cancel)
}

func (h *handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.engine.Refund)
}

func (h *handler) handleTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, merchantID, intentID string) (*domain.Intent, error)) {
	merchant := merchantFromContext(r.Context())
	requestID := r.Header.Get("X-Request-Id")
	id := chi.URLParam(r, "id")

	body, err := readBody(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, CodeValidationError, err.Error())
		return
	}
	idemKey, idemHash, done := h.checkIdempotency(w, r, merchant, requestID, body)
	if done {
		return
	}

	intent, err := fn(r.Context(), merchant.ID.String(), id)
	if err != nil {
		h.writeDomainError(w, requestID, err)
		return
	}
	payload := intentToJSON(intent)
	h.saveIdempotency(r.Context(), idemKey, idemHash, http.StatusOK, payload)
	writeData(w, http.StatusOK, requestID, payload)
}

// checkIdempotency enforces the Idempotency-Key contract on mutating
// requests: a replayed key with an identical body returns the cached
// response; a divergent body is rejected as a conflict. Grounded on the
// teacher's LookupIdempotency/ErrIdempotencyMismatch flow in
// services/escrow-gateway/server.go. The cache key is namespaced by merchant
// since the header value is merchant-supplied and not guaranteed globally
// unique.
func (h *handler) checkIdempotency(w http.ResponseWriter, r *http.Request, merchant *domain.Merchant, requestID string, body []byte) (key, requestHash string, done bool) {
	raw := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if raw == "" {
		writeAPIError(w, http.StatusBadRequest, requestID, CodeValidationError, "missing Idempotency-Key header")
		return "", "", true
	}
	key = merchant.ID.String() + ":" + raw
	requestHash = hashRequest(r.Method, r.URL.Path, body)

	rec, err := h.store.LookupIdempotency(r.Context(), key, requestHash)
	if err != nil {
		if errors.Is(err, store.ErrIdempotencyMismatch) {
			writeAPIError(w, http.StatusConflict, requestID, CodeValidationError, "idempotency key reused with a different request body")
			return "", "", true
		}
		writeAPIError(w, http.StatusInternalServerError, requestID, CodeInternal, "idempotency lookup failed")
		return "", "", true
	}
	if rec != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.StatusCode)
		_, _ = w.Write(rec.ResponseBody)
		return "", "", true
	}
	return key, requestHash, false
}

func (h *handler) saveIdempotency(ctx context.Context, key, requestHash string, status int, payload []byte) {
	if key == "" {
		return
	}
	_ = h.store.SaveIdempotency(ctx, &domain.IdempotencyKey{
		Key:          key,
		RequestHash:  requestHash,
		StatusCode:   status,
		ResponseBody: payload,
		CreatedAt:    time.Now().UTC(),
	})
}

func (h *handler) writeDomainError(w http.ResponseWriter, requestID string, err error) {
	code := CodeInternal
	switch {
	case errors.Is(err, domain.ErrIntentNotFound):
		code = CodeIntentNotFound
	case errors.Is(err, domain.ErrMerchantNotFound):
		code = CodeMerchantNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrDepositObserved), errors.Is(err, domain.ErrReconcileRequired):
		code = CodeInvalidState
	case errors.Is(err, domain.ErrPriceUnavailable):
		code = CodePriceUnavailable
	case errors.Is(err, domain.ErrChainUnavailable):
		code = CodeChainUnavailable
	case errors.Is(err, domain.ErrValidation):
		code = CodeValidationError
	}
	writeAPIError(w, statusForCode(code), requestID, code, err.Error())
}

func intentToJSON(intent *domain.Intent) json.RawMessage {
	out := map[string]interface{}{
		"id":               intent.ID.String(),
		"merchant_id":      intent.MerchantID.String(),
		"status":           intent.Status,
		"fiat_amount":      intent.FiatAmount,
		"fiat_currency":    intent.FiatCurrency,
		"crypto_amount":    intent.CryptoAmount,
		"crypto_currency":  intent.CryptoCurrency,
		"deposit_address":  intent.DepositAddress,
		"expires_at":       intent.ExpiresAt.Format(time.RFC3339),
		"release_method":   intent.ReleaseMethod,
		"metadata":         intent.Metadata,
		"created_at":       intent.CreatedAt.Format(time.RFC3339),
		"updated_at":       intent.UpdatedAt.Format(time.RFC3339),
	}
	if intent.EscrowPaymentID != nil {
		out["escrow_payment_id"] = *intent.EscrowPaymentID
	}
	payload, _ := json.Marshal(out)
	return payload
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) > maxRequestBody {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
