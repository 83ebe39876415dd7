package surface

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"

	"paymentgateway/internal/domain"
	"paymentgateway/internal/store"
)

type contextKey string

const merchantContextKey contextKey = "surface.merchant"

// AuthConfig configures bearer-credential verification. A presented token
// is tried as a signed JWT first (alternate path for merchants issued
// short-lived tokens); any other token is treated as a static API key and
// matched against the merchant's stored hash.
type AuthConfig struct {
	JWTSecret string
}

type authenticator struct {
	st  *store.Store
	cfg AuthConfig
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			writeAPIError(w, http.StatusUnauthorized, requestID, CodeValidationError, "missing bearer credential")
			return
		}
		merchant, err := a.authenticate(r.Context(), token)
		if err != nil {
			writeAPIError(w, http.StatusUnauthorized, requestID, CodeMerchantNotFound, "invalid bearer credential")
			return
		}
		ctx := context.WithValue(r.Context(), merchantContextKey, merchant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *authenticator) authenticate(ctx context.Context, token string) (*domain.Merchant, error) {
	if looksLikeJWT(token) && a.cfg.JWTSecret != "" {
		return a.authenticateJWT(ctx, token)
	}
	return a.st.GetMerchantByAPIKeyHash(ctx, hashAPIKey(token))
}

func (a *authenticator) authenticateJWT(ctx context.Context, token string) (*domain.Merchant, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("surface: unexpected signing method")
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, errors.New("surface: invalid token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("surface: claims not a map")
	}
	merchantID, ok := claims["merchant_id"].(string)
	if !ok || merchantID == "" {
		return nil, errors.New("surface: missing merchant_id claim")
	}
	return a.st.GetMerchant(ctx, merchantID)
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

func hashAPIKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func merchantFromContext(ctx context.Context) *domain.Merchant {
	merchant, _ := ctx.Value(merchantContextKey).(*domain.Merchant)
	return merchant
}
