package httpserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"lv-margin/internal/auth"
	"lv-margin/internal/httputil"
	"lv-margin/internal/model"
	"lv-margin/internal/store"

	"golang.org/x/crypto/bcrypt"
)

type ctxKey string

const (
	userIDKey    ctxKey = "user_id"
	accountIDKey ctxKey = "account_id"
)

// WithAuth requires a bearer token and an X-Account-ID owned by the token's user.
func WithAuth(svc *auth.Service, st store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "missing bearer token", ErrorCode: "UNAUTHORIZED"})
				return
			}
			userID, err := svc.ParseToken(strings.TrimSpace(parts[1]))
			if err != nil {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid token", ErrorCode: "UNAUTHORIZED"})
				return
			}
			accountID := strings.TrimSpace(r.Header.Get("X-Account-ID"))
			if accountID == "" {
				httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "X-Account-ID header is required", ErrorCode: "VALIDATION_ERROR"})
				return
			}
			var acc model.Account
			err = st.Read(r.Context(), accountID, func(tx store.Tx) error {
				var err error
				acc, err = tx.Accounts().Get(r.Context())
				return err
			})
			if err != nil && !store.IsNotFound(err) {
				httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "account lookup failed", ErrorCode: "PERSISTENCE_ERROR"})
				return
			}
			// Unknown and foreign accounts look the same to the caller.
			if err != nil || acc.UserID != userID {
				httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: "account access denied", ErrorCode: "FORBIDDEN"})
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, accountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func UserID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(userIDKey).(string)
	return id, ok && id != ""
}

func AccountID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(accountIDKey).(string)
	return id, ok && id != ""
}

// account adapts a handler that acts on the authenticated account.
func account(fn func(w http.ResponseWriter, r *http.Request, accountID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := AccountID(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized", ErrorCode: "UNAUTHORIZED"})
			return
		}
		fn(w, r, accountID)
	}
}

// OperatorAuth checks X-Operator-Secret against a bcrypt hash. allowQuery also accepts
// the secret as the "secret" query parameter, for browser WebSocket clients.
func OperatorAuth(secretHash string, allowQuery bool) func(http.Handler) http.Handler {
	hash := []byte(strings.TrimSpace(secretHash))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get("X-Operator-Secret")
			if secret == "" && allowQuery {
				secret = r.URL.Query().Get("secret")
			}
			if secret == "" || len(hash) == 0 || bcrypt.CompareHashAndPassword(hash, []byte(secret)) != nil {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid operator secret", ErrorCode: "UNAUTHORIZED"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func InternalAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Internal-Token")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid internal token", ErrorCode: "UNAUTHORIZED"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
