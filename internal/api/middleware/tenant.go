package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	// TenantIDKey is the context key for the verified tenant ID.
	TenantIDKey contextKey = "tenant_id"
	// UserIDKey is the context key for the verified user ID.
	UserIDKey contextKey = "user_id"
)

// Identity headers installed by the upstream auth gateway. The engine trusts
// them; it never sees raw credentials.
const (
	HeaderTenantID = "X-Tenant-Id"
	HeaderUserID   = "X-User-Id"
)

// TenantExtractor reads the verified identity headers and rejects requests
// that carry no tenant. Mounted on the API routes only; health and version
// stay open.
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID))
		if tenantID == "" {
			log.Warn().Str("path", r.URL.Path).Msg("Request without tenant identity")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"missing tenant identity"}`))
			return
		}

		ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
		if userID := strings.TrimSpace(r.Header.Get(HeaderUserID)); userID != "" {
			ctx = context.WithValue(ctx, UserIDKey, userID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID retrieves the tenant ID from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}

// GetUserID retrieves the user ID from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}
