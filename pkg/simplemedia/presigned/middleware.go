package presigned

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

const (
	// ObjectKeyContextKey is the context key for storing the validated object key
	ObjectKeyContextKey contextKey = "presigned:object_key"
)

// Middleware validates signed URLs and stores the granted key in the request
// context. With no secret configured every key under the prefix is served.
func Middleware(signer *Signer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := signer.ValidateRequest(r)
			if err != nil {
				handleValidationError(r.Context(), w, err)
				return
			}
			ctx := context.WithValue(r.Context(), ObjectKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ObjectKeyFromContext extracts the validated object key from the request context
func ObjectKeyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(ObjectKeyContextKey).(string); ok {
		return key
	}
	return ""
}

func handleValidationError(ctx context.Context, w http.ResponseWriter, err error) {
	status, message := Rejection(err)
	if status == http.StatusForbidden {
		slog.DebugContext(ctx, "signed url rejected", "error", err)
	}
	http.Error(w, message, status)
}
