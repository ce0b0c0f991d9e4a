package identity

import (
	"log/slog"
	"net/http"

	"github.com/errandly/errandly/pkg/cerr"
)

// Middleware resolves the caller identity from the Authorization header and
// rejects the request with Unauthenticated before any handler runs. It must
// sit inside the cerr JSON response middleware.
func Middleware(r *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			token, ok := BearerToken(req.Header.Get("Authorization"))
			if !ok {
				cerr.SetNewJSONError(req.Context(), cerr.Unauthenticated, "you must be logged in", nil)
				return
			}
			id, err := r.ResolveToken(token)
			if err != nil {
				slog.DebugContext(req.Context(), "token rejected", "error", err)
				cerr.SetNewJSONError(req.Context(), cerr.Unauthenticated, "you must be logged in", err)
				return
			}
			next.ServeHTTP(rw, req.WithContext(ContextWithIdentity(req.Context(), id)))
		})
	}
}
