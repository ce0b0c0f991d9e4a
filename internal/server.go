package internal

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/errandly/errandly/internal/config"
	"github.com/errandly/errandly/internal/identity"
	"github.com/errandly/errandly/internal/task"
	"github.com/errandly/errandly/internal/user"
	"github.com/errandly/errandly/pkg/cerr"
	"github.com/errandly/errandly/pkg/clog"
)

type Server struct {
	server     *http.Server
	env        *config.BaseEnv
	resolver   *identity.Resolver
	taskServer *task.Server
	userServer *user.Server
}

func NewServer(
	env *config.BaseEnv,
	resolver *identity.Resolver,
	taskServer *task.Server,
	userServer *user.Server,
) *Server {
	return &Server{
		env:        env,
		resolver:   resolver,
		taskServer: taskServer,
		userServer: userServer,
	}
}

// Handler assembles the full routing tree: logging and JSON response
// middleware, bearer authentication, and the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(
			clog.SlogChiMiddleware(),
			cerr.NewJSONResponseChiMiddleware(),
			identity.Middleware(s.resolver),
		)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})
		s.taskServer.RegisterRoutes(r)
		s.userServer.RegisterRoutes(r)
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)
	return mux
}

// ListenAndServe starts the HTTP server. The provided context is used as the
// base context for all incoming requests via http.Server.BaseContext, so a
// shutdown signal also cancels in-flight request contexts.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr: addr,
		Handler: h2c.NewHandler(cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(s.Handler()), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
