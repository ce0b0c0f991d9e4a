package user

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/errandly/errandly/internal/docstore"
	"github.com/errandly/errandly/internal/identity"
	"github.com/errandly/errandly/pkg/cerr"
	"github.com/errandly/errandly/pkg/geo"
)

// Server exposes profile bootstrap and availability updates.
type Server struct {
	store *docstore.Store
}

func NewServer(store *docstore.Store) *Server {
	return &Server{store: store}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/profile", s.handleRegister)
	r.Get("/profile", s.handleGet)
	r.Patch("/profile", s.handleUpdate)
}

// handleRegister creates the caller's profile with signup defaults. The
// operation is idempotent: an existing profile is returned untouched, so
// clients can call it on every login.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := identity.FromContext(ctx)
	if !ok {
		cerr.SetNewJSONError(ctx, cerr.Unauthenticated, "you must be logged in", nil)
		return
	}

	var prof *Profile
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		existing, err := Docs.Get(tx, caller.UID)
		if err == nil {
			prof = existing
			return nil
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}

		displayName := caller.DisplayName
		if displayName == "" {
			displayName = "New User"
		}
		prof = &Profile{
			ID:               caller.UID,
			Email:            caller.Email,
			DisplayName:      displayName,
			CreatedAt:        time.Now().UTC(),
			IsAcceptingTasks: false,
			Role:             RoleHelper,
		}
		Docs.Set(tx, caller.UID, prof)
		return nil
	})
	if err != nil {
		cerr.SetJSONError(ctx, cerr.WrapTxError(err))
		return
	}
	slog.InfoContext(ctx, "profile registered", "user_id", caller.UID)
	cerr.SetJSONResponse(ctx, prof)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := identity.FromContext(ctx)
	if !ok {
		cerr.SetNewJSONError(ctx, cerr.Unauthenticated, "you must be logged in", nil)
		return
	}
	prof, err := Docs.Snapshot(s.store, caller.UID)
	if err != nil {
		cerr.SetJSONError(ctx, cerr.WrapDocReadError("your user profile", err))
		return
	}
	cerr.SetJSONResponse(ctx, prof)
}

// updateRequest carries partial profile updates. Pointer fields distinguish
// "leave unchanged" from an explicit value.
type updateRequest struct {
	IsAcceptingTasks *bool      `json:"is_accepting_tasks,omitempty"`
	Role             *Role      `json:"user_role,omitempty"`
	PushToken        *string    `json:"push_token,omitempty"`
	Location         *geo.Point `json:"location,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := identity.FromContext(ctx)
	if !ok {
		cerr.SetNewJSONError(ctx, cerr.Unauthenticated, "you must be logged in", nil)
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if req.Role != nil && !req.Role.Valid() {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "unknown user role", nil)
		return
	}
	if req.Location != nil && !req.Location.Valid() {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "lat/lng out of range", nil)
		return
	}

	var prof *Profile
	err := s.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		p, err := Docs.Get(tx, caller.UID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return cerr.NewError(cerr.NotFound, "could not find your user profile", err)
			}
			return err
		}
		if req.IsAcceptingTasks != nil {
			p.IsAcceptingTasks = *req.IsAcceptingTasks
		}
		if req.Role != nil {
			p.Role = *req.Role
		}
		if req.PushToken != nil {
			p.PushToken = *req.PushToken
		}
		if req.Location != nil {
			loc := *req.Location
			p.Location = &loc
		}
		Docs.Set(tx, caller.UID, p)
		prof = p
		return nil
	})
	if err != nil {
		cerr.SetJSONError(ctx, cerr.WrapTxError(err))
		return
	}
	cerr.SetJSONResponse(ctx, prof)
}
