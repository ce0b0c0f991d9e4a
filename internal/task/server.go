package task

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/errandly/errandly/internal/docstore"
	"github.com/errandly/errandly/internal/geoindex"
	"github.com/errandly/errandly/internal/identity"
	"github.com/errandly/errandly/pkg/cerr"
	"github.com/errandly/errandly/pkg/geo"
)

// Server exposes the task operations over HTTP. Handlers stage their
// response or error in the request context; the JSON response middleware
// writes the body.
type Server struct {
	coordinator *Coordinator
	store       *docstore.Store
	index       *geoindex.Index
}

func NewServer(coordinator *Coordinator, store *docstore.Store, index *geoindex.Index) *Server {
	return &Server{
		coordinator: coordinator,
		store:       store,
		index:       index,
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/tasks", s.handleCreate)
	r.Get("/tasks", s.handleList)
	r.Get("/tasks/nearby", s.handleNearby)
	r.Get("/tasks/{taskID}", s.handleGet)
	r.Post("/tasks/{taskID}/accept", s.handleAccept)
	r.Post("/tasks/{taskID}/complete", s.handleComplete)
	r.Post("/tasks/{taskID}/cancel", s.handleCancel)
	r.Post("/tasks/{taskID}/abandon", s.handleAbandon)
}

type createRequest struct {
	Title    string     `json:"title"`
	Details  string     `json:"details"`
	Location *geo.Point `json:"location"`
}

type createResponse struct {
	TaskID string `json:"task_id"`
}

type ackResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := identity.FromContext(ctx)
	if !ok {
		cerr.SetNewJSONError(ctx, cerr.Unauthenticated, "you must be logged in", nil)
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	t, err := s.coordinator.Create(ctx, caller, CreateParams{
		Title:    req.Title,
		Details:  req.Details,
		Location: req.Location,
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, createResponse{TaskID: t.ID})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.coordinator.Accept, "Task accepted successfully!")
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.coordinator.Complete, "Task marked as complete!")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.coordinator.Cancel, "Task cancelled successfully.")
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.coordinator.Abandon, "Task abandoned successfully.")
}

// transition runs one caller+taskID state change and stages the ack message.
func (s *Server) transition(
	_ http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, callerID, taskID string) error,
	ack string,
) {
	ctx := r.Context()
	caller, ok := identity.FromContext(ctx)
	if !ok {
		cerr.SetNewJSONError(ctx, cerr.Unauthenticated, "you must be logged in", nil)
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "task id is required", nil)
		return
	}
	if err := op(ctx, caller.UID, taskID); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, ackResponse{Message: ack})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := identity.FromContext(ctx); !ok {
		cerr.SetNewJSONError(ctx, cerr.Unauthenticated, "you must be logged in", nil)
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "task id is required", nil)
		return
	}
	t, err := Docs.Snapshot(s.store, taskID)
	if err != nil {
		cerr.SetJSONError(ctx, cerr.WrapDocReadError("task", err))
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type listResponse struct {
	Tasks []*Task `json:"tasks"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := identity.FromContext(ctx)
	if !ok {
		cerr.SetNewJSONError(ctx, cerr.Unauthenticated, "you must be logged in", nil)
		return
	}

	q := r.URL.Query()
	var statusFilter Status
	if raw := q.Get("status"); raw != "" {
		statusFilter = Status(raw)
		switch statusFilter {
		case StatusPending, StatusClaimed, StatusCompleted, StatusCancelled:
		default:
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "unknown status filter", nil)
			return
		}
	}
	mineOnly := q.Get("requester") == "me"

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "limit must be a positive integer", err)
			return
		}
		limit = n
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "offset must be a non-negative integer", err)
			return
		}
		offset = n
	}

	tasks := make([]*Task, 0)
	for _, t := range Docs.All(s.store) {
		if statusFilter != "" && t.Status != statusFilter {
			continue
		}
		if mineOnly && t.RequesterID != caller.UID {
			continue
		}
		tasks = append(tasks, t)
	}
	// Newest first; ULIDs order lexicographically by creation time.
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID > tasks[j].ID })
	if offset >= len(tasks) {
		tasks = tasks[:0]
	} else {
		tasks = tasks[offset:]
	}
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	cerr.SetJSONResponse(ctx, listResponse{Tasks: tasks})
}

type nearbyTask struct {
	Task       *Task   `json:"task"`
	DistanceKm float64 `json:"distance_km"`
}

type nearbyResponse struct {
	Tasks []nearbyTask `json:"tasks"`
}

// handleNearby queries the geo index for pending tasks around a point and
// resolves each hit to its current document. A task that left the pending
// set between the query and the read is dropped from the result.
func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := identity.FromContext(ctx); !ok {
		cerr.SetNewJSONError(ctx, cerr.Unauthenticated, "you must be logged in", nil)
		return
	}

	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "lat must be a number", err)
		return
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "lng must be a number", err)
		return
	}
	center := geo.Point{Lat: lat, Lng: lng}
	if !center.Valid() {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "lat/lng out of range", nil)
		return
	}

	radiusKm := geo.MilesToKm * 5
	if raw := q.Get("radius_km"); raw != "" {
		radiusKm, err = strconv.ParseFloat(raw, 64)
		if err != nil || radiusKm <= 0 {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "radius_km must be a positive number", err)
			return
		}
	}

	entries := s.index.Query(center, radiusKm)
	tasks := make([]nearbyTask, 0, len(entries))
	for _, e := range entries {
		t, err := Docs.Snapshot(s.store, e.ID)
		if err != nil || t.Status != StatusPending {
			continue
		}
		tasks = append(tasks, nearbyTask{Task: t, DistanceKm: e.DistanceKm})
	}
	cerr.SetJSONResponse(ctx, nearbyResponse{Tasks: tasks})
}
