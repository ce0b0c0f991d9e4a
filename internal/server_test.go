package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errandly/errandly/internal/config"
	"github.com/errandly/errandly/internal/docstore"
	"github.com/errandly/errandly/internal/eventbus"
	"github.com/errandly/errandly/internal/geoindex"
	"github.com/errandly/errandly/internal/identity"
	"github.com/errandly/errandly/internal/task"
	"github.com/errandly/errandly/internal/user"
	"github.com/errandly/errandly/pkg/geo"
)

var serverTestPoint = geo.Point{Lat: 40.7128, Lng: -74.0060}

type testServer struct {
	ts       *httptest.Server
	resolver *identity.Resolver
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus, err := eventbus.New()
	require.NoError(t, err)

	store, err := docstore.New([]docstore.Descriptor{
		task.Docs.Descriptor(),
		user.Docs.Descriptor(),
	}, docstore.WithChangeBus(bus))
	require.NoError(t, err)

	index := geoindex.New()
	task.NewGeoSyncer(index).Register(bus)

	go func() { _ = bus.Run(ctx) }()
	<-bus.Running()
	t.Cleanup(func() { _ = bus.Close() })

	resolver := identity.NewResolver("test-secret")
	coordinator := task.NewCoordinator(store)
	srv := NewServer(
		&config.BaseEnv{},
		resolver,
		task.NewServer(coordinator, store, index),
		user.NewServer(store),
	)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, resolver: resolver}
}

func (s *testServer) token(t *testing.T, uid, name string) string {
	t.Helper()
	token, err := s.resolver.IssueToken(&identity.Identity{
		UID:         uid,
		Email:       uid + "@example.com",
		DisplayName: name,
	}, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, reqBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestServer_RequiresAuthentication(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/api/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthenticated", body["code"])

	status, body = s.do(t, http.MethodGet, "/api/profile", "not-a-valid-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthenticated", body["code"])
}

func TestServer_HealthDoesNotRequireAuth(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_UnknownRoute(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodGet, "/api/does-not-exist", s.token(t, "u1", "U"), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", body["code"])
}

func TestServer_TaskLifecycleFlow(t *testing.T) {
	s := newTestServer(t)
	requester := s.token(t, "req1", "Rita")
	helper := s.token(t, "helper1", "Hank")

	// Both parties register.
	status, _ := s.do(t, http.MethodPost, "/api/profile", requester, nil)
	require.Equal(t, http.StatusOK, status)
	status, body := s.do(t, http.MethodPost, "/api/profile", helper, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Hank", body["display_name"])

	// Requester posts a task.
	status, body = s.do(t, http.MethodPost, "/api/tasks", requester, map[string]any{
		"title":    "Rake the leaves",
		"location": serverTestPoint,
	})
	require.Equal(t, http.StatusOK, status)
	taskID, _ := body["task_id"].(string)
	require.NotEmpty(t, taskID)

	// The geo index picks it up via the change stream.
	nearby := fmt.Sprintf("/api/tasks/nearby?lat=%g&lng=%g", serverTestPoint.Lat, serverTestPoint.Lng)
	require.Eventually(t, func() bool {
		status, body := s.do(t, http.MethodGet, nearby, helper, nil)
		return status == http.StatusOK && len(body["tasks"].([]any)) == 1
	}, 2*time.Second, 10*time.Millisecond, "task never appeared in nearby results")

	// Helper accepts it.
	status, body = s.do(t, http.MethodPost, "/api/tasks/"+taskID+"/accept", helper, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Task accepted successfully!", body["message"])

	// A claimed task leaves the nearby results.
	require.Eventually(t, func() bool {
		status, body := s.do(t, http.MethodGet, nearby, helper, nil)
		return status == http.StatusOK && len(body["tasks"].([]any)) == 0
	}, 2*time.Second, 10*time.Millisecond, "claimed task still in nearby results")

	status, body = s.do(t, http.MethodGet, "/api/tasks/"+taskID, helper, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "claimed", body["status"])

	// Requester completes it.
	status, body = s.do(t, http.MethodPost, "/api/tasks/"+taskID+"/complete", requester, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Task marked as complete!", body["message"])

	// Helper is free again.
	status, body = s.do(t, http.MethodGet, "/api/profile", helper, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["active_task_id"])
}

func TestServer_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	requester := s.token(t, "req1", "Rita")
	helper := s.token(t, "helper1", "Hank")
	stranger := s.token(t, "stranger", "Sam")
	for _, token := range []string{requester, helper, stranger} {
		status, _ := s.do(t, http.MethodPost, "/api/profile", token, nil)
		require.Equal(t, http.StatusOK, status)
	}

	t.Run("create without title", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, "/api/tasks", requester, map[string]any{
			"location": serverTestPoint,
		})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "InvalidArgument", body["code"])
	})

	t.Run("accept missing task", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, "/api/tasks/nope/accept", helper, nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "NotFound", body["code"])
	})

	status, body := s.do(t, http.MethodPost, "/api/tasks", requester, map[string]any{
		"title":    "Water the garden",
		"location": serverTestPoint,
	})
	require.Equal(t, http.StatusOK, status)
	taskID, _ := body["task_id"].(string)
	require.NotEmpty(t, taskID)

	t.Run("complete as non-creator", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, "/api/tasks/"+taskID+"/complete", stranger, nil)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, "PermissionDenied", body["code"])
	})

	t.Run("second accept is a precondition failure", func(t *testing.T) {
		status, _ := s.do(t, http.MethodPost, "/api/tasks/"+taskID+"/accept", helper, nil)
		require.Equal(t, http.StatusOK, status)

		status, body := s.do(t, http.MethodPost, "/api/tasks/"+taskID+"/accept", stranger, nil)
		assert.Equal(t, http.StatusPreconditionFailed, status)
		assert.Equal(t, "FailedPrecondition", body["code"])
	})
}

func TestServer_ProfileUpdate(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "u1", "Uma")
	status, body := s.do(t, http.MethodPost, "/api/profile", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["is_accepting_tasks"])
	assert.Equal(t, "helper", body["user_role"])

	status, body = s.do(t, http.MethodPatch, "/api/profile", token, map[string]any{
		"is_accepting_tasks": true,
		"location":           serverTestPoint,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_accepting_tasks"])

	t.Run("invalid role", func(t *testing.T) {
		status, body := s.do(t, http.MethodPatch, "/api/profile", token, map[string]any{
			"user_role": "overlord",
		})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "InvalidArgument", body["code"])
	})
}
