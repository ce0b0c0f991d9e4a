package task

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errandly/errandly/internal/docstore"
	"github.com/errandly/errandly/internal/identity"
	"github.com/errandly/errandly/internal/user"
	"github.com/errandly/errandly/pkg/cerr"
	"github.com/errandly/errandly/pkg/geo"
)

var testLocation = geo.Point{Lat: 40.7128, Lng: -74.0060}

func newTestCoordinator(t *testing.T) (*Coordinator, *docstore.Store) {
	t.Helper()
	store, err := docstore.New([]docstore.Descriptor{
		Docs.Descriptor(),
		user.Docs.Descriptor(),
	})
	require.NoError(t, err)
	return NewCoordinator(store), store
}

func seedProfile(t *testing.T, store *docstore.Store, id, name string) {
	t.Helper()
	err := store.RunTransaction(context.Background(), func(tx *docstore.Tx) error {
		user.Docs.Set(tx, id, &user.Profile{
			ID:          id,
			Email:       id + "@example.com",
			DisplayName: name,
			Role:        user.RoleHelper,
		})
		return nil
	})
	require.NoError(t, err)
}

func mustProfile(t *testing.T, store *docstore.Store, id string) *user.Profile {
	t.Helper()
	prof, err := user.Docs.Snapshot(store, id)
	require.NoError(t, err)
	return prof
}

func mustTask(t *testing.T, store *docstore.Store, id string) *Task {
	t.Helper()
	got, err := Docs.Snapshot(store, id)
	require.NoError(t, err)
	return got
}

func createTask(t *testing.T, c *Coordinator, requesterID string) *Task {
	t.Helper()
	created, err := c.Create(context.Background(), &identity.Identity{
		UID:   requesterID,
		Email: requesterID + "@example.com",
	}, CreateParams{
		Title:    "Pick up groceries",
		Details:  "Milk and eggs",
		Location: &testLocation,
	})
	require.NoError(t, err)
	return created
}

func TestCreate_Validation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	caller := &identity.Identity{UID: "req1"}

	tests := []struct {
		name   string
		params CreateParams
	}{
		{"empty title", CreateParams{Title: "   ", Location: &testLocation}},
		{"missing location", CreateParams{Title: "help me"}},
		{"latitude out of range", CreateParams{Title: "help me", Location: &geo.Point{Lat: 97, Lng: 0}}},
		{"longitude out of range", CreateParams{Title: "help me", Location: &geo.Point{Lat: 0, Lng: 190}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Create(ctx, caller, tt.params)
			assert.True(t, cerr.IsCode(err, cerr.InvalidArgument), "got %v", err)
		})
	}
}

func TestCreate_Success(t *testing.T) {
	c, store := newTestCoordinator(t)
	seedProfile(t, store, "req1", "Rita Requester")

	created := createTask(t, c, "req1")

	got := mustTask(t, store, created.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "req1", got.RequesterID)
	assert.Equal(t, "Rita Requester", got.RequesterInfo.DisplayName)
	assert.Nil(t, got.HelperInfo)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreate_MissingProfileFallsBack(t *testing.T) {
	c, store := newTestCoordinator(t)

	created := createTask(t, c, "ghost")

	got := mustTask(t, store, created.ID)
	assert.Equal(t, "User", got.RequesterInfo.DisplayName)
}

func TestAccept_Success(t *testing.T) {
	c, store := newTestCoordinator(t)
	seedProfile(t, store, "req1", "Rita")
	seedProfile(t, store, "helper1", "Hank Helper")
	created := createTask(t, c, "req1")

	require.NoError(t, c.Accept(context.Background(), "helper1", created.ID))

	got := mustTask(t, store, created.ID)
	assert.Equal(t, StatusClaimed, got.Status)
	require.NotNil(t, got.HelperInfo)
	assert.Equal(t, "helper1", got.HelperInfo.ID)
	assert.Equal(t, "Hank Helper", got.HelperInfo.DisplayName)
	assert.NotNil(t, got.ClaimedAt)

	assert.Equal(t, created.ID, mustProfile(t, store, "helper1").ActiveTaskID)
}

func TestAccept_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("task not found", func(t *testing.T) {
		c, store := newTestCoordinator(t)
		seedProfile(t, store, "helper1", "Hank")
		err := c.Accept(ctx, "helper1", "nope")
		assert.True(t, cerr.IsCode(err, cerr.NotFound), "got %v", err)
	})

	t.Run("missing helper profile", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		created := createTask(t, c, "req1")
		err := c.Accept(ctx, "helper1", created.ID)
		assert.True(t, cerr.IsCode(err, cerr.NotFound), "got %v", err)
	})

	t.Run("helper already busy", func(t *testing.T) {
		c, store := newTestCoordinator(t)
		seedProfile(t, store, "helper1", "Hank")
		first := createTask(t, c, "req1")
		second := createTask(t, c, "req2")
		require.NoError(t, c.Accept(ctx, "helper1", first.ID))

		err := c.Accept(ctx, "helper1", second.ID)
		assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition), "got %v", err)
		// The second task is untouched.
		assert.Equal(t, StatusPending, mustTask(t, store, second.ID).Status)
	})

	t.Run("task already claimed", func(t *testing.T) {
		c, store := newTestCoordinator(t)
		seedProfile(t, store, "helper1", "Hank")
		seedProfile(t, store, "helper2", "Hanna")
		created := createTask(t, c, "req1")
		require.NoError(t, c.Accept(ctx, "helper1", created.ID))

		err := c.Accept(ctx, "helper2", created.ID)
		assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition), "got %v", err)
		assert.Empty(t, mustProfile(t, store, "helper2").ActiveTaskID)
	})

	t.Run("own task", func(t *testing.T) {
		c, store := newTestCoordinator(t)
		seedProfile(t, store, "req1", "Rita")
		created := createTask(t, c, "req1")
		err := c.Accept(ctx, "req1", created.ID)
		assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition), "got %v", err)
		assert.Equal(t, StatusPending, mustTask(t, store, created.ID).Status)
	})
}

func TestAccept_ConcurrentRace(t *testing.T) {
	c, store := newTestCoordinator(t)

	const helpers = 6
	names := make([]string, helpers)
	for i := range names {
		names[i] = fmt.Sprintf("helper%d", i+1)
		seedProfile(t, store, names[i], names[i])
	}
	created := createTask(t, c, "req1")

	ctx := context.Background()
	errs := make([]error, helpers)
	var wg sync.WaitGroup
	for i, helper := range names {
		wg.Add(1)
		go func(i int, helper string) {
			defer wg.Done()
			errs[i] = c.Accept(ctx, helper, created.ID)
		}(i, helper)
	}
	wg.Wait()

	var successes, preconditions int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case cerr.IsCode(err, cerr.FailedPrecondition):
			preconditions++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes, "exactly one accept must win")
	assert.Equal(t, helpers-1, preconditions)

	got := mustTask(t, store, created.ID)
	assert.Equal(t, StatusClaimed, got.Status)
	require.NotNil(t, got.HelperInfo)
	winner := got.HelperInfo.ID

	// Exactly one profile holds the task, and it is the winner's.
	var holders []string
	for _, helper := range names {
		if active := mustProfile(t, store, helper).ActiveTaskID; active != "" {
			assert.Equal(t, created.ID, active)
			holders = append(holders, helper)
		}
	}
	assert.Equal(t, []string{winner}, holders)
}

func TestComplete_FreesHelper(t *testing.T) {
	c, store := newTestCoordinator(t)
	seedProfile(t, store, "req1", "Rita")
	seedProfile(t, store, "helper1", "Hank")
	created := createTask(t, c, "req1")
	ctx := context.Background()
	require.NoError(t, c.Accept(ctx, "helper1", created.ID))

	require.NoError(t, c.Complete(ctx, "req1", created.ID))

	got := mustTask(t, store, created.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	// Helper attribution survives completion.
	require.NotNil(t, got.HelperInfo)
	assert.Equal(t, "helper1", got.HelperInfo.ID)

	assert.Empty(t, mustProfile(t, store, "helper1").ActiveTaskID)
}

func TestComplete_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("not the requester", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		created := createTask(t, c, "req1")
		err := c.Complete(ctx, "someone-else", created.ID)
		assert.True(t, cerr.IsCode(err, cerr.PermissionDenied), "got %v", err)
	})

	t.Run("already terminal", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		created := createTask(t, c, "req1")
		require.NoError(t, c.Cancel(ctx, "req1", created.ID))
		err := c.Complete(ctx, "req1", created.ID)
		assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition), "got %v", err)
	})

	t.Run("not found", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		err := c.Complete(ctx, "req1", "nope")
		assert.True(t, cerr.IsCode(err, cerr.NotFound), "got %v", err)
	})
}

func TestCancel_PendingTask(t *testing.T) {
	c, store := newTestCoordinator(t)
	created := createTask(t, c, "req1")

	require.NoError(t, c.Cancel(context.Background(), "req1", created.ID))

	got := mustTask(t, store, created.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
}

func TestCancel_ClaimedTaskFreesHelper(t *testing.T) {
	c, store := newTestCoordinator(t)
	seedProfile(t, store, "helper1", "Hank")
	created := createTask(t, c, "req1")
	ctx := context.Background()
	require.NoError(t, c.Accept(ctx, "helper1", created.ID))

	require.NoError(t, c.Cancel(ctx, "req1", created.ID))

	assert.Equal(t, StatusCancelled, mustTask(t, store, created.ID).Status)
	assert.Empty(t, mustProfile(t, store, "helper1").ActiveTaskID)
}

func TestCancel_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("not the requester", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		created := createTask(t, c, "req1")
		err := c.Cancel(ctx, "stranger", created.ID)
		assert.True(t, cerr.IsCode(err, cerr.PermissionDenied), "got %v", err)
	})

	t.Run("already terminal", func(t *testing.T) {
		c, _ := newTestCoordinator(t)
		created := createTask(t, c, "req1")
		require.NoError(t, c.Cancel(ctx, "req1", created.ID))
		err := c.Cancel(ctx, "req1", created.ID)
		assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition), "got %v", err)
	})
}

func TestAbandon_ReturnsTaskToPending(t *testing.T) {
	c, store := newTestCoordinator(t)
	seedProfile(t, store, "helper1", "Hank")
	created := createTask(t, c, "req1")
	ctx := context.Background()
	require.NoError(t, c.Accept(ctx, "helper1", created.ID))

	require.NoError(t, c.Abandon(ctx, "helper1", created.ID))

	got := mustTask(t, store, created.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.HelperInfo)
	assert.Nil(t, got.ClaimedAt)
	assert.Empty(t, mustProfile(t, store, "helper1").ActiveTaskID)

	// The task is claimable again, and cancelling frees the new helper.
	seedProfile(t, store, "helper2", "Hanna")
	require.NoError(t, c.Accept(ctx, "helper2", created.ID))
	require.Equal(t, created.ID, mustProfile(t, store, "helper2").ActiveTaskID)

	require.NoError(t, c.Cancel(ctx, "req1", created.ID))
	assert.Equal(t, StatusCancelled, mustTask(t, store, created.ID).Status)
	assert.Empty(t, mustProfile(t, store, "helper2").ActiveTaskID)
}

func TestAbandon_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("task not claimed", func(t *testing.T) {
		c, store := newTestCoordinator(t)
		seedProfile(t, store, "helper1", "Hank")
		created := createTask(t, c, "req1")
		err := c.Abandon(ctx, "helper1", created.ID)
		assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition), "got %v", err)
	})

	t.Run("not the claiming helper", func(t *testing.T) {
		c, store := newTestCoordinator(t)
		seedProfile(t, store, "helper1", "Hank")
		seedProfile(t, store, "helper2", "Hanna")
		created := createTask(t, c, "req1")
		require.NoError(t, c.Accept(ctx, "helper1", created.ID))

		err := c.Abandon(ctx, "helper2", created.ID)
		assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition), "got %v", err)
		assert.Equal(t, StatusClaimed, mustTask(t, store, created.ID).Status)
	})

	t.Run("divergent active task", func(t *testing.T) {
		c, store := newTestCoordinator(t)
		seedProfile(t, store, "helper1", "Hank")
		created := createTask(t, c, "req1")
		require.NoError(t, c.Accept(ctx, "helper1", created.ID))

		// Corrupt the helper side of the relation.
		require.NoError(t, store.RunTransaction(ctx, func(tx *docstore.Tx) error {
			prof, err := user.Docs.Get(tx, "helper1")
			if err != nil {
				return err
			}
			prof.ActiveTaskID = "some-other-task"
			user.Docs.Set(tx, "helper1", prof)
			return nil
		}))

		err := c.Abandon(ctx, "helper1", created.ID)
		assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition), "got %v", err)
	})
}
