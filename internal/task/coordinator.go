package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/errandly/errandly/internal/docstore"
	"github.com/errandly/errandly/internal/identity"
	"github.com/errandly/errandly/internal/user"
	"github.com/errandly/errandly/pkg/cerr"
	"github.com/errandly/errandly/pkg/geo"
)

// Coordinator implements the task state machine:
//
//	pending --accept--> claimed --complete--> completed
//	pending --cancel--> cancelled
//	claimed --cancel--> cancelled
//	claimed --abandon--> pending
//
// Every transition runs as one document-store transaction touching the task
// and, where a helper is involved, that helper's profile. Preconditions are
// re-validated inside the transaction, so two concurrent accepts of the same
// task serialize: one wins, the other re-reads claimed state and fails.
type Coordinator struct {
	store *docstore.Store
}

func NewCoordinator(store *docstore.Store) *Coordinator {
	return &Coordinator{store: store}
}

type CreateParams struct {
	Title    string
	Details  string
	Location *geo.Point
}

// Create validates params and writes a new pending task. The requester
// snapshot's display name is fetched from the caller's profile best-effort;
// a missing profile is cosmetic, logged, and defaulted, never surfaced.
func (c *Coordinator) Create(ctx context.Context, caller *identity.Identity, p CreateParams) (*Task, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "task must have a title", nil)
	}
	if p.Location == nil || !p.Location.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, "task must have a valid location", nil)
	}

	requesterInfo := PartyInfo{
		ID:          caller.UID,
		DisplayName: "User",
		Email:       caller.Email,
	}
	if prof, err := user.Docs.Snapshot(c.store, caller.UID); err != nil {
		slog.WarnContext(ctx, "could not fetch requester profile", "user_id", caller.UID, "error", err)
	} else if prof.DisplayName != "" {
		requesterInfo.DisplayName = prof.DisplayName
	}

	loc := *p.Location
	t := &Task{
		ID:            ulid.Make().String(),
		Title:         p.Title,
		Details:       p.Details,
		RequesterID:   caller.UID,
		RequesterInfo: requesterInfo,
		Status:        StatusPending,
		Location:      &loc,
		CreatedAt:     time.Now().UTC(),
	}

	err := c.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		Docs.Set(tx, t.ID, t)
		return nil
	})
	if err != nil {
		return nil, cerr.WrapTxError(err)
	}
	slog.InfoContext(ctx, "task created", "task_id", t.ID, "requester_id", caller.UID)
	return t, nil
}

// Accept claims a pending task for the caller. Enforces single claim per
// task and one active task per helper inside the transaction.
func (c *Coordinator) Accept(ctx context.Context, callerID, taskID string) error {
	err := c.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		t, err := Docs.Get(tx, taskID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return cerr.NewError(cerr.NotFound, "this task no longer exists", err)
			}
			return err
		}
		helper, err := user.Docs.Get(tx, callerID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return cerr.NewError(cerr.NotFound, "could not find your user profile", err)
			}
			return err
		}

		if helper.ActiveTaskID != "" {
			return cerr.NewError(cerr.FailedPrecondition,
				"you already have an active task, complete it before accepting a new one", nil)
		}
		if t.Status != StatusPending {
			return cerr.NewError(cerr.FailedPrecondition, "this task has already been claimed", nil)
		}
		if t.RequesterID == callerID {
			return cerr.NewError(cerr.FailedPrecondition, "you cannot accept your own task", nil)
		}

		now := time.Now().UTC()
		t.Status = StatusClaimed
		t.HelperInfo = &PartyInfo{
			ID:          helper.ID,
			DisplayName: helper.DisplayName,
			Email:       helper.Email,
		}
		t.ClaimedAt = &now
		helper.ActiveTaskID = taskID

		Docs.Set(tx, taskID, t)
		user.Docs.Set(tx, callerID, helper)
		return nil
	})
	if err != nil {
		return cerr.WrapTxError(err)
	}
	slog.InfoContext(ctx, "task claimed", "task_id", taskID, "helper_id", callerID)
	return nil
}

// Complete marks a task done. Only the requester may complete; if the task
// was claimed, the helper is freed in the same transaction.
func (c *Coordinator) Complete(ctx context.Context, callerID, taskID string) error {
	err := c.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		t, err := Docs.Get(tx, taskID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return cerr.NewError(cerr.NotFound, "task not found", err)
			}
			return err
		}

		if t.RequesterID != callerID {
			return cerr.NewError(cerr.PermissionDenied, "you are not the creator of this task", nil)
		}
		if t.Status.Terminal() {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("this task is already %s", t.Status), nil)
		}

		wasClaimed := t.Status == StatusClaimed
		now := time.Now().UTC()
		t.Status = StatusCompleted
		t.CompletedAt = &now
		// helperInfo is retained on completed tasks for history display.
		Docs.Set(tx, taskID, t)

		if wasClaimed && t.HelperInfo != nil {
			c.freeHelper(tx, t.HelperInfo.ID)
		}
		return nil
	})
	if err != nil {
		return cerr.WrapTxError(err)
	}
	slog.InfoContext(ctx, "task completed", "task_id", taskID)
	return nil
}

// Cancel cancels a pending or claimed task. Only the requester may cancel;
// a claimed task's helper is freed in the same transaction.
func (c *Coordinator) Cancel(ctx context.Context, callerID, taskID string) error {
	err := c.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		t, err := Docs.Get(tx, taskID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return cerr.NewError(cerr.NotFound, "task not found", err)
			}
			return err
		}

		if t.RequesterID != callerID {
			return cerr.NewError(cerr.PermissionDenied, "you are not the creator of this task", nil)
		}
		if t.Status.Terminal() {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("this task is already %s", t.Status), nil)
		}

		wasClaimed := t.Status == StatusClaimed
		now := time.Now().UTC()
		t.Status = StatusCancelled
		t.CancelledAt = &now
		Docs.Set(tx, taskID, t)

		if wasClaimed && t.HelperInfo != nil {
			c.freeHelper(tx, t.HelperInfo.ID)
		}
		return nil
	})
	if err != nil {
		return cerr.WrapTxError(err)
	}
	slog.InfoContext(ctx, "task cancelled", "task_id", taskID)
	return nil
}

// Abandon releases a claimed task back to pending. Both directions of the
// helper relation are checked so a divergent activeTaskId never propagates.
func (c *Coordinator) Abandon(ctx context.Context, callerID, taskID string) error {
	err := c.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
		t, err := Docs.Get(tx, taskID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return cerr.NewError(cerr.NotFound, "task not found", err)
			}
			return err
		}
		helper, err := user.Docs.Get(tx, callerID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return cerr.NewError(cerr.NotFound, "could not find your user profile", err)
			}
			return err
		}

		if t.Status != StatusClaimed {
			return cerr.NewError(cerr.FailedPrecondition, "this task is not currently claimed", nil)
		}
		if t.HelperInfo == nil || t.HelperInfo.ID != callerID {
			return cerr.NewError(cerr.FailedPrecondition, "you are not the helper for this task", nil)
		}
		if helper.ActiveTaskID != taskID {
			return cerr.NewError(cerr.FailedPrecondition, "your active task does not match this task", nil)
		}

		t.Status = StatusPending
		t.HelperInfo = nil
		t.ClaimedAt = nil
		helper.ActiveTaskID = ""

		Docs.Set(tx, taskID, t)
		user.Docs.Set(tx, callerID, helper)
		return nil
	})
	if err != nil {
		return cerr.WrapTxError(err)
	}
	slog.InfoContext(ctx, "task abandoned", "task_id", taskID, "helper_id", callerID)
	return nil
}

// freeHelper clears a helper's active task within the caller's transaction.
// A missing profile is logged and skipped: freeing the helper must not block
// the requester's own transition.
func (c *Coordinator) freeHelper(tx *docstore.Tx, helperID string) {
	helper, err := user.Docs.Get(tx, helperID)
	if err != nil {
		slog.Warn("could not load helper profile to clear active task", "helper_id", helperID, "error", err)
		return
	}
	helper.ActiveTaskID = ""
	user.Docs.Set(tx, helperID, helper)
}
