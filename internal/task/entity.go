package task

import (
	"time"

	"github.com/errandly/errandly/internal/docstore"
	"github.com/errandly/errandly/pkg/geo"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is defined from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PartyInfo is a denormalized snapshot of a user captured at transition time.
// It is deliberately a copy, not a reference: task history keeps the display
// name the party had when they touched the task.
type PartyInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type Task struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Details       string     `json:"details,omitempty"`
	RequesterID   string     `json:"requester_id"`
	RequesterInfo PartyInfo  `json:"requester_info"`
	Status        Status     `json:"status"`
	Location      *geo.Point `json:"location"`
	CreatedAt     time.Time  `json:"created_at"`
	HelperInfo    *PartyInfo `json:"helper_info,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
}

func (t *Task) Clone() docstore.Document {
	clone := *t
	if t.Location != nil {
		loc := *t.Location
		clone.Location = &loc
	}
	if t.HelperInfo != nil {
		hi := *t.HelperInfo
		clone.HelperInfo = &hi
	}
	clone.ClaimedAt = cloneTime(t.ClaimedAt)
	clone.CompletedAt = cloneTime(t.CompletedAt)
	clone.CancelledAt = cloneTime(t.CancelledAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Docs is the typed handle over the tasks collection.
var Docs = docstore.NewCollection("tasks", func() *Task { return &Task{} })
