package user

import (
	"time"

	"github.com/errandly/errandly/internal/docstore"
	"github.com/errandly/errandly/pkg/geo"
)

type Role string

const (
	RoleHelper    Role = "helper"
	RoleRequester Role = "requester"
)

func (r Role) Valid() bool {
	return r == RoleHelper || r == RoleRequester
}

// Profile is a user profile. ActiveTaskID is non-empty exactly while the
// user is the helper of a claimed task; it is only ever written inside the
// same transaction as that task's status.
type Profile struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	DisplayName      string     `json:"display_name"`
	CreatedAt        time.Time  `json:"created_at"`
	IsAcceptingTasks bool       `json:"is_accepting_tasks"`
	Location         *geo.Point `json:"location,omitempty"`
	PushToken        string     `json:"push_token,omitempty"`
	Role             Role       `json:"user_role"`
	ActiveTaskID     string     `json:"active_task_id,omitempty"`
}

func (p *Profile) Clone() docstore.Document {
	clone := *p
	if p.Location != nil {
		loc := *p.Location
		clone.Location = &loc
	}
	return &clone
}

// Docs is the typed handle over the users collection.
var Docs = docstore.NewCollection("users", func() *Profile { return &Profile{} })
