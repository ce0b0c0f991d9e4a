// Package notify fans out a best-effort push notification to nearby
// available helpers when a task is created.
package notify

import (
	"context"
	"log/slog"

	"github.com/errandly/errandly/internal/docstore"
	"github.com/errandly/errandly/internal/eventbus"
	"github.com/errandly/errandly/internal/push"
	"github.com/errandly/errandly/internal/task"
	"github.com/errandly/errandly/internal/user"
	"github.com/errandly/errandly/pkg/geo"
	"github.com/errandly/errandly/pkg/panicerr"
)

const (
	notificationTitle = "New Task Available Nearby!"
	defaultBody       = "A new task is available in your area."
)

// Notifier scans user profiles on each task creation and multicasts to the
// eligible ones within the configured radius.
//
// The scan is a full pass over all profiles. That is the known scaling
// ceiling of this design; at larger scale it would become an index-backed
// radius query with identical eligibility semantics.
type Notifier struct {
	store      *docstore.Store
	dispatcher push.Dispatcher
	radiusKm   float64
}

func New(store *docstore.Store, dispatcher push.Dispatcher, radiusKm float64) *Notifier {
	return &Notifier{
		store:      store,
		dispatcher: dispatcher,
		radiusKm:   radiusKm,
	}
}

// Register subscribes the notifier to task change events. Call before the
// bus starts running.
func (n *Notifier) Register(bus *eventbus.Bus) {
	eventbus.SubscribeJSON(bus, "proximity-notifier", docstore.ChangeTopic(task.Docs.Name()),
		func(ctx context.Context, ch *docstore.Change) error {
			return panicerr.SafeContext(func(ctx context.Context) error {
				return n.handleChange(ctx, ch)
			})(ctx)
		})
}

func (n *Notifier) handleChange(ctx context.Context, ch *docstore.Change) error {
	// Notification fan-out happens once, on creation only.
	if !ch.Created() {
		return nil
	}
	t, err := task.Docs.Decode(ch.After)
	if err != nil {
		slog.ErrorContext(ctx, "notifier: failed to decode task snapshot", "task_id", ch.DocID, "error", err)
		return err
	}
	if t.Status != task.StatusPending || t.Location == nil {
		return nil
	}

	tokens := n.collectTokens(t)
	if len(tokens) == 0 {
		slog.InfoContext(ctx, "notifier: no nearby users to notify", "task_id", ch.DocID)
		return nil
	}

	body := t.Title
	if body == "" {
		body = defaultBody
	}
	result := n.dispatcher.Multicast(ctx, tokens, &push.Message{
		Title: notificationTitle,
		Body:  body,
		Data: map[string]string{
			"taskId": ch.DocID,
			"type":   "NEW_TASK",
		},
	})
	slog.InfoContext(ctx, "notifier: multicast sent",
		"task_id", ch.DocID, "success", result.Success, "failure", result.Failure)
	return nil
}

// collectTokens returns the push tokens of every eligible user within the
// notification radius of the task.
func (n *Notifier) collectTokens(t *task.Task) []string {
	var tokens []string
	for _, prof := range user.Docs.All(n.store) {
		if !n.eligible(prof, t.RequesterID) {
			continue
		}
		if geo.DistanceKm(*prof.Location, *t.Location) <= n.radiusKm {
			tokens = append(tokens, prof.PushToken)
		}
	}
	return tokens
}

// eligible applies the recipient filter: not the requester, locatable,
// reachable, accepting tasks, and not already busy with one.
func (n *Notifier) eligible(prof *user.Profile, requesterID string) bool {
	return prof.ID != requesterID &&
		prof.Location != nil &&
		prof.PushToken != "" &&
		prof.IsAcceptingTasks &&
		prof.ActiveTaskID == ""
}
