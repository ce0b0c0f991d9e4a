package task

import (
	"context"
	"log/slog"

	"github.com/errandly/errandly/internal/docstore"
	"github.com/errandly/errandly/internal/eventbus"
	"github.com/errandly/errandly/internal/geoindex"
	"github.com/errandly/errandly/pkg/panicerr"
)

// GeoSyncer mirrors task status into the proximity index: an entry exists
// exactly while the task is pending. It reacts to committed change events
// and is best-effort; a failure here never touches the task record.
type GeoSyncer struct {
	index *geoindex.Index
}

func NewGeoSyncer(index *geoindex.Index) *GeoSyncer {
	return &GeoSyncer{index: index}
}

// Register subscribes the syncer to task change events. Call before the bus
// starts running.
func (s *GeoSyncer) Register(bus *eventbus.Bus) {
	eventbus.SubscribeJSON(bus, "geoindex-sync", docstore.ChangeTopic(Docs.Name()),
		func(ctx context.Context, ch *docstore.Change) error {
			return panicerr.SafeContext(func(ctx context.Context) error {
				return s.handleChange(ctx, ch)
			})(ctx)
		})
}

func (s *GeoSyncer) handleChange(ctx context.Context, ch *docstore.Change) error {
	after, err := Docs.Decode(ch.After)
	if err != nil {
		slog.ErrorContext(ctx, "geoindex sync: failed to decode task snapshot", "task_id", ch.DocID, "error", err)
		return err
	}

	if ch.Created() {
		if after.Status != StatusPending {
			slog.InfoContext(ctx, "geoindex sync: task created non-pending, not indexing",
				"task_id", ch.DocID, "status", after.Status)
			return nil
		}
		if after.Location == nil {
			slog.InfoContext(ctx, "geoindex sync: pending task has no location, skipping", "task_id", ch.DocID)
			return nil
		}
		s.index.Set(ch.DocID, *after.Location)
		slog.DebugContext(ctx, "geoindex sync: indexed new task", "task_id", ch.DocID)
		return nil
	}

	before, err := Docs.Decode(ch.Before)
	if err != nil {
		slog.ErrorContext(ctx, "geoindex sync: failed to decode prior task snapshot", "task_id", ch.DocID, "error", err)
		return err
	}

	wasPending := before.Status == StatusPending
	isPending := after.Status == StatusPending

	switch {
	case wasPending && !isPending:
		s.index.Remove(ch.DocID)
		slog.DebugContext(ctx, "geoindex sync: removed task", "task_id", ch.DocID, "status", after.Status)
	case !wasPending && isPending:
		// The abandon path: the task is live again.
		if after.Location == nil {
			slog.WarnContext(ctx, "geoindex sync: task re-pending without location, skipping", "task_id", ch.DocID)
			return nil
		}
		s.index.Set(ch.DocID, *after.Location)
		slog.DebugContext(ctx, "geoindex sync: re-indexed task", "task_id", ch.DocID)
	default:
		// No membership change.
	}
	return nil
}
