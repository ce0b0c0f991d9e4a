// Package geoindex maintains a derived, query-optimized view of live task
// locations. It is never written by task transitions directly; a change
// subscriber keeps it eventually consistent with task status.
package geoindex

import (
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/errandly/errandly/pkg/geo"
)

// Entry is an indexed key with its coordinate and, in query results, its
// distance from the query center.
type Entry struct {
	ID         string
	Point      geo.Point
	DistanceKm float64
}

type EventType int

const (
	EventEnter EventType = iota + 1
	EventExit
)

// Event is a membership change observed by a Watch.
type Event struct {
	Type       EventType
	ID         string
	Point      geo.Point
	DistanceKm float64
}

// Index is an in-memory proximity index keyed by task id. Set and Remove are
// idempotent: both are last-write-wins on the key, and removing an absent key
// is a no-op, so duplicate or out-of-order change deliveries cannot corrupt it.
type Index struct {
	mu      sync.RWMutex
	entries map[string]geo.Point
	watches map[string]*Watch
}

func New() *Index {
	return &Index{
		entries: make(map[string]geo.Point),
		watches: make(map[string]*Watch),
	}
}

// Set inserts or moves a key.
func (i *Index) Set(id string, p geo.Point) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[id] = p
	for _, w := range i.watches {
		w.observe(id, &p)
	}
}

// Remove deletes a key. Removing an absent key is a no-op.
func (i *Index) Remove(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.entries[id]; !ok {
		return
	}
	delete(i.entries, id)
	for _, w := range i.watches {
		w.observe(id, nil)
	}
}

func (i *Index) Contains(id string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.entries[id]
	return ok
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// Query returns all entries within radiusKm of center, nearest first.
func (i *Index) Query(center geo.Point, radiusKm float64) []Entry {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var result []Entry
	for id, p := range i.entries {
		d := geo.DistanceKm(center, p)
		if d <= radiusKm {
			result = append(result, Entry{ID: id, Point: p, DistanceKm: d})
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].DistanceKm < result[b].DistanceKm })
	return result
}

// Watch subscribes to membership changes of a radius query. Current members
// are delivered as initial enter events. The caller must drain Events and
// Close the watch when done; a slow consumer loses events rather than
// blocking index writers.
func (i *Index) Watch(center geo.Point, radiusKm float64) *Watch {
	w := &Watch{
		id:       ulid.Make().String(),
		index:    i,
		center:   center,
		radiusKm: radiusKm,
		ch:       make(chan Event, 64),
		members:  make(map[string]struct{}),
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.watches[w.id] = w
	for id, p := range i.entries {
		w.observe(id, &p)
	}
	return w
}

// Watch is a streaming radius query.
type Watch struct {
	id       string
	index    *Index
	center   geo.Point
	radiusKm float64
	ch       chan Event

	// members is guarded by the index lock: observe is only called with it held.
	members map[string]struct{}
	closed  bool
}

func (w *Watch) Events() <-chan Event {
	return w.ch
}

// Close detaches the watch and closes its event channel.
func (w *Watch) Close() {
	w.index.mu.Lock()
	defer w.index.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	delete(w.index.watches, w.id)
	close(w.ch)
}

// observe reconciles one key against the watch region. p is nil on removal.
func (w *Watch) observe(id string, p *geo.Point) {
	_, wasMember := w.members[id]

	if p == nil {
		if wasMember {
			delete(w.members, id)
			w.emit(Event{Type: EventExit, ID: id})
		}
		return
	}

	d := geo.DistanceKm(w.center, *p)
	isMember := d <= w.radiusKm
	switch {
	case isMember && !wasMember:
		w.members[id] = struct{}{}
		w.emit(Event{Type: EventEnter, ID: id, Point: *p, DistanceKm: d})
	case !isMember && wasMember:
		delete(w.members, id)
		w.emit(Event{Type: EventExit, ID: id, Point: *p, DistanceKm: d})
	}
}

func (w *Watch) emit(ev Event) {
	select {
	case w.ch <- ev:
	default:
		// buffer full, drop event for this watch
	}
}
