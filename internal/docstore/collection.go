package docstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Change describes one committed document write. Before is empty for a
// creation. Snapshots are the full JSON documents, so subscribers never need
// to read the store to see what changed.
type Change struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	DocID      string          `json:"doc_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Created reports whether the change created the document.
func (c *Change) Created() bool {
	return len(c.Before) == 0
}

// ChangeTopic returns the bus topic carrying a collection's change events.
func ChangeTopic(collection string) string {
	return "change." + collection
}

// Collection is a typed handle over a named collection.
type Collection[T Document] struct {
	name  string
	newFn func() T
}

func NewCollection[T Document](name string, newFn func() T) Collection[T] {
	return Collection[T]{name: name, newFn: newFn}
}

func (c Collection[T]) Name() string {
	return c.name
}

// Descriptor returns the registration descriptor for Store construction.
func (c Collection[T]) Descriptor() Descriptor {
	return Descriptor{
		Name: c.name,
		New:  func() Document { return c.newFn() },
	}
}

// Get reads a document inside a transaction, recording it for the commit-time
// version check. Returns ErrNotFound (wrapped) when absent; the absence is
// also recorded and re-validated at commit.
func (c Collection[T]) Get(tx *Tx, id string) (T, error) {
	doc, err := tx.get(c.name, id)
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := doc.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("collection %q holds %T, not %T", c.name, doc, zero)
	}
	return typed, nil
}

// Set stages a document write inside a transaction.
func (c Collection[T]) Set(tx *Tx, id string, doc T) {
	tx.set(c.name, id, doc)
}

// Snapshot reads the committed document outside any transaction.
func (c Collection[T]) Snapshot(s *Store, id string) (T, error) {
	doc, err := s.snapshot(c.name, id)
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := doc.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("collection %q holds %T, not %T", c.name, doc, zero)
	}
	return typed, nil
}

// All returns committed snapshots of every document in the collection, in no
// particular order.
func (c Collection[T]) All(s *Store) []T {
	docs := s.snapshotAll(c.name)
	typed := make([]T, 0, len(docs))
	for _, doc := range docs {
		if t, ok := doc.(T); ok {
			typed = append(typed, t)
		}
	}
	return typed
}

// Decode unmarshals a change-event snapshot into the collection's type.
func (c Collection[T]) Decode(raw json.RawMessage) (T, error) {
	doc := c.newFn()
	if err := json.Unmarshal(raw, doc); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to decode %s snapshot: %w", c.name, err)
	}
	return doc, nil
}
