package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/errandly/errandly/internal/eventbus"
	"github.com/errandly/errandly/pkg/storage"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when a transaction could not be committed
	// within the retry budget because of concurrent writers.
	ErrConflict = errors.New("transaction conflict")
)

const maxTxAttempts = 8

// Document is a value stored in a collection. Clone must return a deep copy;
// the store never hands out or retains aliased documents.
type Document interface {
	Clone() Document
}

// Descriptor registers a collection with the store. New produces an empty
// document for decoding persisted blobs.
type Descriptor struct {
	Name string
	New  func() Document
}

type versionedDoc struct {
	doc     Document
	version uint64
}

// Store is an in-memory transactional document store. Transactions are
// serializable via optimistic version checks with bounded retry. Committed
// writes are published as change events on the bus and persisted write-behind
// through blob storage; both are best-effort and never fail a commit.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]*versionedDoc
	defs map[string]Descriptor

	bus   *eventbus.Bus
	blobs storage.Storage
}

type Option func(*Store)

// WithChangeBus publishes a change event per committed document write.
func WithChangeBus(bus *eventbus.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithPersistence snapshots committed documents to blob storage and allows
// Load to restore them at startup.
func WithPersistence(blobs storage.Storage) Option {
	return func(s *Store) { s.blobs = blobs }
}

func New(descriptors []Descriptor, opts ...Option) (*Store, error) {
	s := &Store{
		data: make(map[string]map[string]*versionedDoc),
		defs: make(map[string]Descriptor),
	}
	for _, d := range descriptors {
		if _, ok := s.defs[d.Name]; ok {
			return nil, fmt.Errorf("duplicate collection %q", d.Name)
		}
		s.defs[d.Name] = d
		s.data[d.Name] = make(map[string]*versionedDoc)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Load restores persisted documents into memory. Call once before serving.
func (s *Store) Load(ctx context.Context) error {
	if s.blobs == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, def := range s.defs {
		paths, err := s.blobs.List(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to list %s blobs: %w", name, err)
		}
		for _, p := range paths {
			if !strings.HasSuffix(p, ".json") {
				continue
			}
			raw, err := s.blobs.Read(ctx, p)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", p, err)
			}
			doc := def.New()
			if err := json.Unmarshal(raw, doc); err != nil {
				return fmt.Errorf("failed to decode %s: %w", p, err)
			}
			id := strings.TrimSuffix(path.Base(p), ".json")
			s.data[name][id] = &versionedDoc{doc: doc, version: 1}
		}
		slog.Info("loaded collection", "collection", name, "documents", len(s.data[name]))
	}
	return nil
}

// RunTransaction executes fn against a transaction and commits its staged
// writes atomically. On version conflict fn is re-run against fresh state;
// a non-nil error from fn aborts without retry and without any mutation.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := &Tx{
			store: s,
			reads: make(map[docKey]uint64),
		}
		if err := fn(tx); err != nil {
			return err
		}

		changes, ok := s.commit(tx)
		if ok {
			s.afterCommit(ctx, changes)
			return nil
		}

		if err := sleepJitter(ctx, attempt); err != nil {
			return err
		}
	}
	return ErrConflict
}

func sleepJitter(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt+1) * 5 * time.Millisecond
	backoff += time.Duration(rand.Int63n(int64(backoff)))
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type docKey struct {
	collection string
	id         string
}

type stagedWrite struct {
	key docKey
	doc Document
}

// Tx stages reads and writes for one transaction attempt. Reads observe
// committed state only; the version of every read document (0 when absent) is
// re-validated at commit time.
type Tx struct {
	store  *Store
	reads  map[docKey]uint64
	writes []stagedWrite
}

func (tx *Tx) get(collection, id string) (Document, error) {
	if _, ok := tx.store.defs[collection]; !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	key := docKey{collection: collection, id: id}
	vd, ok := tx.store.data[collection][id]
	if !ok {
		tx.reads[key] = 0
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	tx.reads[key] = vd.version
	return vd.doc.Clone(), nil
}

func (tx *Tx) set(collection, id string, doc Document) {
	tx.writes = append(tx.writes, stagedWrite{
		key: docKey{collection: collection, id: id},
		doc: doc.Clone(),
	})
}

// commit validates every recorded read version and, if all still hold,
// applies the staged writes. Returns the resulting change events.
func (s *Store) commit(tx *Tx) ([]*Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, version := range tx.reads {
		current := uint64(0)
		if vd, ok := s.data[key.collection][key.id]; ok {
			current = vd.version
		}
		if current != version {
			return nil, false
		}
	}

	now := time.Now().UTC()
	changes := make([]*Change, 0, len(tx.writes))
	for _, w := range tx.writes {
		col, ok := s.data[w.key.collection]
		if !ok {
			// Unregistered collections are rejected at read time; a blind
			// write to one is a programming error worth surfacing loudly.
			panic(fmt.Sprintf("docstore: write to unknown collection %q", w.key.collection))
		}

		var before json.RawMessage
		version := uint64(1)
		if prev, ok := col[w.key.id]; ok {
			version = prev.version + 1
			if raw, err := json.Marshal(prev.doc); err == nil {
				before = raw
			}
		}
		after, err := json.Marshal(w.doc)
		if err != nil {
			slog.Error("failed to encode document for change event",
				"collection", w.key.collection, "doc_id", w.key.id, "error", err)
		}
		col[w.key.id] = &versionedDoc{doc: w.doc, version: version}

		changes = append(changes, &Change{
			ID:         ulid.Make().String(),
			Collection: w.key.collection,
			DocID:      w.key.id,
			Before:     before,
			After:      after,
			OccurredAt: now,
		})
	}
	return changes, true
}

// afterCommit publishes change events and persists snapshots. Failures are
// logged; the commit already happened and is never rolled back for them.
func (s *Store) afterCommit(ctx context.Context, changes []*Change) {
	// Detach from request cancellation: side effects outlive the caller.
	ctx = context.WithoutCancel(ctx)
	for _, ch := range changes {
		if s.bus != nil {
			if err := s.bus.Publish(ctx, ChangeTopic(ch.Collection), ch); err != nil {
				slog.Error("failed to publish change event",
					"collection", ch.Collection, "doc_id", ch.DocID, "error", err)
			}
		}
		if s.blobs != nil && ch.After != nil {
			blobPath := fmt.Sprintf("%s/%s.json", ch.Collection, ch.DocID)
			if err := s.blobs.Write(ctx, blobPath, ch.After); err != nil {
				slog.Error("failed to persist document snapshot",
					"path", blobPath, "error", err)
			}
		}
	}
}

func (s *Store) snapshot(collection, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vd, ok := s.data[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return vd.doc.Clone(), nil
}

func (s *Store) snapshotAll(collection string) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]Document, 0, len(s.data[collection]))
	for _, vd := range s.data[collection] {
		docs = append(docs, vd.doc.Clone())
	}
	return docs
}
