package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// dirtyState tracks what a memo still owes the backing store.
type dirtyState struct {
	contentDirty bool // content/version not yet written
	flushedRevs  int  // revisions already written (index into the log)
	created      bool // memo created in cache but not yet in backing store
}

// CachedStore serves reads and writes from memory and writes dirty memos
// to a backing DocumentStore in the background.
type CachedStore struct {
	cache         *MemoryStore
	backing       DocumentStore
	log           *slog.Logger
	mu            sync.Mutex
	dirty         map[string]*dirtyState
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore starts a CachedStore that flushes every flushInterval.
func NewCachedStore(backing DocumentStore, flushInterval time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		log:           logger.With("component", "cached_store"),
		dirty:         make(map[string]*dirtyState),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, id, content string) error {
	if _, err := cs.backing.Get(ctx, id); err == nil {
		return ErrAlreadyExists
	}
	if err := cs.cache.Create(ctx, id, content); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.dirty[id] = &dirtyState{contentDirty: true, created: true}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	info, err := cs.cache.Get(ctx, id)
	if err == nil {
		return info, nil
	}
	if err := cs.loadFromBacking(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.Get(ctx, id)
}

// List merges the backing store's memos with the ones only in cache.
func (cs *CachedStore) List(ctx context.Context) ([]DocumentInfo, error) {
	backed, err := cs.backing.List(ctx)
	if err != nil {
		return nil, err
	}
	cached, _ := cs.cache.List(ctx)
	byID := make(map[string]int, len(backed))
	for i, info := range backed {
		byID[info.ID] = i
	}
	for _, info := range cached {
		if i, ok := byID[info.ID]; ok {
			backed[i] = info
			continue
		}
		backed = append(backed, info)
	}
	return backed, nil
}

func (cs *CachedStore) UpdateContent(ctx context.Context, id, content string, version int64) error {
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}
	if err := cs.cache.UpdateContent(ctx, id, content, version); err != nil {
		return err
	}
	cs.mu.Lock()
	ds := cs.dirty[id]
	if ds == nil {
		ds = &dirtyState{flushedRevs: cs.revisionCount(id)}
		cs.dirty[id] = ds
	}
	ds.contentDirty = true
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) AppendRevision(ctx context.Context, id string, rev Revision) error {
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}

	// A clean memo has every revision so far in the backing store.
	prevLen := cs.revisionCount(id)
	if err := cs.cache.AppendRevision(ctx, id, rev); err != nil {
		return err
	}
	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &dirtyState{flushedRevs: prevLen}
	}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) GetRevisions(ctx context.Context, id string, fromVersion int64) ([]Revision, error) {
	if _, err := cs.Get(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.GetRevisions(ctx, id, fromVersion)
}

func (cs *CachedStore) revisionCount(id string) int {
	cs.cache.mu.RLock()
	defer cs.cache.mu.RUnlock()
	if rec, ok := cs.cache.memos[id]; ok {
		return len(rec.revisions)
	}
	return 0
}

// loadFromBacking copies a memo and its revisions into the cache and marks
// those revisions as already flushed.
func (cs *CachedStore) loadFromBacking(ctx context.Context, id string) error {
	info, err := cs.backing.Get(ctx, id)
	if err != nil {
		return err
	}
	revs, err := cs.backing.GetRevisions(ctx, id, 0)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	cs.cache.mu.Lock()
	if _, exists := cs.cache.memos[id]; !exists {
		cs.cache.memos[id] = &memoRecord{info: *info, revisions: revs}
	}
	cs.cache.mu.Unlock()

	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &dirtyState{flushedRevs: len(revs)}
	}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty memos to the backing store.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	snapshot := make(map[string]*dirtyState, len(cs.dirty))
	for id, ds := range cs.dirty {
		cp := *ds
		snapshot[id] = &cp
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for id, ds := range snapshot {
		cs.cache.mu.RLock()
		rec, ok := cs.cache.memos[id]
		if !ok {
			cs.cache.mu.RUnlock()
			continue
		}
		info := rec.info
		total := len(rec.revisions)
		var newRevs []Revision
		if ds.flushedRevs < total {
			newRevs = make([]Revision, total-ds.flushedRevs)
			copy(newRevs, rec.revisions[ds.flushedRevs:])
		}
		cs.cache.mu.RUnlock()

		if ds.created {
			if err := cs.backing.Create(ctx, id, info.Content); err != nil && !errors.Is(err, ErrAlreadyExists) {
				cs.log.Warn("create in backing store failed", "memo", id, "error", err)
				continue
			}
			ds.created = false
		}

		// Revisions go first so the content never runs ahead of the log.
		for _, rev := range newRevs {
			if err := cs.backing.AppendRevision(ctx, id, rev); err != nil {
				cs.log.Warn("revision flush failed", "memo", id, "version", rev.Version, "error", err)
				break
			}
			ds.flushedRevs++
		}

		if ds.contentDirty {
			if err := cs.backing.UpdateContent(ctx, id, info.Content, info.Version); err != nil {
				cs.log.Warn("content flush failed", "memo", id, "version", info.Version, "error", err)
			} else {
				ds.contentDirty = false
			}
		}

		cs.mu.Lock()
		if cur := cs.dirty[id]; cur != nil {
			cur.flushedRevs = ds.flushedRevs
			cur.created = ds.created
			// A write since the snapshot keeps contentDirty set.
			cs.cache.mu.RLock()
			r := cs.cache.memos[id]
			unchanged := r != nil && r.info.UpdatedAt.Equal(info.UpdatedAt)
			if !ds.contentDirty && unchanged {
				cur.contentDirty = false
			}
			if !cur.contentDirty && !cur.created && r != nil && cur.flushedRevs >= len(r.revisions) {
				delete(cs.dirty, id)
			}
			cs.cache.mu.RUnlock()
		}
		cs.mu.Unlock()
	}
}

// Close runs a final flush and waits for it to finish.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
