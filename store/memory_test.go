package store

import (
	"context"
	"testing"
)

func TestMemoryStore_ListOrderedByID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Create(ctx, "c", "")
	s.Create(ctx, "a", "")
	s.Create(ctx, "b", "")

	memos, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(memos) != 3 {
		t.Fatalf("got %d memos, want 3", len(memos))
	}
	if memos[0].ID != "a" || memos[2].ID != "c" {
		t.Errorf("memos not ordered by id: %+v", memos)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Create(ctx, "memo1", "hello")
	info, _ := s.Get(ctx, "memo1")
	info.Content = "changed"

	again, _ := s.Get(ctx, "memo1")
	if again.Content != "hello" {
		t.Errorf("store content changed through returned value: %q", again.Content)
	}
}

func TestMemoryStore_RevisionsMustAdvance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Create(ctx, "memo1", "")
	s.AppendRevision(ctx, "memo1", Revision{Version: 2})
	if err := s.AppendRevision(ctx, "memo1", Revision{Version: 2}); err == nil {
		t.Error("expected error for repeated version")
	}

	revs, _ := s.GetRevisions(ctx, "memo1", 0)
	if len(revs) != 1 || revs[0].CreatedAt.IsZero() {
		t.Errorf("unexpected revisions: %+v", revs)
	}
}
