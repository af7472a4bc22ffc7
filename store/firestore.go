package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of DocumentStore.
// Each memo is a document in the "memos" collection with its revision log
// in a "revisions" subcollection keyed by zero-padded version.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "memos",
	}
}

func (s *FirestoreStore) memoRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) revisions(memoID string) *firestore.CollectionRef {
	return s.memoRef(memoID).Collection("revisions")
}

func zeroPad(version int64) string {
	return fmt.Sprintf("%012d", version)
}

func (s *FirestoreStore) Create(ctx context.Context, id, content string) error {
	now := time.Now()
	_, err := s.memoRef(id).Create(ctx, map[string]interface{}{
		"content":   content,
		"version":   int64(0),
		"createdAt": now,
		"updatedAt": now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("memo %q: %w", id, ErrAlreadyExists)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	snap, err := s.memoRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("memo %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToInfo(id, snap), nil
}

func snapshotToInfo(id string, snap *firestore.DocumentSnapshot) *DocumentInfo {
	data := snap.Data()
	content, _ := data["content"].(string)
	version, _ := data["version"].(int64)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &DocumentInfo{
		ID:        id,
		Content:   content,
		Version:   version,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func (s *FirestoreStore) List(ctx context.Context) ([]DocumentInfo, error) {
	iter := s.client.Collection(s.collection).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var result []DocumentInfo
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *snapshotToInfo(snap.Ref.ID, snap))
	}
	return result, nil
}

func (s *FirestoreStore) UpdateContent(ctx context.Context, id, content string, version int64) error {
	_, err := s.memoRef(id).Update(ctx, []firestore.Update{
		{Path: "content", Value: content},
		{Path: "version", Value: version},
		{Path: "updatedAt", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("memo %q: %w", id, ErrNotFound)
	}
	return err
}

func (s *FirestoreStore) AppendRevision(ctx context.Context, id string, rev Revision) error {
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now()
	}
	_, err := s.revisions(id).Doc(zeroPad(rev.Version)).Create(ctx, map[string]interface{}{
		"version":    rev.Version,
		"content":    rev.Content,
		"editorId":   rev.EditorID,
		"editorName": rev.EditorName,
		"createdAt":  rev.CreatedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("memo %q revision %d: %w", id, rev.Version, ErrAlreadyExists)
	}
	return err
}

func (s *FirestoreStore) GetRevisions(ctx context.Context, id string, fromVersion int64) ([]Revision, error) {
	_, err := s.memoRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("memo %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	iter := s.revisions(id).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAfter(zeroPad(fromVersion)).
		Documents(ctx)
	defer iter.Stop()

	var revs []Revision
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		revs = append(revs, snapshotToRevision(snap))
	}
	return revs, nil
}

func snapshotToRevision(snap *firestore.DocumentSnapshot) Revision {
	data := snap.Data()
	var rev Revision
	rev.Version, _ = data["version"].(int64)
	rev.Content, _ = data["content"].(string)
	rev.EditorID, _ = data["editorId"].(string)
	rev.EditorName, _ = data["editorName"].(string)
	rev.CreatedAt, _ = data["createdAt"].(time.Time)
	return rev
}
