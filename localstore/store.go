// Package localstore keeps the client's copy of each memo in a bbolt file so
// a host can start a session from what it last saved or received.
package localstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/alimasry/go-collab-notes/collab"
)

var bucketMemos = []byte("memos")

// ErrNotFound is returned by Load for a memo that was never saved.
var ErrNotFound = errors.New("memo not stored locally")

var errCorrupt = errors.New("corrupt memo record")

// Store is a bbolt-backed collab.ContentStore.
type Store struct {
	db *bbolt.DB
}

var _ collab.ContentStore = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMemos)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create memos bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record layout: 8-byte big-endian version followed by the content.
func encode(content string, version int64) []byte {
	buf := make([]byte, 8+len(content))
	binary.BigEndian.PutUint64(buf, uint64(version))
	copy(buf[8:], content)
	return buf
}

func decode(buf []byte) (string, int64, error) {
	if len(buf) < 8 {
		return "", 0, errCorrupt
	}
	return string(buf[8:]), int64(binary.BigEndian.Uint64(buf)), nil
}

func (s *Store) Load(_ context.Context, memoID string) (string, int64, error) {
	var (
		content string
		version int64
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMemos).Get([]byte(memoID))
		if raw == nil {
			return ErrNotFound
		}
		var err error
		content, version, err = decode(raw)
		return err
	})
	if err != nil {
		return "", 0, fmt.Errorf("load %s: %w", memoID, err)
	}
	return content, version, nil
}

// Save stores content at version. An older version never replaces a newer
// one.
func (s *Store) Save(_ context.Context, memoID, content string, version int64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMemos)
		if raw := b.Get([]byte(memoID)); raw != nil {
			if _, stored, err := decode(raw); err == nil && stored > version {
				return nil
			}
		}
		return b.Put([]byte(memoID), encode(content, version))
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", memoID, err)
	}
	return nil
}

// Memos lists the IDs of all locally stored memos.
func (s *Store) Memos() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMemos).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
