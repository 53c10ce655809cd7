package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mwmacmahon/llmtextadventure/internal/history"
)

var conversationsBucket = []byte("conversations")

// BoltStore keeps snapshots in an embedded bolt database, one JSON-encoded
// conversation per session id.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening bolt db: %v", ErrPersistence, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating conversations bucket: %v", ErrPersistence, err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveSnapshot(id string, turns []history.Turn) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(turns)
		if err != nil {
			return err
		}
		return tx.Bucket(conversationsBucket).Put([]byte(id), data)
	})
	if err != nil {
		return fmt.Errorf("%w: saving %s: %v", ErrPersistence, id, err)
	}
	return nil
}

func (s *BoltStore) LoadSnapshot(id string) ([]history.Turn, error) {
	var turns []history.Turn
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &turns)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %v", ErrPersistence, id, err)
	}
	return turns, nil
}

func (s *BoltStore) ListSnapshots() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing snapshots: %v", ErrPersistence, err)
	}
	return ids, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
