// Package store keeps a durable history of committed configurations.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	ErrClosed = errors.New("store: closed")
	ErrEmpty  = errors.New("store: no commits recorded")
)

var commitsBucket = []byte("commits")

// Commit is one configuration value handed to the ASA commit hook.
type Commit struct {
	Seq   uint64    `json:"seq"`
	At    time.Time `json:"at"`
	Role  string    `json:"role"`
	Value string    `json:"value"`
}

// Store is a bbolt-backed, append-only commit log.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open creates or opens the commit log at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(commitsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends value under role and returns the stored commit.
func (s *Store) Record(role string, value []byte) (Commit, error) {
	if s == nil || s.db == nil {
		return Commit{}, ErrClosed
	}
	var c Commit
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(commitsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		c = Commit{Seq: seq, At: s.now().UTC(), Role: role, Value: string(value)}
		raw, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), raw)
	})
	if err != nil {
		return Commit{}, fmt.Errorf("store: record: %w", err)
	}
	return c, nil
}

// Last returns the most recent commit.
func (s *Store) Last() (Commit, error) {
	list, err := s.History(1)
	if err != nil {
		return Commit{}, err
	}
	if len(list) == 0 {
		return Commit{}, ErrEmpty
	}
	return list[0], nil
}

// History returns up to limit commits, newest first. limit <= 0 returns all.
func (s *Store) History(limit int) ([]Commit, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	out := make([]Commit, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(commitsBucket).Cursor()
		for k, v := cur.Last(); k != nil; k, v = cur.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var c Commit
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decode commit %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
