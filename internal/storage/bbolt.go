package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var (
	shardsBucket   = []byte("shards")
	offsetsBucket  = []byte("offsets")
	retainedBucket = []byte("retained")
	lastwillBucket = []byte("lastwill")

	recordsSubBucket   = []byte("records")
	nextOffsetKey      = []byte("next_offset")
)

// BboltStore implements Store over an embedded bbolt database, one
// nested bucket per shard. It is the default production adapter,
// generalized from the teacher's flat session/message/retained/inflight
// buckets into the shard+offset model spec component B requires.
type BboltStore struct {
	db *bbolt.DB
}

// NewBboltStore opens (creating if absent) a bbolt-backed shard store.
// The parent directory of path must already exist.
func NewBboltStore(path string) (*BboltStore, error) {
	_ = filepath.Dir(path)

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{shardsBucket, offsetsBucket, retainedBucket, lastwillBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db}, nil
}

func (s *BboltStore) CreateShard(_ context.Context, shardName string, _ ShardConfig) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		shards := tx.Bucket(shardsBucket)
		shard, err := shards.CreateBucketIfNotExists([]byte(shardName))
		if err != nil {
			return err
		}
		if _, err := shard.CreateBucketIfNotExists(recordsSubBucket); err != nil {
			return err
		}
		if shard.Get(nextOffsetKey) == nil {
			return shard.Put(nextOffsetKey, encodeUint64(0))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *BboltStore) AppendTopicMessage(_ context.Context, topicID string, records []Record) ([]uint64, error) {
	offsets := make([]uint64, 0, len(records))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		shard := tx.Bucket(shardsBucket).Bucket([]byte(topicID))
		if shard == nil {
			return ErrNotFound
		}
		recs := shard.Bucket(recordsSubBucket)
		next := decodeUint64(shard.Get(nextOffsetKey))
		for _, r := range records {
			r.Offset = next
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := recs.Put(encodeUint64(next), data); err != nil {
				return err
			}
			offsets = append(offsets, next)
			next++
		}
		return shard.Put(nextOffsetKey, encodeUint64(next))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return offsets, nil
}

func (s *BboltStore) ReadTopicMessage(_ context.Context, topicID, groupID string, maxRecords int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		shard := tx.Bucket(shardsBucket).Bucket([]byte(topicID))
		if shard == nil {
			return ErrNotFound
		}
		recs := shard.Bucket(recordsSubBucket)

		committed := uint64(0)
		if v := tx.Bucket(offsetsBucket).Get(offsetKey(topicID, groupID)); v != nil {
			committed = decodeUint64(v)
		}

		c := recs.Cursor()
		for k, v := c.Seek(encodeUint64(committed)); k != nil && len(out) < maxRecords; k, v = c.Next() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *BboltStore) CommitGroupOffset(_ context.Context, topicID, groupID string, offset uint64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(offsetsBucket)
		key := offsetKey(topicID, groupID)
		if cur := b.Get(key); cur != nil && decodeUint64(cur) >= offset+1 {
			// monotonic: never move the committed offset backwards
			return nil
		}
		return b.Put(key, encodeUint64(offset+1))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *BboltStore) SaveRetainMessage(_ context.Context, topicID string, msg Message) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(retainedBucket)
		if len(msg.Payload) == 0 {
			return b.Delete([]byte(topicID))
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return b.Put([]byte(topicID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *BboltStore) GetRetainMessage(_ context.Context, topicID string) (Message, error) {
	var msg Message
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(retainedBucket).Get([]byte(topicID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &msg)
	})
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !found {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (s *BboltStore) SaveLastWill(_ context.Context, clientID string, lw Message) error {
	data, err := json.Marshal(lw)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(lastwillBucket).Put([]byte(clientID), data)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *BboltStore) TakeLastWill(_ context.Context, clientID string) (Message, error) {
	var msg Message
	found := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(lastwillBucket)
		data := b.Get([]byte(clientID))
		if data == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return b.Delete([]byte(clientID))
	})
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !found {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

func offsetKey(topicID, groupID string) []byte {
	return []byte(topicID + "/" + groupID)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
