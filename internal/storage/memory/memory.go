// Package memory implements storage.Store entirely in memory. It backs
// the "memory" storage.Backend option the teacher's cmd left stubbed
// out, and is the default for unit tests across the module.
package memory

import (
	"context"
	"sync"

	"github.com/flowmq/broker/internal/storage"
)

type shard struct {
	mu      sync.Mutex
	records []storage.Record
}

// Store is a storage.Store backed by plain Go maps, guarded by a single
// mutex per shard plus one for the top-level maps.
type Store struct {
	mu        sync.RWMutex
	shards    map[string]*shard
	offsets   map[string]uint64 // "topicID/groupID" -> next offset to read
	retained  map[string]storage.Message
	lastwills map[string]storage.Message
}

func New() *Store {
	return &Store{
		shards:    make(map[string]*shard),
		offsets:   make(map[string]uint64),
		retained:  make(map[string]storage.Message),
		lastwills: make(map[string]storage.Message),
	}
}

func (s *Store) CreateShard(_ context.Context, shardName string, _ storage.ShardConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shards[shardName]; !ok {
		s.shards[shardName] = &shard{}
	}
	return nil
}

func (s *Store) getShard(topicID string) (*shard, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shards[topicID]
	return sh, ok
}

func (s *Store) AppendTopicMessage(_ context.Context, topicID string, records []storage.Record) ([]uint64, error) {
	sh, ok := s.getShard(topicID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	offsets := make([]uint64, 0, len(records))
	for _, r := range records {
		r.Offset = uint64(len(sh.records))
		sh.records = append(sh.records, r)
		offsets = append(offsets, r.Offset)
	}
	return offsets, nil
}

func (s *Store) ReadTopicMessage(_ context.Context, topicID, groupID string, maxRecords int) ([]storage.Record, error) {
	sh, ok := s.getShard(topicID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s.mu.RLock()
	start := s.offsets[topicID+"/"+groupID]
	s.mu.RUnlock()

	if int(start) >= len(sh.records) {
		return nil, nil
	}
	end := int(start) + maxRecords
	if end > len(sh.records) {
		end = len(sh.records)
	}
	out := make([]storage.Record, end-int(start))
	copy(out, sh.records[start:end])
	return out, nil
}

func (s *Store) CommitGroupOffset(_ context.Context, topicID, groupID string, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := topicID + "/" + groupID
	if cur, ok := s.offsets[key]; ok && cur >= offset+1 {
		return nil
	}
	s.offsets[key] = offset + 1
	return nil
}

func (s *Store) SaveRetainMessage(_ context.Context, topicID string, msg storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msg.Payload) == 0 {
		delete(s.retained, topicID)
		return nil
	}
	s.retained[topicID] = msg
	return nil
}

func (s *Store) GetRetainMessage(_ context.Context, topicID string) (storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.retained[topicID]
	if !ok {
		return storage.Message{}, storage.ErrNotFound
	}
	return msg, nil
}

func (s *Store) SaveLastWill(_ context.Context, clientID string, lw storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastwills[clientID] = lw
	return nil
}

func (s *Store) TakeLastWill(_ context.Context, clientID string) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.lastwills[clientID]
	if !ok {
		return storage.Message{}, storage.ErrNotFound
	}
	delete(s.lastwills, clientID)
	return msg, nil
}

func (s *Store) Close() error { return nil }
