package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestBboltStore(t *testing.T) *BboltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mqtt.db")
	s, err := NewBboltStore(path)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBboltCreateShardIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestBboltStore(t)

	if err := s.CreateShard(ctx, "shard-a", ShardConfig{}); err != nil {
		t.Fatalf("first CreateShard: %v", err)
	}
	if err := s.CreateShard(ctx, "shard-a", ShardConfig{}); err != nil {
		t.Fatalf("second CreateShard: %v", err)
	}

	if _, err := s.AppendTopicMessage(ctx, "shard-a", []Record{{Payload: []byte("x")}}); err != nil {
		t.Fatalf("AppendTopicMessage after repeat CreateShard: %v", err)
	}
}

func TestBboltAppendAndReadTopicMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestBboltStore(t)
	s.CreateShard(ctx, "shard-a", ShardConfig{})

	offsets, err := s.AppendTopicMessage(ctx, "shard-a", []Record{
		{Payload: []byte("a")},
		{Payload: []byte("b")},
	})
	if err != nil {
		t.Fatalf("AppendTopicMessage: %v", err)
	}
	if len(offsets) != 2 || offsets[0] != 0 || offsets[1] != 1 {
		t.Fatalf("offsets = %v; want [0 1]", offsets)
	}

	recs, err := s.ReadTopicMessage(ctx, "shard-a", "group-1", 10)
	if err != nil {
		t.Fatalf("ReadTopicMessage: %v", err)
	}
	if len(recs) != 2 || string(recs[0].Payload) != "a" || string(recs[1].Payload) != "b" {
		t.Fatalf("ReadTopicMessage = %v; want [a b]", recs)
	}
}

func TestBboltCommitGroupOffsetIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestBboltStore(t)
	s.CreateShard(ctx, "shard-a", ShardConfig{})
	s.AppendTopicMessage(ctx, "shard-a", []Record{{Payload: []byte("a")}, {Payload: []byte("b")}, {Payload: []byte("c")}})

	if err := s.CommitGroupOffset(ctx, "shard-a", "g1", 1); err != nil {
		t.Fatalf("CommitGroupOffset: %v", err)
	}
	if err := s.CommitGroupOffset(ctx, "shard-a", "g1", 0); err != nil {
		t.Fatalf("CommitGroupOffset backwards: %v", err)
	}

	recs, _ := s.ReadTopicMessage(ctx, "shard-a", "g1", 10)
	if len(recs) != 1 || string(recs[0].Payload) != "c" {
		t.Fatalf("ReadTopicMessage after commit = %v; want only [c]", recs)
	}
}

func TestBboltRetainedMessageRoundTripAndClear(t *testing.T) {
	ctx := context.Background()
	s := newTestBboltStore(t)

	if _, err := s.GetRetainMessage(ctx, "shard-a"); err != ErrNotFound {
		t.Fatalf("GetRetainMessage before save = %v; want ErrNotFound", err)
	}

	if err := s.SaveRetainMessage(ctx, "shard-a", Message{Payload: []byte("retained")}); err != nil {
		t.Fatalf("SaveRetainMessage: %v", err)
	}
	got, err := s.GetRetainMessage(ctx, "shard-a")
	if err != nil || string(got.Payload) != "retained" {
		t.Fatalf("GetRetainMessage = %v, %v; want retained, nil", got, err)
	}

	if err := s.SaveRetainMessage(ctx, "shard-a", Message{}); err != nil {
		t.Fatalf("SaveRetainMessage (clear): %v", err)
	}
	if _, err := s.GetRetainMessage(ctx, "shard-a"); err != ErrNotFound {
		t.Fatalf("GetRetainMessage after clear = %v; want ErrNotFound", err)
	}
}

func TestBboltLastWillIsConsumedOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestBboltStore(t)

	if err := s.SaveLastWill(ctx, "client-a", Message{Topic: "will/topic", Payload: []byte("bye")}); err != nil {
		t.Fatalf("SaveLastWill: %v", err)
	}

	got, err := s.TakeLastWill(ctx, "client-a")
	if err != nil || string(got.Payload) != "bye" {
		t.Fatalf("TakeLastWill = %v, %v; want bye, nil", got, err)
	}

	if _, err := s.TakeLastWill(ctx, "client-a"); err != ErrNotFound {
		t.Fatalf("second TakeLastWill = %v; want ErrNotFound", err)
	}
}

func TestBboltAppendToMissingShardFails(t *testing.T) {
	ctx := context.Background()
	s := newTestBboltStore(t)
	if _, err := s.AppendTopicMessage(ctx, "missing", []Record{{Payload: []byte("x")}}); err != ErrNotFound {
		t.Fatalf("AppendTopicMessage to missing shard = %v; want ErrNotFound", err)
	}
}

func TestBboltStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mqtt.db")

	s1, err := NewBboltStore(path)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	s1.CreateShard(ctx, "shard-a", ShardConfig{})
	s1.AppendTopicMessage(ctx, "shard-a", []Record{{Payload: []byte("persisted")}})
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewBboltStore(path)
	if err != nil {
		t.Fatalf("reopen NewBboltStore: %v", err)
	}
	defer s2.Close()

	recs, err := s2.ReadTopicMessage(ctx, "shard-a", "g1", 10)
	if err != nil || len(recs) != 1 || string(recs[0].Payload) != "persisted" {
		t.Fatalf("ReadTopicMessage after reopen = %v, %v; want [persisted], nil", recs, err)
	}
}
