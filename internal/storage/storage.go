// Package storage defines the message storage facade (spec component
// B): a thin typed API in front of a pluggable append-only shard store.
// The log-structured store itself — and the guarantee that offsets are
// durable across restarts — is an external collaborator; this package
// specifies the shape the broker core depends on, plus a bbolt-backed
// adapter (BboltStore) implementing it.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable surfaces any failure reaching the backing store.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrNotFound is returned by reads that find nothing (retained
	// message, last-will) and by appends/reads on a shard that does not
	// exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by create operations that collide with
	// an incompatible existing resource.
	ErrConflict = errors.New("conflict")
)

// ShardConfig configures a newly created shard. The zero value is the
// default configuration.
type ShardConfig struct {
	ReplicaNum uint32
}

// Record is a single message as persisted in a shard.
type Record struct {
	Offset     uint64
	ClientID   string
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Properties map[string]string
}

// Message is the payload stored for a retained message or a last-will.
type Message struct {
	ClientID   string
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Properties map[string]string
}

// Store is the message storage facade every packet handler and the
// exclusive delivery engine depend on. Implementations must make
// create_shard idempotent and commit_group_offset monotonic.
type Store interface {
	CreateShard(ctx context.Context, shardName string, cfg ShardConfig) error
	AppendTopicMessage(ctx context.Context, topicID string, records []Record) ([]uint64, error)
	ReadTopicMessage(ctx context.Context, topicID, groupID string, maxRecords int) ([]Record, error)
	CommitGroupOffset(ctx context.Context, topicID, groupID string, offset uint64) error

	SaveRetainMessage(ctx context.Context, topicID string, msg Message) error
	GetRetainMessage(ctx context.Context, topicID string) (Message, error)

	SaveLastWill(ctx context.Context, clientID string, lw Message) error
	TakeLastWill(ctx context.Context, clientID string) (Message, error)

	Close() error
}
