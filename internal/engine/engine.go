// Package engine implements the metadata-mutation RPC surface (spec
// component G): create/delete/get operations over shards and segments,
// each submitted to the replicated log as a StorageData entry before
// the storage facade is told to act on it.
package engine

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flowmq/broker/internal/metrics"
	"github.com/flowmq/broker/internal/replicatedlog"
	"github.com/flowmq/broker/internal/storage"
)

// StorageData is the payload wrapper every metadata mutation is
// serialized into before being submitted through client_write, so the
// replicated log only ever has to carry one entry shape.
type StorageData struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

const (
	KindCreateShard   = "create_shard"
	KindDeleteShard   = "delete_shard"
	KindCreateSegment = "create_segment"
	KindDeleteSegment = "delete_segment"
)

// Server implements the metadata-mutation operations. It does not
// expose a gRPC service directly — no wire schema is generated for it,
// since schema generation sits outside this module's build step — but
// every operation uses grpc's status/codes error model so a future
// transport can surface it unchanged.
type Server struct {
	log   replicatedlog.Log
	store storage.Store
}

func New(log replicatedlog.Log, store storage.Store) *Server {
	return &Server{log: log, store: store}
}

func (s *Server) submit(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.EngineRPCRequestsTotal.WithLabelValues(kind, "error").Inc()
		return status.Errorf(codes.Internal, "marshal %s: %v", kind, err)
	}
	entry := StorageData{Kind: kind, Payload: data}
	entryData, err := json.Marshal(entry)
	if err != nil {
		metrics.EngineRPCRequestsTotal.WithLabelValues(kind, "error").Inc()
		return status.Errorf(codes.Internal, "marshal entry %s: %v", kind, err)
	}

	if err := s.log.ClientWrite(ctx, replicatedlog.Entry{Kind: kind, Payload: entryData}); err != nil {
		metrics.EngineRPCRequestsTotal.WithLabelValues(kind, "cancelled").Inc()
		return status.Errorf(codes.Canceled, "%s: replicated log write failed: %v", kind, err)
	}
	return nil
}

// Every request names the shard the engine mutates;
// CreateShardRequest/CreateSegmentRequest additionally carry its
// replication factor.
type CreateShardRequest struct {
	ShardName  string `json:"shard_name"`
	ReplicaNum uint32 `json:"replica_num"`
}

type DeleteShardRequest struct {
	ShardName string `json:"shard_name"`
}

type CreateSegmentRequest struct {
	ShardName  string `json:"shard_name"`
	ReplicaNum uint32 `json:"replica_num"`
}

type DeleteSegmentRequest struct {
	ShardName string `json:"shard_name"`
}

// CreateShard submits the mutation to the replicated log, then performs
// it against the local storage facade. Idempotent: a shard that already
// exists is left untouched.
func (s *Server) CreateShard(ctx context.Context, req CreateShardRequest) error {
	if err := s.submit(ctx, KindCreateShard, req); err != nil {
		return err
	}
	if err := s.store.CreateShard(ctx, req.ShardName, storage.ShardConfig{ReplicaNum: req.ReplicaNum}); err != nil {
		metrics.EngineRPCRequestsTotal.WithLabelValues(KindCreateShard, "error").Inc()
		return status.Errorf(codes.Internal, "create shard: %v", err)
	}
	metrics.EngineRPCRequestsTotal.WithLabelValues(KindCreateShard, "ok").Inc()
	return nil
}

// CreateSegment is modeled on the same shard-per-topic storage facade
// as CreateShard: the reference system's finer-grained segment
// abstraction collapses onto the broker's one-shard-per-topic shape, so
// creating a segment is creating (or confirming) its parent shard.
func (s *Server) CreateSegment(ctx context.Context, req CreateSegmentRequest) error {
	if err := s.submit(ctx, KindCreateSegment, req); err != nil {
		return err
	}
	if err := s.store.CreateShard(ctx, req.ShardName, storage.ShardConfig{ReplicaNum: req.ReplicaNum}); err != nil {
		metrics.EngineRPCRequestsTotal.WithLabelValues(KindCreateSegment, "error").Inc()
		return status.Errorf(codes.Internal, "create segment: %v", err)
	}
	metrics.EngineRPCRequestsTotal.WithLabelValues(KindCreateSegment, "ok").Inc()
	return nil
}

// DeleteShard and DeleteSegment only record the mutation intent in the
// replicated log: the storage facade has no shard/segment teardown
// operation (out of scope per the storage facade's own spec), so the
// durable record of the deletion is the operation's entire effect until
// a compaction pass acts on it.
func (s *Server) DeleteShard(ctx context.Context, req DeleteShardRequest) error {
	if err := s.submit(ctx, KindDeleteShard, req); err != nil {
		return err
	}
	metrics.EngineRPCRequestsTotal.WithLabelValues(KindDeleteShard, "ok").Inc()
	return nil
}

func (s *Server) DeleteSegment(ctx context.Context, req DeleteSegmentRequest) error {
	if err := s.submit(ctx, KindDeleteSegment, req); err != nil {
		return err
	}
	metrics.EngineRPCRequestsTotal.WithLabelValues(KindDeleteSegment, "ok").Inc()
	return nil
}

// GetShard reports whether a shard is currently known to storage by
// probing it with a zero-record read; the storage facade does not
// expose shard listing, only per-topic reads.
func (s *Server) GetShard(ctx context.Context, shardName string) (bool, error) {
	if _, err := s.store.ReadTopicMessage(ctx, shardName, "__engine_probe__", 0); err != nil {
		if err == storage.ErrNotFound {
			return false, nil
		}
		return false, status.Errorf(codes.Internal, "get shard: %v", err)
	}
	return true, nil
}
