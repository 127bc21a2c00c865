// Package replicatedlog defines the client_write interface the
// metadata-mutation RPC surface (spec component G) submits every
// shard/segment mutation through, a single-node in-memory
// implementation used where no real replicated log is configured, and a
// hashicorp/raft-backed implementation (RaftLog). The consensus
// algorithm itself is not implemented here; RaftLog delegates it to
// hashicorp/raft.
package replicatedlog

import (
	"context"
	"sync"
)

// Entry is one mutation submitted to the log.
type Entry struct {
	Kind    string
	Payload []byte
}

// Log is the interface the engine package drives. client_write blocks
// until the entry is durable (or definitively rejected); it never
// returns before that, matching the teacher's storage append
// semantics.
type Log interface {
	ClientWrite(ctx context.Context, entry Entry) error
	Close() error
}

// MemoryLog is a single-node Log: appends never fail once accepted, and
// there is nothing to replicate to. It backs tests and any deployment
// that configures cluster.replicated_log: memory.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) ClientWrite(_ context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *MemoryLog) Close() error { return nil }

// Entries returns a snapshot of every entry committed so far, in order.
func (l *MemoryLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
