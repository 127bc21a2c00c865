package replicatedlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// RaftConfig configures a RaftLog node.
type RaftConfig struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	Peers     []raft.Server
}

// RaftLog is a Log backed by hashicorp/raft: client_write submits the
// entry through raft.Apply and blocks until it is committed to a
// majority of the cluster.
type RaftLog struct {
	r  *raft.Raft
	fsm *entryFSM
}

// entryFSM is the state machine every raft node replays: it just keeps
// every committed entry, since the broker core reads mutations back out
// through the storage facade rather than through the log itself.
type entryFSM struct {
	applied []Entry
}

func (f *entryFSM) Apply(l *raft.Log) interface{} {
	var e Entry
	if err := json.Unmarshal(l.Data, &e); err != nil {
		return err
	}
	f.applied = append(f.applied, e)
	return nil
}

func (f *entryFSM) Snapshot() (raft.FSMSnapshot, error) {
	data, err := json.Marshal(f.applied)
	if err != nil {
		return nil, err
	}
	return &entrySnapshot{data: data}, nil
}

func (f *entryFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	f.applied = entries
	return nil
}

type entrySnapshot struct{ data []byte }

func (s *entrySnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *entrySnapshot) Release() {}

// NewRaftLog starts (or rejoins) a raft node at cfg.DataDir, bound to
// cfg.BindAddr.
func NewRaftLog(cfg RaftConfig) (*RaftLog, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	fsm := &entryFSM{}
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	if cfg.Bootstrap {
		servers := append([]raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}}, cfg.Peers...)
		r.BootstrapCluster(raft.Configuration{Servers: servers})
	}

	return &RaftLog{r: r, fsm: fsm}, nil
}

func (l *RaftLog) ClientWrite(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	deadline := 10 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}

	future := l.r.Apply(data, deadline)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return fmt.Errorf("raft fsm apply: %w", err)
	}
	return nil
}

func (l *RaftLog) Close() error {
	return l.r.Shutdown().Error()
}
