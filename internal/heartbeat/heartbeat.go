// Package heartbeat implements the keep-alive supervisor (spec
// component C): it tracks the last heartbeat seen per connection and
// reaps connections that go quiet for longer than 1.5x their keep-alive.
package heartbeat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/flowmq/broker/internal/metrics"
	"github.com/flowmq/broker/internal/mqttpkt"
)

// LiveTime is the state tracked per connection.
type LiveTime struct {
	Protocol     mqttpkt.ProtocolVersion
	KeepAlive    uint16 // seconds; 0 means "no keep-alive timeout"
	LastHeartbeat time.Time
}

// ExpiryHandler is invoked once per expired connection, outside of any
// lock held by the Supervisor.
type ExpiryHandler func(connID uint64)

// Supervisor tracks connection liveness and reaps idle connections.
type Supervisor struct {
	mu      sync.Mutex
	clients map[uint64]LiveTime

	onExpire ExpiryHandler
	tick     time.Duration
	now      func() time.Time
}

// New creates a Supervisor. onExpire is called for each connection the
// reaper decides is dead. The reaper scans once per second (the tick
// field).
func New(onExpire ExpiryHandler) *Supervisor {
	return &Supervisor{
		clients:  make(map[uint64]LiveTime),
		onExpire: onExpire,
		tick:     time.Second,
		now:      time.Now,
	}
}

// ReportHeartbeat records connection activity. Called on CONNECT,
// PINGREQ, and any other packet MQTT v5 treats as heartbeat-equivalent.
func (s *Supervisor) ReportHeartbeat(connID uint64, lt LiveTime) {
	lt.LastHeartbeat = s.now()
	s.mu.Lock()
	_, existed := s.clients[connID]
	s.clients[connID] = lt
	s.mu.Unlock()
	if !existed {
		metrics.HeartbeatTracked.Inc()
	}
}

// Get returns the currently tracked liveness tuple for a connection, so
// a later heartbeat-equivalent packet (e.g. PINGREQ) can re-report it
// without needing to know the connection's protocol/keep-alive again.
func (s *Supervisor) Get(connID uint64) (LiveTime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lt, ok := s.clients[connID]
	return lt, ok
}

// RemoveConnect drops tracking for a connection, e.g. on DISCONNECT or
// take-over.
func (s *Supervisor) RemoveConnect(connID uint64) {
	s.mu.Lock()
	_, existed := s.clients[connID]
	delete(s.clients, connID)
	s.mu.Unlock()
	if existed {
		metrics.HeartbeatTracked.Dec()
	}
}

// Run scans for expired connections once per tick until ctx is
// cancelled. It is meant to be started as a single cooperative task.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Supervisor) sweep() {
	now := s.now()
	var expired []uint64

	s.mu.Lock()
	for connID, lt := range s.clients {
		if lt.KeepAlive == 0 {
			continue
		}
		deadline := time.Duration(float64(lt.KeepAlive) * 1.5 * float64(time.Second))
		if now.Sub(lt.LastHeartbeat) > deadline {
			expired = append(expired, connID)
		}
	}
	for _, connID := range expired {
		delete(s.clients, connID)
	}
	s.mu.Unlock()

	for _, connID := range expired {
		metrics.HeartbeatTracked.Dec()
		metrics.ConnectionsExpiredTotal.Inc()
		log.Printf("connection %d expired: no heartbeat within keep-alive window", connID)
		if s.onExpire != nil {
			s.onExpire(connID)
		}
	}
}
