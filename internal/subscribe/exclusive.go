package subscribe

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/flowmq/broker/internal/metacache"
	"github.com/flowmq/broker/internal/metrics"
	"github.com/flowmq/broker/internal/mqttpkt"
	"github.com/flowmq/broker/internal/storage"
)

// groupID is the consumer-group namespace an exclusive subscription
// reads from: "system_sub_" ++ client_id.
func groupID(clientID string) string { return "system_sub_" + clientID }

// Sink delivers a decoded packet to a specific connection over the
// broadcast channel bound to its protocol version. Implemented by the
// wire layer; the engine never touches a socket directly.
type Sink interface {
	Send(connID uint64, protocol mqttpkt.ProtocolVersion, packet any) error
}

const (
	recordBatchSize  = 5
	emptyBatchWait   = 100 * time.Millisecond
	offlineRetryWait = 50 * time.Millisecond
	ackTimeout       = 5 * time.Second
)

type ackStage string

const (
	stagePuback  ackStage = "puback"
	stagePubrec  ackStage = "pubrec"
	stagePubcomp ackStage = "pubcomp"
)

type ackKey struct {
	clientID string
	pkid     uint16
	stage    ackStage
}

// Engine is the exclusive delivery engine (spec component E): one push
// loop per exclusive subscription descriptor, pulling committed records
// from the message log and forwarding them to the subscribing client.
type Engine struct {
	registry *Registry
	cache    *metacache.Cache
	store    storage.Store
	sink     Sink

	mu         sync.Mutex
	pushThread map[string]chan struct{} // descriptor key -> stop signal

	ackMu      sync.Mutex
	ackWaiters map[ackKey]chan mqttpkt.ReasonCode
}

func NewEngine(registry *Registry, cache *metacache.Cache, store storage.Store, sink Sink) *Engine {
	e := &Engine{
		registry:   registry,
		cache:      cache,
		store:      store,
		sink:       sink,
		pushThread: make(map[string]chan struct{}),
		ackWaiters: make(map[ackKey]chan mqttpkt.ReasonCode),
	}
	registry.OnSubscriptionRemoved(e.stopPushLoop)
	return e
}

// Run is the once-per-second supervisor: it snapshots the exclusive
// subscription set and starts a push loop for every descriptor that
// doesn't have one yet.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		e.startMissingPushLoops(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) startMissingPushLoops(ctx context.Context) {
	for _, d := range e.registry.SnapshotExclusive() {
		key := d.key()

		e.mu.Lock()
		if _, running := e.pushThread[key]; running {
			e.mu.Unlock()
			continue
		}
		stop := make(chan struct{})
		e.pushThread[key] = stop
		e.mu.Unlock()

		go e.pushLoop(ctx, d, stop)
	}
}

func (e *Engine) stopPushLoop(d Descriptor) {
	e.mu.Lock()
	stop, ok := e.pushThread[d.key()]
	if ok {
		delete(e.pushThread, d.key())
	}
	e.mu.Unlock()
	if ok {
		close(stop)
	}
}

func (e *Engine) pushLoop(ctx context.Context, d Descriptor, stop chan struct{}) {
	log.Printf("exclusive push loop for client %q topic %q started", d.ClientID, d.TopicFilter)
	metrics.ExclusivePushLoops.Inc()
	defer metrics.ExclusivePushLoops.Dec()
	defer log.Printf("exclusive push loop for client %q topic %q stopped", d.ClientID, d.TopicFilter)

	group := groupID(d.ClientID)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		connID, ok := e.cache.GetConnectID(d.ClientID)
		if !ok {
			if !sleepOrStop(ctx, stop, offlineRetryWait) {
				return
			}
			continue
		}

		records, err := e.store.ReadTopicMessage(ctx, d.TopicID, group, recordBatchSize)
		if err != nil {
			log.Printf("push loop %s/%s: read failed: %v", d.ClientID, d.TopicFilter, err)
			if !sleepOrStop(ctx, stop, emptyBatchWait) {
				return
			}
			continue
		}
		if len(records) == 0 {
			if !sleepOrStop(ctx, stop, emptyBatchWait) {
				return
			}
			continue
		}

		var committed uint64
		haveCommitted := false
		for _, rec := range records {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			default:
			}

			if d.NoLocal && rec.ClientID == d.ClientID {
				committed, haveCommitted = rec.Offset, true
				continue
			}

			if !e.deliver(ctx, connID, d, rec, stop) {
				// Delivery handshake didn't complete; stop here and
				// retry this record (and everything after it) next
				// iteration instead of skipping ahead.
				break
			}
			committed, haveCommitted = rec.Offset, true
		}

		if haveCommitted {
			if err := e.store.CommitGroupOffset(ctx, d.TopicID, group, committed); err != nil {
				log.Printf("push loop %s/%s: commit offset failed: %v", d.ClientID, d.TopicFilter, err)
				continue
			}
			metrics.OffsetsCommittedTotal.WithLabelValues(d.TopicID).Inc()
		}
	}
}

// deliver sends one record to the subscriber and drives its QoS
// handshake to completion, returning false if the handshake could not
// be completed (so the caller knows not to advance past this record).
func (e *Engine) deliver(ctx context.Context, connID uint64, d Descriptor, rec storage.Record, stop chan struct{}) bool {
	qos := mqttpkt.MinQoS(mqttpkt.QoS(rec.QoS), d.QoS)
	retain := d.PreserveRetain && rec.Retain

	props := &mqttpkt.Properties{}
	if d.SubscriptionIdentifier != nil {
		props.SubscriptionIdentifier = d.SubscriptionIdentifier
	}
	props.AddUserProperty("offset", strconv.FormatUint(rec.Offset, 10))

	pub := mqttpkt.Publish{
		QoS:        qos,
		Retain:     retain,
		Topic:      d.TopicName,
		PacketID:   d.PacketIdentifier,
		Payload:    rec.Payload,
		Properties: props,
	}

	switch qos {
	case mqttpkt.QoS0:
		if err := e.sink.Send(connID, d.Protocol, pub); err != nil {
			log.Printf("push loop %s/%s: send failed: %v", d.ClientID, d.TopicFilter, err)
		}
		return true

	case mqttpkt.QoS1:
		waiter := e.registerAck(d.ClientID, d.PacketIdentifier, stagePuback)
		defer e.clearAck(d.ClientID, d.PacketIdentifier, stagePuback)
		if err := e.sink.Send(connID, d.Protocol, pub); err != nil {
			log.Printf("push loop %s/%s: send failed: %v", d.ClientID, d.TopicFilter, err)
			return false
		}
		return awaitAck(ctx, stop, waiter)

	case mqttpkt.QoS2:
		rec1 := e.registerAck(d.ClientID, d.PacketIdentifier, stagePubrec)
		if err := e.sink.Send(connID, d.Protocol, pub); err != nil {
			e.clearAck(d.ClientID, d.PacketIdentifier, stagePubrec)
			log.Printf("push loop %s/%s: send failed: %v", d.ClientID, d.TopicFilter, err)
			return false
		}
		if !awaitAck(ctx, stop, rec1) {
			e.clearAck(d.ClientID, d.PacketIdentifier, stagePubrec)
			return false
		}
		e.clearAck(d.ClientID, d.PacketIdentifier, stagePubrec)

		comp := e.registerAck(d.ClientID, d.PacketIdentifier, stagePubcomp)
		defer e.clearAck(d.ClientID, d.PacketIdentifier, stagePubcomp)
		rel := mqttpkt.Pubrel{PacketID: d.PacketIdentifier, ReasonCode: mqttpkt.ReasonSuccess}
		if err := e.sink.Send(connID, d.Protocol, rel); err != nil {
			log.Printf("push loop %s/%s: send pubrel failed: %v", d.ClientID, d.TopicFilter, err)
			return false
		}
		return awaitAck(ctx, stop, comp)
	}
	return true
}

func (e *Engine) registerAck(clientID string, pkid uint16, stage ackStage) chan mqttpkt.ReasonCode {
	ch := make(chan mqttpkt.ReasonCode, 1)
	e.ackMu.Lock()
	e.ackWaiters[ackKey{clientID, pkid, stage}] = ch
	e.ackMu.Unlock()
	return ch
}

func (e *Engine) clearAck(clientID string, pkid uint16, stage ackStage) {
	e.ackMu.Lock()
	delete(e.ackWaiters, ackKey{clientID, pkid, stage})
	e.ackMu.Unlock()
}

// complete delivers an inbound ack to whichever push loop is waiting on
// it. It is a no-op if nothing is waiting (e.g. a duplicate ack).
func (e *Engine) complete(clientID string, pkid uint16, stage ackStage, code mqttpkt.ReasonCode) bool {
	e.ackMu.Lock()
	ch, ok := e.ackWaiters[ackKey{clientID, pkid, stage}]
	e.ackMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- code:
	default:
	}
	return true
}

// CompletePuback advances a QoS 1 delivery awaiting PUBACK from the
// subscriber named clientID.
func (e *Engine) CompletePuback(clientID string, pkid uint16, code mqttpkt.ReasonCode) bool {
	return e.complete(clientID, pkid, stagePuback, code)
}

// CompletePubrec advances a QoS 2 delivery's first phase.
func (e *Engine) CompletePubrec(clientID string, pkid uint16, code mqttpkt.ReasonCode) bool {
	return e.complete(clientID, pkid, stagePubrec, code)
}

// CompletePubcomp advances a QoS 2 delivery's final phase.
func (e *Engine) CompletePubcomp(clientID string, pkid uint16, code mqttpkt.ReasonCode) bool {
	return e.complete(clientID, pkid, stagePubcomp, code)
}

func awaitAck(ctx context.Context, stop chan struct{}, ch chan mqttpkt.ReasonCode) bool {
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

func sleepOrStop(ctx context.Context, stop chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
