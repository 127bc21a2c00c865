// Package handler implements the session/packet state machine (spec
// component F): one method per inbound MQTT v5 control packet, wiring
// the metadata cache, the message store, the subscription registry and
// the exclusive delivery engine together.
package handler

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmq/broker/internal/brokererr"
	"github.com/flowmq/broker/internal/heartbeat"
	"github.com/flowmq/broker/internal/metacache"
	"github.com/flowmq/broker/internal/metrics"
	"github.com/flowmq/broker/internal/mqttpkt"
	"github.com/flowmq/broker/internal/storage"
	"github.com/flowmq/broker/internal/subscribe"
)

// Authenticator validates a CONNECT packet's credentials. Implemented by
// internal/auth; nil disables authentication, so every CONNECT is
// admitted without a credential check.
type Authenticator interface {
	Authenticate(ctx context.Context, login *mqttpkt.Login) error
}

// Handler is the broker's packet state machine. One Handler instance is
// shared by every connection; per-connection state lives in the
// metadata cache, keyed by connection id.
type Handler struct {
	cache          *metacache.Cache
	store          storage.Store
	registry       *subscribe.Registry
	engine         *subscribe.Engine
	heartbeat      *heartbeat.Supervisor
	auth           Authenticator
	allowAnonymous bool
	sink           subscribe.Sink

	pendingMu   sync.Mutex
	pendingQoS2 map[pendingKey]pendingPublish // (conn_id, packet_id) -> deferred QoS2 publish
}

type pendingKey struct {
	connID   uint64
	packetID uint16
}

type pendingPublish struct {
	topicID string
	record  storage.Record
	retain  bool
}

func New(
	cache *metacache.Cache,
	store storage.Store,
	registry *subscribe.Registry,
	engine *subscribe.Engine,
	hb *heartbeat.Supervisor,
	auth Authenticator,
	allowAnonymous bool,
	sink subscribe.Sink,
) *Handler {
	return &Handler{
		cache:          cache,
		store:          store,
		registry:       registry,
		engine:         engine,
		heartbeat:      hb,
		auth:           auth,
		allowAnonymous: allowAnonymous,
		sink:           sink,
		pendingQoS2:    make(map[pendingKey]pendingPublish),
	}
}

func generateClientID() string {
	return "auto-" + uuid.NewString()
}

// Connect handles a CONNECT packet: authenticates, resolves take-over,
// creates or resumes a session, stores the last-will (if any), and
// starts heartbeat tracking.
func (h *Handler) Connect(ctx context.Context, connID uint64, pkt mqttpkt.Connect) (mqttpkt.Connack, error) {
	metrics.ConnectionsTotal.Inc()
	metrics.MessagesReceived.WithLabelValues("connect").Inc()

	anonymous := pkt.Login == nil || pkt.Login.Username == ""
	if h.auth != nil && !(anonymous && h.allowAnonymous) {
		if err := h.auth.Authenticate(ctx, pkt.Login); err != nil {
			return mqttpkt.Connack{ReasonCode: mqttpkt.ReasonNotAuthorized}, brokererr.Wrap("connect: authenticate", brokererr.ErrAuthFailure)
		}
	}

	clientID := pkt.ClientID
	assigned := ""
	if clientID == "" {
		clientID = generateClientID()
		assigned = clientID
	}

	// Take-over: an existing connection bound to this client id is
	// disconnected and its subscriptions torn down before the new
	// session is installed.
	if oldConnID, ok := h.cache.GetConnectID(clientID); ok {
		h.teardownConnection(oldConnID, clientID)
	}

	sessionPresent := false
	session, existed := h.cache.GetSession(clientID)
	if existed && !pkt.CleanStart {
		sessionPresent = true
		session.KeepAlive = pkt.KeepAlive
		session.ProtocolVersion = int(pkt.ProtocolVersion)
	} else {
		if existed {
			h.registry.RemoveAllForClient(clientID)
		}
		session = &metacache.Session{
			ClientID:        clientID,
			KeepAlive:       pkt.KeepAlive,
			CleanStart:      pkt.CleanStart,
			ProtocolVersion: int(pkt.ProtocolVersion),
		}
	}
	if pkt.ConnectProperties != nil && pkt.ConnectProperties.SessionExpiryInterval != nil {
		session.SessionExpiryInterval = *pkt.ConnectProperties.SessionExpiryInterval
	}
	session.SessionPresent = sessionPresent
	h.cache.SetSession(clientID, session)
	h.cache.SetClientID(connID, clientID)

	if pkt.LastWill != nil {
		session.HasLastWill = true
		session.LastWillDelayInterval = lastWillDelayFromProperties(pkt.LastWill.Properties)
		lw := storage.Message{
			ClientID: clientID,
			Topic:    pkt.LastWill.Topic,
			Payload:  pkt.LastWill.Payload,
			QoS:      byte(pkt.LastWill.QoS),
			Retain:   pkt.LastWill.Retain,
		}
		if err := h.store.SaveLastWill(ctx, clientID, lw); err != nil {
			log.Printf("connect %s: save last will failed: %v", clientID, err)
		}
	}

	h.heartbeat.ReportHeartbeat(connID, heartbeat.LiveTime{
		Protocol:  pkt.ProtocolVersion,
		KeepAlive: pkt.KeepAlive,
	})

	metrics.ClientsConnected.Inc()
	return mqttpkt.Connack{
		SessionPresent:   sessionPresent,
		ReasonCode:       mqttpkt.ReasonSuccess,
		AssignedClientID: assigned,
	}, nil
}

func (h *Handler) teardownConnection(connID uint64, clientID string) {
	h.registry.RemoveAllForClient(clientID)
	h.heartbeat.RemoveConnect(connID)
	h.cache.RemoveConnectID(connID)
	h.sendUseAnotherServer(connID)
}

// Disconnect handles a DISCONNECT packet: a clean disconnect (reason
// Success/NormalDisconnection) discards the last-will; any other reason
// leaves it in place to be delivered. Either way the connection's
// subscriptions are torn down, which stops the exclusive engine's push
// loops for it.
func (h *Handler) Disconnect(ctx context.Context, connID uint64, pkt mqttpkt.Disconnect) error {
	metrics.MessagesReceived.WithLabelValues("disconnect").Inc()
	clientID, ok := h.cache.GetClientID(connID)
	if !ok {
		return brokererr.Wrap("disconnect", brokererr.ErrNotFoundConnection)
	}

	if pkt.ReasonCode == mqttpkt.ReasonNormalDisconnection {
		if _, err := h.store.TakeLastWill(ctx, clientID); err != nil && err != storage.ErrNotFound {
			log.Printf("disconnect %s: discard last will failed: %v", clientID, err)
		}
	}

	h.registry.RemoveAllForClient(clientID)
	h.heartbeat.RemoveConnect(connID)
	h.cache.RemoveConnectID(connID)
	metrics.ClientsConnected.Dec()
	return nil
}

// Expire is the heartbeat supervisor's expiry callback: it publishes the
// connection's last-will (if any) and tears the connection down exactly
// like an unclean DISCONNECT, including its subscriptions.
func (h *Handler) Expire(connID uint64) {
	ctx := context.Background()
	clientID, ok := h.cache.GetClientID(connID)
	if !ok {
		return
	}
	h.publishLastWill(ctx, clientID)
	h.registry.RemoveAllForClient(clientID)
	h.cache.RemoveConnectID(connID)
	metrics.ClientsConnected.Dec()
}

func (h *Handler) publishLastWill(ctx context.Context, clientID string) {
	lw, err := h.store.TakeLastWill(ctx, clientID)
	if err != nil {
		return
	}
	topicID, err := h.resolveTopic(ctx, lw.Topic)
	if err != nil {
		log.Printf("last will %s: resolve topic failed: %v", clientID, err)
		return
	}
	rec := storage.Record{
		ClientID: clientID,
		Topic:    lw.Topic,
		Payload:  lw.Payload,
		QoS:      lw.QoS,
		Retain:   lw.Retain,
	}
	if _, err := h.store.AppendTopicMessage(ctx, topicID, []storage.Record{rec}); err != nil {
		log.Printf("last will %s: append failed: %v", clientID, err)
		return
	}
	if lw.Retain {
		if err := h.store.SaveRetainMessage(ctx, topicID, lw); err != nil {
			log.Printf("last will %s: save retained failed: %v", clientID, err)
		}
	}
}

// resolveTopic resolves a topic name to its shard id, creating the
// topic and its backing shard on first reference.
func (h *Handler) resolveTopic(ctx context.Context, name string) (string, error) {
	if t, ok := h.cache.GetTopicByName(name); ok {
		return t.ID, nil
	}
	id := newTopicID(name)
	if err := h.store.CreateShard(ctx, id, storage.ShardConfig{}); err != nil {
		return "", brokererr.Wrap("resolve topic: create shard", err)
	}
	h.cache.SetTopic(&metacache.Topic{Name: name, ID: id})
	return id, nil
}

func newTopicID(name string) string {
	return "topic-" + uuid.NewString() + "-" + name
}

func lastWillDelayFromProperties(p *mqttpkt.Properties) uint32 {
	if p == nil {
		return 0
	}
	return p.LastWillDelayInterval
}
