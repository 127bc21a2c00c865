package handler

import (
	"context"
	"log"

	"github.com/flowmq/broker/internal/brokererr"
	"github.com/flowmq/broker/internal/metrics"
	"github.com/flowmq/broker/internal/mqttpkt"
	"github.com/flowmq/broker/internal/storage"
	"github.com/flowmq/broker/internal/subscribe"
)

// Subscribe handles a SUBSCRIBE packet: resolves every filter to a
// topic (creating it on first reference), registers the resulting
// descriptors, and immediately delivers any matching retained message.
func (h *Handler) Subscribe(ctx context.Context, connID uint64, protocol mqttpkt.ProtocolVersion, pkt mqttpkt.Subscribe) (mqttpkt.Suback, error) {
	metrics.MessagesReceived.WithLabelValues("subscribe").Inc()

	clientID, ok := h.cache.GetClientID(connID)
	if !ok {
		return mqttpkt.Suback{}, brokererr.Wrap("subscribe", brokererr.ErrNotFoundConnection)
	}

	descriptors, err := h.registry.ParseSubscribe(protocol, clientID, pkt, func(name string) (string, error) {
		return h.resolveTopic(ctx, name)
	})
	if err != nil {
		return mqttpkt.Suback{}, brokererr.Wrap("subscribe: resolve topic", err)
	}

	codes := make([]mqttpkt.ReasonCode, len(descriptors))
	for i, d := range descriptors {
		codes[i] = mqttpkt.ReasonCode(d.QoS)
		h.deliverRetained(ctx, connID, d)
	}

	return mqttpkt.Suback{PacketID: pkt.PacketID, ReasonCodes: codes}, nil
}

// deliverRetained sends the topic's retained message (if any) to a
// freshly subscribed client, per MQTT v5 §3.8.4: a new subscription
// gets an immediate retained-message delivery independent of the
// exclusive engine's poll loop.
func (h *Handler) deliverRetained(ctx context.Context, connID uint64, d subscribe.Descriptor) {
	msg, err := h.store.GetRetainMessage(ctx, d.TopicID)
	if err != nil {
		if err != storage.ErrNotFound {
			log.Printf("subscribe %s/%s: get retained failed: %v", d.ClientID, d.TopicFilter, err)
		}
		return
	}

	props := &mqttpkt.Properties{}
	if d.SubscriptionIdentifier != nil {
		props.SubscriptionIdentifier = d.SubscriptionIdentifier
	}
	pub := mqttpkt.Publish{
		QoS:        mqttpkt.MinQoS(mqttpkt.QoS(msg.QoS), d.QoS),
		Retain:     true,
		Topic:      d.TopicName,
		PacketID:   d.PacketIdentifier,
		Payload:    msg.Payload,
		Properties: props,
	}
	if h.sink != nil {
		if err := h.sink.Send(connID, d.Protocol, pub); err != nil {
			log.Printf("subscribe %s/%s: deliver retained failed: %v", d.ClientID, d.TopicFilter, err)
		}
	}
}

// Unsubscribe handles an UNSUBSCRIBE packet, removing the caller's
// subscriptions for every named filter.
func (h *Handler) Unsubscribe(_ context.Context, connID uint64, pkt mqttpkt.Unsubscribe) (mqttpkt.Unsuback, error) {
	metrics.MessagesReceived.WithLabelValues("unsubscribe").Inc()

	clientID, ok := h.cache.GetClientID(connID)
	if !ok {
		return mqttpkt.Unsuback{}, brokererr.Wrap("unsubscribe", brokererr.ErrNotFoundConnection)
	}

	topicIDs := make([]string, 0, len(pkt.Filters))
	for _, f := range pkt.Filters {
		bare, _ := subscribe.ParseFilter(f)
		if t, ok := h.cache.GetTopicByName(bare); ok {
			topicIDs = append(topicIDs, t.ID)
		}
	}
	h.registry.RemoveByTopicIDs(clientID, topicIDs)

	codes := make([]mqttpkt.ReasonCode, len(pkt.Filters))
	for i := range codes {
		codes[i] = mqttpkt.ReasonSuccess
	}
	return mqttpkt.Unsuback{PacketID: pkt.PacketID, ReasonCodes: codes}, nil
}

// Pingreq handles a PINGREQ packet: a live connection/keep-alive tuple
// is required to answer it, exactly as CONNECT requires one to create
// it. A connection with no tracked tuple (never connected, or already
// reaped) is told to go elsewhere instead of being answered.
func (h *Handler) Pingreq(_ context.Context, connID uint64, _ mqttpkt.Pingreq) (mqttpkt.Pingresp, error) {
	metrics.MessagesReceived.WithLabelValues("pingreq").Inc()

	if _, ok := h.cache.GetClientID(connID); !ok {
		h.sendUseAnotherServer(connID)
		return mqttpkt.Pingresp{}, brokererr.Wrap("pingreq", brokererr.ErrNotFoundConnection)
	}

	lt, ok := h.heartbeat.Get(connID)
	if !ok {
		h.sendUseAnotherServer(connID)
		return mqttpkt.Pingresp{}, brokererr.Wrap("pingreq", brokererr.ErrNotFoundConnection)
	}

	h.heartbeat.ReportHeartbeat(connID, lt)
	return mqttpkt.Pingresp{}, nil
}

func (h *Handler) sendUseAnotherServer(connID uint64) {
	if h.sink == nil {
		return
	}
	disc := mqttpkt.Disconnect{ReasonCode: mqttpkt.ReasonUseAnotherServer}
	_ = h.sink.Send(connID, 0, disc)
}
