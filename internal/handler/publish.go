package handler

import (
	"context"
	"strconv"

	"github.com/flowmq/broker/internal/brokererr"
	"github.com/flowmq/broker/internal/metrics"
	"github.com/flowmq/broker/internal/mqttpkt"
	"github.com/flowmq/broker/internal/storage"
)

// Publish handles an inbound PUBLISH packet. QoS 0/1 messages are
// appended to the topic's shard immediately; QoS 2 messages are held
// pending the PUBREL that completes the exactly-once handshake, so a
// message can never become visible to subscribers before the publisher
// has committed to it. The returned Properties carry the committed
// offset as a user property, for the caller to attach to the PUBACK it
// sends back to the publisher; it is nil when nothing was committed yet
// (QoS 2, pending PUBREL).
func (h *Handler) Publish(ctx context.Context, connID uint64, pkt mqttpkt.Publish) (mqttpkt.QoS, mqttpkt.ReasonCode, *mqttpkt.Properties, error) {
	metrics.MessagesReceived.WithLabelValues("publish").Inc()

	clientID, ok := h.cache.GetClientID(connID)
	if !ok {
		return pkt.QoS, mqttpkt.ReasonUnspecifiedError, nil, brokererr.Wrap("publish", brokererr.ErrNotFoundConnection)
	}

	topicID, err := h.resolveTopic(ctx, pkt.Topic)
	if err != nil {
		return pkt.QoS, mqttpkt.ReasonUnspecifiedError, nil, err
	}

	props := map[string]string{}
	if pkt.Properties != nil {
		for _, up := range pkt.Properties.UserProperties {
			props[up.Key] = up.Value
		}
	}
	rec := storage.Record{
		ClientID:   clientID,
		Topic:      pkt.Topic,
		Payload:    pkt.Payload,
		QoS:        byte(pkt.QoS),
		Retain:     pkt.Retain,
		Properties: props,
	}

	switch pkt.QoS {
	case mqttpkt.QoS0, mqttpkt.QoS1:
		offset, err := h.commitPublish(ctx, topicID, rec)
		if err != nil {
			return pkt.QoS, mqttpkt.ReasonUnspecifiedError, nil, err
		}
		ackProps := &mqttpkt.Properties{}
		ackProps.AddUserProperty("offset", strconv.FormatUint(offset, 10))
		return pkt.QoS, mqttpkt.ReasonSuccess, ackProps, nil

	case mqttpkt.QoS2:
		h.pendingMu.Lock()
		h.pendingQoS2[pendingKey{connID, pkt.PacketID}] = pendingPublish{
			topicID: topicID,
			record:  rec,
			retain:  pkt.Retain,
		}
		h.pendingMu.Unlock()
		metrics.QoSMessagesInflight.WithLabelValues("2").Inc()
		return pkt.QoS, mqttpkt.ReasonSuccess, nil, nil
	}

	return pkt.QoS, mqttpkt.ReasonUnspecifiedError, nil, nil
}

// commitPublish appends rec to its topic's shard, saving it as the
// topic's retained message too when rec.Retain is set, and returns the
// offset it was assigned.
func (h *Handler) commitPublish(ctx context.Context, topicID string, rec storage.Record) (uint64, error) {
	offsets, err := h.store.AppendTopicMessage(ctx, topicID, []storage.Record{rec})
	if err != nil {
		return 0, brokererr.Wrap("publish: append", err)
	}
	if rec.Retain {
		msg := storage.Message{
			ClientID:   rec.ClientID,
			Topic:      rec.Topic,
			Payload:    rec.Payload,
			QoS:        rec.QoS,
			Retain:     true,
			Properties: rec.Properties,
		}
		if err := h.store.SaveRetainMessage(ctx, topicID, msg); err != nil {
			return 0, brokererr.Wrap("publish: save retained", err)
		}
	}
	metrics.MessagesSent.WithLabelValues("publish").Inc()
	return offsets[0], nil
}

// Puback handles a subscriber's acknowledgment of a QoS 1 delivery the
// exclusive engine made to it.
func (h *Handler) Puback(_ context.Context, connID uint64, pkt mqttpkt.Puback) error {
	metrics.MessagesReceived.WithLabelValues("puback").Inc()
	clientID, ok := h.cache.GetClientID(connID)
	if !ok {
		return brokererr.Wrap("puback", brokererr.ErrNotFoundConnection)
	}
	h.engine.CompletePuback(clientID, pkt.PacketID, pkt.ReasonCode)
	metrics.QoSMessagesInflight.WithLabelValues("1").Dec()
	return nil
}

// Pubrec handles a subscriber's first-phase acknowledgment of a QoS 2
// delivery the exclusive engine made to it. The engine itself sends the
// follow-up PUBREL once this unblocks its push loop.
func (h *Handler) Pubrec(_ context.Context, connID uint64, pkt mqttpkt.Pubrec) error {
	metrics.MessagesReceived.WithLabelValues("pubrec").Inc()
	clientID, ok := h.cache.GetClientID(connID)
	if !ok {
		return brokererr.Wrap("pubrec", brokererr.ErrNotFoundConnection)
	}
	h.engine.CompletePubrec(clientID, pkt.PacketID, pkt.ReasonCode)
	return nil
}

// Pubcomp handles a subscriber's final acknowledgment of a QoS 2
// delivery the exclusive engine made to it.
func (h *Handler) Pubcomp(_ context.Context, connID uint64, pkt mqttpkt.Pubcomp) error {
	metrics.MessagesReceived.WithLabelValues("pubcomp").Inc()
	clientID, ok := h.cache.GetClientID(connID)
	if !ok {
		return brokererr.Wrap("pubcomp", brokererr.ErrNotFoundConnection)
	}
	h.engine.CompletePubcomp(clientID, pkt.PacketID, pkt.ReasonCode)
	metrics.QoSMessagesInflight.WithLabelValues("2").Dec()
	return nil
}

// Pubrel handles the publisher's release of a held QoS 2 publish: this
// is the point at which the message actually becomes visible to
// subscribers, fixing the source's unimplemented QoS 2 completion path.
func (h *Handler) Pubrel(ctx context.Context, connID uint64, pkt mqttpkt.Pubrel) (mqttpkt.ReasonCode, error) {
	metrics.MessagesReceived.WithLabelValues("pubrel").Inc()

	h.pendingMu.Lock()
	key := pendingKey{connID, pkt.PacketID}
	pending, ok := h.pendingQoS2[key]
	if ok {
		delete(h.pendingQoS2, key)
	}
	h.pendingMu.Unlock()

	if !ok {
		// Duplicate PUBREL for an already-released packet id: answer
		// success, nothing left to release.
		return mqttpkt.ReasonSuccess, nil
	}

	if _, err := h.commitPublish(ctx, pending.topicID, pending.record); err != nil {
		return mqttpkt.ReasonUnspecifiedError, err
	}
	return mqttpkt.ReasonSuccess, nil
}
