// Package subscribe implements the subscription registry (spec
// component D) and the exclusive delivery engine (spec component E).
package subscribe

import (
	"strings"
	"sync"

	"github.com/flowmq/broker/internal/metrics"
	"github.com/flowmq/broker/internal/mqttpkt"
)

// Descriptor is a single subscription: one (client_id, topic_filter)
// pair, resolved against a concrete topic.
type Descriptor struct {
	ClientID               string
	TopicFilter            string
	TopicID                string
	TopicName              string
	QoS                    mqttpkt.QoS
	NoLocal                bool
	PreserveRetain         bool
	SubscriptionIdentifier *uint32
	PacketIdentifier       uint16
	Protocol               mqttpkt.ProtocolVersion

	// ShareGroup is non-empty for a $share/{group}/filter subscription.
	ShareGroup string
}

func (d Descriptor) key() string { return d.ClientID + "\x00" + d.TopicFilter }

// IsShared reports whether a subscription was created as part of a
// shared-subscription group ($share/{group}/...).
func (d Descriptor) IsShared() bool { return d.ShareGroup != "" }

// Registry tracks exclusive and shared subscription descriptors. A
// shallow snapshot (SnapshotExclusive) is used by the delivery engine's
// supervisor so iteration never holds the registry's lock across a
// suspension point.
type Registry struct {
	mu         sync.RWMutex
	exclusive  map[string]Descriptor            // key() -> descriptor
	shared     map[string]map[string]Descriptor // group name -> key() -> descriptor

	onAdded   func(Descriptor)
	onRemoved func(Descriptor)
}

func NewRegistry() *Registry {
	return &Registry{
		exclusive: make(map[string]Descriptor),
		shared:    make(map[string]map[string]Descriptor),
	}
}

// OnSubscriptionAdded/OnSubscriptionRemoved register the add/remove event
// callbacks. The exclusive delivery engine registers only the removal
// callback, to stop push loops; it picks up new subscriptions by polling
// SnapshotExclusive.
func (r *Registry) OnSubscriptionAdded(fn func(Descriptor))   { r.onAdded = fn }
func (r *Registry) OnSubscriptionRemoved(fn func(Descriptor)) { r.onRemoved = fn }

// ParseFilter classifies a raw SUBSCRIBE filter, stripping the
// "$share/{group}/" prefix when present.
func ParseFilter(filter string) (bare string, shareGroup string) {
	const prefix = "$share/"
	if !strings.HasPrefix(filter, prefix) {
		return filter, ""
	}
	rest := filter[len(prefix):]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return filter, ""
	}
	return rest[idx+1:], rest[:idx]
}

// Add inserts (or replaces) a subscription descriptor. Idempotent under
// repeated SUBSCRIBE for the same (client_id, topic_filter).
func (r *Registry) Add(d Descriptor) {
	r.mu.Lock()
	if d.IsShared() {
		group := r.shared[d.ShareGroup]
		if group == nil {
			group = make(map[string]Descriptor)
			r.shared[d.ShareGroup] = group
		}
		_, existed := group[d.key()]
		group[d.key()] = d
		if !existed {
			metrics.SubscriptionsActive.Inc()
		}
	} else {
		_, existed := r.exclusive[d.key()]
		r.exclusive[d.key()] = d
		if !existed {
			metrics.SubscriptionsActive.Inc()
		}
	}
	r.mu.Unlock()

	if r.onAdded != nil {
		r.onAdded(d)
	}
}

// RemoveByTopicIDs removes every subscription belonging to clientID on
// any of the given topic ids. Canonical key is client_id, per the
// resolution of the source's connection_id/client_id ambiguity (see
// DESIGN.md).
func (r *Registry) RemoveByTopicIDs(clientID string, topicIDs []string) {
	want := make(map[string]struct{}, len(topicIDs))
	for _, id := range topicIDs {
		want[id] = struct{}{}
	}

	var removed []Descriptor
	r.mu.Lock()
	for k, d := range r.exclusive {
		if d.ClientID != clientID {
			continue
		}
		if _, ok := want[d.TopicID]; !ok {
			continue
		}
		delete(r.exclusive, k)
		removed = append(removed, d)
		metrics.SubscriptionsActive.Dec()
	}
	for group, members := range r.shared {
		for k, d := range members {
			if d.ClientID != clientID {
				continue
			}
			if _, ok := want[d.TopicID]; !ok {
				continue
			}
			delete(members, k)
			removed = append(removed, d)
			metrics.SubscriptionsActive.Dec()
		}
		if len(members) == 0 {
			delete(r.shared, group)
		}
	}
	r.mu.Unlock()

	if r.onRemoved != nil {
		for _, d := range removed {
			r.onRemoved(d)
		}
	}
}

// RemoveAllForClient removes every subscription (exclusive and shared)
// owned by clientID, used on disconnect, take-over, and heartbeat
// expiry.
func (r *Registry) RemoveAllForClient(clientID string) {
	var removed []Descriptor
	r.mu.Lock()
	for k, d := range r.exclusive {
		if d.ClientID == clientID {
			delete(r.exclusive, k)
			removed = append(removed, d)
			metrics.SubscriptionsActive.Dec()
		}
	}
	for group, members := range r.shared {
		for k, d := range members {
			if d.ClientID == clientID {
				delete(members, k)
				removed = append(removed, d)
				metrics.SubscriptionsActive.Dec()
			}
		}
		if len(members) == 0 {
			delete(r.shared, group)
		}
	}
	r.mu.Unlock()

	if r.onRemoved != nil {
		for _, d := range removed {
			r.onRemoved(d)
		}
	}
}

// TopicResolver resolves a topic name to its opaque topic id, creating
// and persisting the topic (and its backing shard) on first reference.
// Supplied by the packet handlers, which alone hold the metadata cache
// and storage facade this requires.
type TopicResolver func(topicName string) (topicID string, err error)

// ParseSubscribe resolves every filter in a SUBSCRIBE packet to a topic,
// classifies it exclusive vs. shared by the "$share/{group}/" prefix,
// and inserts the resulting descriptors. It is idempotent under a
// repeated SUBSCRIBE for the same filters.
func (r *Registry) ParseSubscribe(
	protocol mqttpkt.ProtocolVersion,
	clientID string,
	sub mqttpkt.Subscribe,
	resolve TopicResolver,
) ([]Descriptor, error) {
	var subID *uint32
	if sub.Properties != nil {
		subID = sub.Properties.SubscriptionIdentifier
	}

	descriptors := make([]Descriptor, 0, len(sub.Filters))
	for _, f := range sub.Filters {
		bare, group := ParseFilter(f.Filter)

		topicID, err := resolve(bare)
		if err != nil {
			return nil, err
		}

		d := Descriptor{
			ClientID:               clientID,
			TopicFilter:            f.Filter,
			TopicID:                topicID,
			TopicName:              bare,
			QoS:                    f.QoS,
			NoLocal:                f.NoLocal,
			PreserveRetain:         f.RetainAsPublished,
			SubscriptionIdentifier: subID,
			PacketIdentifier:       sub.PacketID,
			Protocol:               protocol,
			ShareGroup:             group,
		}
		r.Add(d)
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// SnapshotExclusive returns a shallow copy of the exclusive subscription
// set, safe to range over without holding the registry's lock — the
// delivery engine's once-per-second supervisor uses this to avoid
// invalidating an iterator on a map it does not own.
func (r *Registry) SnapshotExclusive() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.exclusive))
	for _, d := range r.exclusive {
		out = append(out, d)
	}
	return out
}
