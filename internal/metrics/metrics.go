package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClientsConnected tracks the number of currently connected clients
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_clients_connected",
		Help: "Number of currently connected MQTT clients",
	})

	// MessagesReceived counts total messages received
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_messages_received_total",
			Help: "Total number of MQTT messages received by type",
		},
		[]string{"type"},
	)

	// MessagesSent counts total messages sent
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_messages_sent_total",
			Help: "Total number of MQTT messages sent by type",
		},
		[]string{"type"},
	)

	// BytesReceived tracks bytes received
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_bytes_received_total",
		Help: "Total bytes received from MQTT clients",
	})

	// BytesSent tracks bytes sent
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_bytes_sent_total",
		Help: "Total bytes sent to MQTT clients",
	})

	// ConnectionsTotal tracks total connection attempts
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_connections_total",
		Help: "Total number of connection attempts",
	})

	// SubscriptionsActive tracks active subscriptions
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_subscriptions_active",
		Help: "Number of active subscriptions",
	})

	// RetainedMessages tracks retained messages
	RetainedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_retained_messages",
		Help: "Number of retained messages",
	})

	// QoSMessagesInflight tracks in-flight QoS 1/2 messages
	QoSMessagesInflight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqtt_qos_messages_inflight",
			Help: "Number of in-flight QoS 1/2 messages",
		},
		[]string{"qos"},
	)

	// HeartbeatTracked tracks connections currently tracked by the
	// heartbeat supervisor.
	HeartbeatTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_connections_heartbeat_tracked",
		Help: "Number of connections currently tracked by the heartbeat supervisor",
	})

	// ConnectionsExpiredTotal counts connections reaped for exceeding
	// their keep-alive window.
	ConnectionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_connections_expired_total",
		Help: "Total number of connections reaped by the heartbeat supervisor",
	})

	// ExclusivePushLoops tracks the number of running exclusive
	// subscription push loops.
	ExclusivePushLoops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_exclusive_push_loops",
		Help: "Number of running exclusive subscription push loops",
	})

	// OffsetsCommittedTotal counts consumer-group offset commits made
	// by the exclusive delivery engine.
	OffsetsCommittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_offsets_committed_total",
			Help: "Total number of consumer group offset commits",
		},
		[]string{"topic_id"},
	)

	// EngineRPCRequestsTotal counts metadata-mutation RPC calls by
	// operation and outcome.
	EngineRPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_engine_rpc_requests_total",
			Help: "Total number of metadata-mutation RPC requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
)
