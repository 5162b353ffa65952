package realtime

import "sync/atomic"

// Metrics counts broker and connection activity. Shared between the hub
// and the broker so the health endpoint reports one coherent view.
type Metrics struct {
	NotificationsPublished atomic.Int64
	NotificationsDelivered atomic.Int64
	ConnectionsEstablished atomic.Int64
	ConnectionsClosed      atomic.Int64
	PublishErrors          atomic.Int64
	SubscribeErrors        atomic.Int64
}

type MetricsSnapshot struct {
	NotificationsPublished int64 `json:"notifications_published"`
	NotificationsDelivered int64 `json:"notifications_delivered"`
	ConnectionsEstablished int64 `json:"connections_established"`
	ConnectionsClosed      int64 `json:"connections_closed"`
	PublishErrors          int64 `json:"publish_errors"`
	SubscribeErrors        int64 `json:"subscribe_errors"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		NotificationsPublished: m.NotificationsPublished.Load(),
		NotificationsDelivered: m.NotificationsDelivered.Load(),
		ConnectionsEstablished: m.ConnectionsEstablished.Load(),
		ConnectionsClosed:      m.ConnectionsClosed.Load(),
		PublishErrors:          m.PublishErrors.Load(),
		SubscribeErrors:        m.SubscribeErrors.Load(),
	}
}
