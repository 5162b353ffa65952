package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/realtime"
	"github.com/lumenclass/videogen-backend/internal/realtime/bus"
)

const (
	BrokerStatusHealthy     = "healthy"
	BrokerStatusDegraded    = "degraded"
	BrokerStatusUnavailable = "unavailable"
)

type BrokerHealth struct {
	Status             string                   `json:"status"`
	TransportConnected bool                     `json:"transport_connected"`
	ActiveConnections  int                      `json:"active_connections"`
	ServiceMetrics     realtime.MetricsSnapshot `json:"service_metrics"`
}

// Broker fans published events out to every instance's local hub through
// the bus transport. Publishing is fire-and-forget: a broker failure is a
// metric and a log line, never a pipeline failure.
type Broker struct {
	log     *logger.Logger
	bus     bus.Bus
	hub     *realtime.Hub
	metrics *realtime.Metrics

	// error ratio at or above which a reachable transport reports degraded
	degradedThreshold float64
}

func NewBroker(baseLog *logger.Logger, b bus.Bus, hub *realtime.Hub, metrics *realtime.Metrics, degradedThreshold float64) *Broker {
	if degradedThreshold <= 0 {
		degradedThreshold = 0.05
	}
	return &Broker{
		log:               baseLog.With("service", "Broker"),
		bus:               b,
		hub:               hub,
		metrics:           metrics,
		degradedThreshold: degradedThreshold,
	}
}

// Start attaches the forwarder: every envelope seen on the bus (from any
// instance, this one included) is relayed to local subscribers.
func (br *Broker) Start(ctx context.Context) error {
	err := br.bus.StartForwarder(ctx, func(env realtime.Envelope) {
		ownerID, parseErr := uuid.Parse(env.Channel)
		if parseErr != nil {
			br.metrics.SubscribeErrors.Add(1)
			br.log.Warn("Envelope with unparseable channel", "channel", env.Channel)
			return
		}
		br.hub.Broadcast(ownerID, env.Event)
	})
	if err != nil {
		br.metrics.SubscribeErrors.Add(1)
		return err
	}
	return nil
}

// Publish never blocks or fails the caller; the store write that preceded
// it is the source of truth and polling covers lost events.
func (br *Broker) Publish(ctx context.Context, ownerUserID uuid.UUID, ev realtime.NotificationEvent) {
	if ownerUserID == uuid.Nil {
		return
	}
	br.metrics.NotificationsPublished.Add(1)
	env := realtime.Envelope{Channel: ownerUserID.String(), Event: ev}
	if err := br.bus.Publish(ctx, env); err != nil {
		br.metrics.PublishErrors.Add(1)
		br.log.Warn("Notification publish failed",
			"request_id", ev.RequestID,
			"event_type", ev.EventType,
			"error", err,
		)
	}
}

func (br *Broker) Health(ctx context.Context) BrokerHealth {
	snap := br.metrics.Snapshot()
	h := BrokerHealth{
		ActiveConnections: br.hub.ActiveConnections(),
		ServiceMetrics:    snap,
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := br.bus.Ping(pingCtx); err != nil {
		h.Status = BrokerStatusUnavailable
		h.TransportConnected = false
		return h
	}
	h.TransportConnected = true

	total := snap.NotificationsPublished + snap.NotificationsDelivered +
		snap.ConnectionsEstablished + snap.PublishErrors + snap.SubscribeErrors
	errs := snap.PublishErrors + snap.SubscribeErrors
	if total > 0 && float64(errs)/float64(total) >= br.degradedThreshold {
		h.Status = BrokerStatusDegraded
		return h
	}
	h.Status = BrokerStatusHealthy
	return h
}
