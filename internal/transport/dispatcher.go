package transport

import (
	"context"
	"errors"
	"fmt"

	"showsync/broker/internal/bus"
	"showsync/broker/internal/logging"
	"showsync/broker/internal/metrics"
	"showsync/broker/internal/protocol"
	"showsync/broker/internal/session"
)

// StaleFunc is told about local connections that could not take a remote delivery.
type StaleFunc func(ctx context.Context, connectionID string)

// Dispatcher sends frames to sessions, locally or through the bus.
type Dispatcher struct {
	serverID string
	hub      *Hub
	bus      bus.Bus
	onStale  StaleFunc
}

// NewDispatcher binds the local hub to the cross-instance bus under serverID.
func NewDispatcher(serverID string, hub *Hub, b bus.Bus) *Dispatcher {
	return &Dispatcher{serverID: serverID, hub: hub, bus: b}
}

// ServerID returns the id this instance registers sessions under.
func (d *Dispatcher) ServerID() string { return d.serverID }

// OnStale registers the callback for failed remote deliveries.
func (d *Dispatcher) OnStale(fn StaleFunc) {
	d.onStale = fn
}

// Start subscribes to deliveries addressed to this instance.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.bus == nil {
		return nil
	}
	return d.bus.Subscribe(ctx, d.serverID, func(ctx context.Context, delivery bus.Delivery) {
		if err := d.hub.Deliver(delivery.ConnectionID, delivery.Payload); err != nil {
			metrics.DeliveryFailures.Inc()
			if d.onStale != nil {
				d.onStale(ctx, delivery.ConnectionID)
			}
		}
	})
}

// Send encodes frame and delivers it to the session's connection.
func (d *Dispatcher) Send(ctx context.Context, target session.Session, frame protocol.Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return d.SendRaw(ctx, target, data)
}

// SendRaw delivers pre-encoded bytes, letting broadcasts encode once.
func (d *Dispatcher) SendRaw(ctx context.Context, target session.Session, data []byte) error {
	//1.- Sessions held by this instance, or recorded without an owner, go straight to the hub.
	if target.ServerID == "" || target.ServerID == d.serverID {
		return d.hub.Deliver(target.ConnectionID, data)
	}
	if d.bus == nil {
		return ErrStaleSession
	}
	//2.- Everything else is forwarded to the owning instance.
	err := d.bus.Publish(ctx, target.ServerID, bus.Delivery{ConnectionID: target.ConnectionID, Payload: data})
	if errors.Is(err, bus.ErrNoSubscriber) {
		return ErrStaleSession
	}
	if err != nil {
		logging.LoggerFromContext(ctx).Warn("bus publish failed",
			logging.String("server_id", target.ServerID), logging.Error(err))
		return err
	}
	metrics.BusPublished.WithLabelValues(d.bus.Type()).Inc()
	return nil
}
