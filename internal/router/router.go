// Package router validates inbound envelopes, dispatches them by route and
// fans the results out to the room.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"showsync/broker/internal/logging"
	"showsync/broker/internal/metrics"
	"showsync/broker/internal/protocol"
	"showsync/broker/internal/reconcile"
	"showsync/broker/internal/session"
	"showsync/broker/internal/storage"
)

// ErrThrottled is returned when a connection or the stage exceeded its rate.
var ErrThrottled = errors.New("throttled")

// Outcome summarises what happened to one inbound envelope.
type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeApplied    Outcome = "applied"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeRejected   Outcome = "rejected"
	OutcomeThrottled  Outcome = "throttled"
	OutcomeFailed     Outcome = "failed"
)

// Result reports how an envelope was handled.
type Result struct {
	Route      protocol.Type
	Outcome    Outcome
	OpID       string
	Entry      *reconcile.Entry
	Recipients int
	Failed     int
	Err        error
}

// Engine resolves state-affecting updates.
type Engine interface {
	Apply(ctx context.Context, u reconcile.Update) (reconcile.Resolved, error)
}

// Sender delivers frames to sessions.
type Sender interface {
	Send(ctx context.Context, target session.Session, frame protocol.Frame) error
	SendRaw(ctx context.Context, target session.Session, data []byte) error
}

// Roster lists the broadcast-eligible sessions of a room.
type Roster interface {
	Targets(ctx context.Context, roomID, excludeSessionID string) ([]session.Session, error)
}

// StaleFunc marks a session whose delivery failed for cleanup.
type StaleFunc func(ctx context.Context, target session.Session)

// Option configures a Router.
type Option func(*Router)

// WithClock injects the time source used for pong frames.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithThrottle enables rate limiting.
func WithThrottle(throttle *Throttle) Option {
	return func(r *Router) {
		r.throttle = throttle
	}
}

// WithStaleHandler sets the callback for failed deliveries.
func WithStaleHandler(fn StaleFunc) Option {
	return func(r *Router) {
		if fn != nil {
			r.onStale = fn
		}
	}
}

// Router dispatches envelopes from connected sessions.
type Router struct {
	engine   Engine
	sender   Sender
	roster   Roster
	throttle *Throttle
	onStale  StaleFunc
	now      func() time.Time
}

// New wires a router.
func New(engine Engine, sender Sender, roster Roster, opts ...Option) *Router {
	router := &Router{
		engine:  engine,
		sender:  sender,
		roster:  roster,
		onStale: func(context.Context, session.Session) {},
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(router)
		}
	}
	return router
}

// Route handles one raw frame received from the session's connection.
func (r *Router) Route(ctx context.Context, from session.Session, raw []byte) Result {
	//1.- Charge the frame against the buckets before spending any work on it.
	if reason := r.throttle.Allow(from.ConnectionID); reason != DropReasonNone {
		metrics.MessagesDropped.WithLabelValues(reason.String()).Inc()
		err := fmt.Errorf("%w: %s", ErrThrottled, reason)
		_ = r.sender.Send(ctx, from, protocol.ErrorFrame(from.RoomID, protocol.PeekOpID(raw), protocol.CodeThrottled, err.Error(), true))
		return r.finish(Result{Outcome: OutcomeThrottled, Err: err})
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		return r.reject(ctx, from, "", protocol.PeekOpID(raw), err)
	}
	return r.dispatch(ctx, from, msg)
}

// RouteEnvelope handles an already parsed envelope without throttling.
func (r *Router) RouteEnvelope(ctx context.Context, from session.Session, env protocol.Envelope) Result {
	msg, err := env.Validate()
	if err != nil {
		return r.reject(ctx, from, env.Type, env.OpID, err)
	}
	return r.dispatch(ctx, from, msg)
}

func (r *Router) dispatch(ctx context.Context, from session.Session, msg *protocol.Message) Result {
	//1.- Sessions may only address the room they joined.
	if msg.RoomID != from.RoomID {
		return r.reject(ctx, from, msg.Type, msg.OpID, fmt.Errorf("%w: room %q does not match session room %q", protocol.ErrValidation, msg.RoomID, from.RoomID))
	}
	//2.- Authenticated sessions speak only for their own user.
	if from.BoundSender() && msg.SenderID != from.UserID {
		return r.reject(ctx, from, msg.Type, msg.OpID, fmt.Errorf("%w: sender %q does not match authenticated user", protocol.ErrValidation, msg.SenderID))
	}
	switch body := msg.Body.(type) {
	case protocol.PingPayload:
		err := r.sender.Send(ctx, from, protocol.PongFrame(from.RoomID, body.ClientTime, r.now().UnixMilli()))
		if err != nil {
			r.onStale(ctx, from)
			return r.finish(Result{Route: msg.Type, Outcome: OutcomeFailed, Err: err})
		}
		return r.finish(Result{Route: msg.Type, Outcome: OutcomeDelivered, Recipients: 1})
	case protocol.ChatPayload:
		return r.routeChat(ctx, from, msg, body)
	case protocol.SyncPayload, protocol.PresetPayload, protocol.PerformancePayload:
		return r.routeState(ctx, from, msg)
	}
	return r.reject(ctx, from, msg.Type, msg.OpID, fmt.Errorf("%w: unsupported route %q", protocol.ErrValidation, msg.Type))
}

func (r *Router) routeChat(ctx context.Context, from session.Session, msg *protocol.Message, body protocol.ChatPayload) Result {
	delivered, failed, err := r.Broadcast(ctx, from.RoomID, from.ID, protocol.ChatFrame(from.RoomID, msg.SenderID, body.Text))
	if err != nil {
		return r.fail(ctx, from, msg, err)
	}
	if msg.OpID != "" {
		_ = r.sender.Send(ctx, from, protocol.AckFrame(from.RoomID, msg.OpID, protocol.AckDelivered, nil))
	}
	return r.finish(Result{Route: msg.Type, Outcome: OutcomeDelivered, OpID: msg.OpID, Recipients: delivered, Failed: failed})
}

func (r *Router) routeState(ctx context.Context, from session.Session, msg *protocol.Message) Result {
	key, value, ok := msg.StateUpdate()
	if !ok {
		return r.reject(ctx, from, msg.Type, msg.OpID, fmt.Errorf("%w: no state key for route %q", protocol.ErrValidation, msg.Type))
	}
	resolved, err := r.engine.Apply(ctx, reconcile.Update{
		RoomID:             from.RoomID,
		Key:                key,
		Value:              value,
		ClientSequence:     msg.ClientSequence,
		OriginTimestamp:    msg.OriginTimestamp,
		OriginConnectionID: from.ConnectionID,
		SenderID:           msg.SenderID,
		OpID:               msg.OpID,
	})
	if err != nil {
		return r.fail(ctx, from, msg, err)
	}
	entry := resolved.Entry
	result := Result{Route: msg.Type, OpID: msg.OpID, Entry: &entry}

	//1.- The sender always learns the converged entry for its operation.
	status := protocol.AckSuperseded
	switch {
	case resolved.Duplicate:
		status = protocol.AckDuplicate
		result.Outcome = OutcomeDuplicate
	case resolved.Applied:
		status = protocol.AckApplied
		result.Outcome = OutcomeApplied
	default:
		result.Outcome = OutcomeSuperseded
	}
	if err := r.sender.Send(ctx, from, protocol.AckFrame(from.RoomID, msg.OpID, status, entry)); err != nil {
		r.onStale(ctx, from)
	}

	stateFrame := protocol.StateFrame(msg.Type, from.RoomID, entry.OriginSenderID, entry)
	switch result.Outcome {
	case OutcomeApplied:
		//2.- Winning updates fan out to everyone else in the room.
		delivered, failed, err := r.Broadcast(ctx, from.RoomID, from.ID, stateFrame)
		if err != nil {
			return r.fail(ctx, from, msg, err)
		}
		result.Recipients, result.Failed = delivered, failed
	case OutcomeSuperseded:
		//3.- Losing updates are echoed back so the sender converges.
		if err := r.sender.Send(ctx, from, stateFrame); err != nil {
			r.onStale(ctx, from)
		} else {
			result.Recipients = 1
		}
	}
	return r.finish(result)
}

// Broadcast sends frame to every eligible session of the room except
// excludeSessionID. A failed peer is marked stale and does not stop the rest.
func (r *Router) Broadcast(ctx context.Context, roomID, excludeSessionID string, frame protocol.Frame) (delivered, failed int, err error) {
	targets, err := r.roster.Targets(ctx, roomID, excludeSessionID)
	if err != nil {
		return 0, 0, err
	}
	if len(targets) == 0 {
		return 0, 0, nil
	}
	data, err := frame.Encode()
	if err != nil {
		return 0, 0, fmt.Errorf("encode frame: %w", err)
	}
	logger := logging.LoggerFromContext(ctx)
	for _, target := range targets {
		if sendErr := r.sender.SendRaw(ctx, target, data); sendErr != nil {
			failed++
			metrics.DeliveryFailures.Inc()
			logger.Debug("broadcast delivery failed",
				logging.String("target_session", target.ID), logging.Error(sendErr))
			r.onStale(ctx, target)
			continue
		}
		delivered++
	}
	return delivered, failed, nil
}

func (r *Router) reject(ctx context.Context, from session.Session, route protocol.Type, opID string, err error) Result {
	r.throttle.Observe(from.ConnectionID, DropReasonValidation)
	metrics.MessagesDropped.WithLabelValues(DropReasonValidation.String()).Inc()
	logging.LoggerFromContext(ctx).Info("dropping invalid envelope", logging.Error(err))
	_ = r.sender.Send(ctx, from, protocol.ErrorFrame(from.RoomID, opID, protocol.CodeValidation, err.Error(), false))
	return r.finish(Result{Route: route, Outcome: OutcomeRejected, OpID: opID, Err: err})
}

func (r *Router) fail(ctx context.Context, from session.Session, msg *protocol.Message, err error) Result {
	retryable := errors.Is(err, storage.ErrUnavailable)
	code := protocol.CodeUnavailable
	message := "state store unavailable, retry later"
	if !retryable {
		message = err.Error()
	}
	if errors.Is(err, reconcile.ErrInvalidUpdate) {
		code = protocol.CodeValidation
	}
	logging.LoggerFromContext(ctx).Warn("routing failed",
		logging.String("route", string(msg.Type)), logging.String("op_id", msg.OpID), logging.Error(err))
	_ = r.sender.Send(ctx, from, protocol.ErrorFrame(from.RoomID, msg.OpID, code, message, retryable))
	return r.finish(Result{Route: msg.Type, Outcome: OutcomeFailed, OpID: msg.OpID, Err: err})
}

func (r *Router) finish(result Result) Result {
	route := string(result.Route)
	if route == "" {
		route = "unknown"
	}
	metrics.MessagesRouted.WithLabelValues(route, string(result.Outcome)).Inc()
	return result
}
