// Package grpc exposes read-only administration of room state over gRPC.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"showsync/broker/internal/reconcile"
	"showsync/broker/internal/room"
)

const watchRateHz = 20

// StateReader returns the converged entries of a room.
type StateReader interface {
	Snapshot(ctx context.Context, roomID string) ([]reconcile.Entry, error)
}

// RosterReader returns the live roster of a room.
type RosterReader interface {
	Snapshot(ctx context.Context, roomID string) (room.Snapshot, error)
}

// Option customises the behaviour of the admin service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithRoster adds the live roster to GetRoomState responses.
func WithRoster(roster RosterReader) Option {
	return func(s *Service) { s.roster = roster }
}

// Service implements StateAdminServer.
type Service struct {
	state     StateReader
	roster    RosterReader
	entries   EntrySource
	newTicker tickerFactory
}

// NewService wires the admin service to the state engine and entry feed.
func NewService(state StateReader, entries EntrySource, opts ...Option) *Service {
	service := &Service{state: state, entries: entries, newTicker: defaultTickerFactory}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// GetRoomState returns {roomId, entries[, sessions, capacity]}.
func (s *Service) GetRoomState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.state == nil {
		return nil, status.Error(codes.FailedPrecondition, "state unavailable")
	}
	roomID, err := roomIDFrom(req)
	if err != nil {
		return nil, err
	}
	entries, err := s.state.Snapshot(ctx, roomID)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "load room state: %v", err)
	}
	list := make([]any, 0, len(entries))
	for _, entry := range entries {
		doc, err := entryMap(entry)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode entry %q: %v", entry.Key, err)
		}
		list = append(list, doc)
	}
	fields := map[string]any{"roomId": roomID, "entries": list}
	if s.roster != nil {
		snapshot, err := s.roster.Snapshot(ctx, roomID)
		if err != nil {
			return nil, status.Errorf(codes.Unavailable, "load roster: %v", err)
		}
		sessions := make([]any, 0, len(snapshot.ActiveSessions))
		for _, id := range snapshot.ActiveSessions {
			sessions = append(sessions, id)
		}
		fields["sessions"] = sessions
		fields["capacity"] = snapshot.MaxSessions
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// WatchRoom streams the room's current entries followed by every accepted
// update. Updates are coalesced per key and flushed at a fixed cadence so a
// burst on one key costs the watcher a single message.
func (s *Service) WatchRoom(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.entries == nil || s.state == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	roomID, err := roomIDFrom(req)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	//1.- Subscribe before reading the snapshot so no accepted update falls between them.
	updates, cancel, err := s.entries.Subscribe(ctx, roomID)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe: %v", err)
	}
	defer cancel()

	current, err := s.state.Snapshot(ctx, roomID)
	if err != nil {
		return status.Errorf(codes.Unavailable, "load room state: %v", err)
	}
	for _, entry := range current {
		if err := sendEntry(stream, roomID, entry); err != nil {
			return err
		}
	}

	tickCh, stop := s.newTicker(time.Second / watchRateHz)
	defer stop()

	var (
		order   []string
		pending = make(map[string]reconcile.Entry)
		closed  bool
	)
	accept := func(entry reconcile.Entry, ok bool) {
		if !ok {
			closed = true
			updates = nil
			return
		}
		//3.- Keep only the newest entry per key; first arrival fixes its position.
		if _, seen := pending[entry.Key]; !seen {
			order = append(order, entry.Key)
		}
		pending[entry.Key] = entry
	}
	for {
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case entry, ok := <-updates:
			accept(entry, ok)
			if closed && len(order) == 0 {
				return nil
			}
		case <-tickCh:
			//4.- Drain whatever already arrived so a flush carries every accepted update.
		drain:
			for updates != nil {
				select {
				case entry, ok := <-updates:
					accept(entry, ok)
				default:
					break drain
				}
			}
			for _, key := range order {
				if err := sendEntry(stream, roomID, pending[key]); err != nil {
					return err
				}
				delete(pending, key)
			}
			order = order[:0]
			if closed {
				return nil
			}
		}
	}
}

func sendEntry(stream grpc.ServerStreamingServer[structpb.Struct], roomID string, entry reconcile.Entry) error {
	doc, err := entryMap(entry)
	if err != nil {
		return status.Errorf(codes.Internal, "encode entry %q: %v", entry.Key, err)
	}
	doc["roomId"] = roomID
	msg, err := structpb.NewStruct(doc)
	if err != nil {
		return status.Errorf(codes.Internal, "encode entry %q: %v", entry.Key, err)
	}
	return stream.Send(msg)
}

func roomIDFrom(req *structpb.Struct) (string, error) {
	if req == nil {
		return "", status.Error(codes.InvalidArgument, "request required")
	}
	roomID := strings.TrimSpace(req.GetFields()["roomId"].GetStringValue())
	if roomID == "" {
		return "", status.Error(codes.InvalidArgument, "roomId required")
	}
	return roomID, nil
}

// entryMap converts an entry into the loosely typed form structpb accepts.
func entryMap(entry reconcile.Entry) (map[string]any, error) {
	var value any
	if len(entry.Value) > 0 {
		if err := json.Unmarshal(entry.Value, &value); err != nil {
			return nil, err
		}
	}
	doc := map[string]any{
		"key":                entry.Key,
		"value":              value,
		"sequence":           entry.Sequence,
		"originTimestamp":    entry.OriginTimestamp,
		"originConnectionId": entry.OriginConnectionID,
		"revision":           entry.Revision,
	}
	if entry.OriginSenderID != "" {
		doc["originSenderId"] = entry.OriginSenderID
	}
	if !entry.UpdatedAt.IsZero() {
		doc["updatedAt"] = entry.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return doc, nil
}

var _ StateAdminServer = (*Service)(nil)
