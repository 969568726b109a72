package eventgraph

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/fedtypes"
)

const MaxBackfillLimit = 100

// Backfill returns up to limit events starting from the given events and
// continuing backwards through prev_events. Unlike MissingEvents, the start
// events are part of the result.
func Backfill(ctx context.Context, store EventStore, roomID id.RoomID, from []id.EventID, limit int) ([]*fedtypes.PDU, error) {
	if limit <= 0 || limit > MaxBackfillLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidRequest, MaxBackfillLimit)
	} else if len(from) == 0 {
		return nil, fmt.Errorf("%w: no start events", ErrInvalidRequest)
	} else if err := validateEventIDList(from, "v"); err != nil {
		return nil, err
	}
	start, err := store.GetEvents(ctx, roomID, from, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get start events: %w", err)
	} else if len(start) != len(from) {
		return nil, fmt.Errorf("%w: some start events aren't in %s", ErrEventNotFound, roomID)
	}
	result := make([]*fedtypes.PDU, 0, limit)
	err = walk(ctx, store, roomID, from, func(evt *fedtypes.PDU) []id.EventID {
		if len(result) >= limit {
			return nil
		}
		return evt.PrevEvents
	}, func(evt *fedtypes.PDU) {
		if len(result) < limit {
			result = append(result, evt)
		}
	})
	if err != nil {
		return nil, err
	}
	SortByRecency(result)
	zerolog.Ctx(ctx).Debug().
		Stringer("room_id", roomID).
		Int("limit", limit).
		Int("result_count", len(result)).
		Msg("Collected backfill events")
	return result, nil
}

// EventAuth returns the full auth chain of a single event.
func EventAuth(ctx context.Context, store EventStore, roomID id.RoomID, eventID id.EventID) ([]*fedtypes.PDU, error) {
	target, err := store.GetEvents(ctx, roomID, []id.EventID{eventID}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	} else if len(target) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrEventNotFound, eventID, roomID)
	}
	return AuthChain(ctx, store, roomID, target)
}
