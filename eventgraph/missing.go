// Package eventgraph walks the room DAG stored locally to answer backfill
// style federation queries.
package eventgraph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/fedtypes"
)

const (
	DefaultMissingEventsLimit = 10
	MaxMissingEventsLimit     = 20
	MaxEventIDsPerList        = 50
)

var (
	ErrInvalidRequest = errors.New("invalid missing events request")
	ErrEventNotFound  = errors.New("event not found")
)

// EventStore returns stored events of a room. Unknown IDs and events below
// minDepth are silently left out of the result.
type EventStore interface {
	GetEvents(ctx context.Context, roomID id.RoomID, eventIDs []id.EventID, minDepth int64) ([]*fedtypes.PDU, error)
}

func validateEventIDList(ids []id.EventID, field string) error {
	if len(ids) > MaxEventIDsPerList {
		return fmt.Errorf("%w: too many %s (%d > %d)", ErrInvalidRequest, field, len(ids), MaxEventIDsPerList)
	}
	seen := make(map[id.EventID]struct{}, len(ids))
	for _, evtID := range ids {
		if len(evtID) < 2 || evtID[0] != '$' {
			return fmt.Errorf("%w: malformed event ID %q in %s", ErrInvalidRequest, evtID, field)
		} else if _, dup := seen[evtID]; dup {
			return fmt.Errorf("%w: duplicate event ID %s in %s", ErrInvalidRequest, evtID, field)
		}
		seen[evtID] = struct{}{}
	}
	return nil
}

// ValidateRequest checks a missing events request and returns the effective
// limit and minimum depth.
func ValidateRequest(req *fedtypes.MissingEventsRequest) (limit int, minDepth int64, err error) {
	limit = DefaultMissingEventsLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	if limit <= 0 || limit > MaxMissingEventsLimit {
		return 0, 0, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidRequest, MaxMissingEventsLimit)
	}
	if req.MinDepth != nil {
		minDepth = *req.MinDepth
	}
	if minDepth < 0 {
		return 0, 0, fmt.Errorf("%w: min_depth must not be negative", ErrInvalidRequest)
	}
	if len(req.LatestEvents) == 0 {
		return 0, 0, fmt.Errorf("%w: latest_events is empty", ErrInvalidRequest)
	}
	if err = validateEventIDList(req.LatestEvents, "latest_events"); err != nil {
		return 0, 0, err
	} else if err = validateEventIDList(req.EarliestEvents, "earliest_events"); err != nil {
		return 0, 0, err
	}
	return limit, minDepth, nil
}

// SortByRecency sorts events by depth and then origin_server_ts, both descending.
func SortByRecency(events []*fedtypes.PDU) {
	slices.SortStableFunc(events, func(a, b *fedtypes.PDU) int {
		return cmp.Or(
			cmp.Compare(b.Depth, a.Depth),
			cmp.Compare(b.OriginServerTS, a.OriginServerTS),
		)
	})
}

// MissingEvents walks backwards through prev_events starting from the given
// latest events until the earliest events, the minimum depth or the limit is
// reached. The latest events themselves are never included in the result.
func MissingEvents(ctx context.Context, store EventStore, roomID id.RoomID, req *fedtypes.MissingEventsRequest) ([]*fedtypes.PDU, error) {
	limit, minDepth, err := ValidateRequest(req)
	if err != nil {
		return nil, err
	}
	boundary := make(map[id.EventID]struct{}, len(req.EarliestEvents))
	for _, evtID := range req.EarliestEvents {
		boundary[evtID] = struct{}{}
	}
	visited := make(map[id.EventID]struct{}, len(req.LatestEvents))
	for _, evtID := range req.LatestEvents {
		visited[evtID] = struct{}{}
	}
	frontier, err := store.GetEvents(ctx, roomID, req.LatestEvents, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest events: %w", err)
	} else if len(frontier) != len(req.LatestEvents) {
		return nil, fmt.Errorf("%w: some latest events aren't in %s", ErrEventNotFound, roomID)
	}
	queuePrevs := func(queue []id.EventID, evt *fedtypes.PDU) []id.EventID {
		for _, prevID := range evt.PrevEvents {
			_, isVisited := visited[prevID]
			_, isBoundary := boundary[prevID]
			if !isVisited && !isBoundary {
				visited[prevID] = struct{}{}
				queue = append(queue, prevID)
			}
		}
		return queue
	}
	var queue []id.EventID
	for _, evt := range frontier {
		queue = queuePrevs(queue, evt)
	}
	result := make([]*fedtypes.PDU, 0, limit)
	for len(queue) > 0 && len(result) < limit {
		batch := queue
		queue = nil
		events, err := store.GetEvents(ctx, roomID, batch, minDepth)
		if err != nil {
			return nil, fmt.Errorf("failed to get events: %w", err)
		}
		for _, evt := range events {
			if _, isBoundary := boundary[evt.EventID]; isBoundary {
				continue
			}
			queue = queuePrevs(queue, evt)
			if len(result) < limit {
				result = append(result, evt)
			}
		}
	}
	SortByRecency(result)
	zerolog.Ctx(ctx).Debug().
		Stringer("room_id", roomID).
		Int("limit", limit).
		Int64("min_depth", minDepth).
		Int("result_count", len(result)).
		Msg("Collected missing events")
	return result, nil
}
