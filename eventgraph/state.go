package eventgraph

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/fedtypes"
)

type stateKey struct {
	evtType  event.Type
	stateKey string
}

// isNewer decides which of two state events with the same type and state key
// wins. There is no state resolution, so this is only a deterministic tiebreak.
func isNewer(a, b *fedtypes.PDU) bool {
	return cmp.Or(
		cmp.Compare(a.Depth, b.Depth),
		cmp.Compare(a.OriginServerTS, b.OriginServerTS),
		cmp.Compare(a.EventID, b.EventID),
	) > 0
}

// walk visits the given events and everything reachable through the ID lists
// returned by next, fetching one layer at a time.
func walk(ctx context.Context, store EventStore, roomID id.RoomID, start []id.EventID, next func(*fedtypes.PDU) []id.EventID, fn func(*fedtypes.PDU)) error {
	visited := make(map[id.EventID]struct{}, len(start))
	queue := make([]id.EventID, 0, len(start))
	for _, evtID := range start {
		if _, ok := visited[evtID]; !ok {
			visited[evtID] = struct{}{}
			queue = append(queue, evtID)
		}
	}
	for len(queue) > 0 {
		batch := queue
		queue = nil
		for chunk := range slices.Chunk(batch, MaxEventIDsPerList) {
			events, err := store.GetEvents(ctx, roomID, chunk, 0)
			if err != nil {
				return fmt.Errorf("failed to get events: %w", err)
			}
			for _, evt := range events {
				fn(evt)
				for _, nextID := range next(evt) {
					if _, ok := visited[nextID]; !ok {
						visited[nextID] = struct{}{}
						queue = append(queue, nextID)
					}
				}
			}
		}
	}
	return nil
}

// StateAtEvent returns the room state before the given event: for each
// (type, state key) pair, the newest state event among its causal ancestors.
func StateAtEvent(ctx context.Context, store EventStore, roomID id.RoomID, eventID id.EventID) ([]*fedtypes.PDU, error) {
	target, err := store.GetEvents(ctx, roomID, []id.EventID{eventID}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	} else if len(target) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrEventNotFound, eventID, roomID)
	}
	state := make(map[stateKey]*fedtypes.PDU)
	err = walk(ctx, store, roomID, target[0].PrevEvents, func(evt *fedtypes.PDU) []id.EventID {
		return evt.PrevEvents
	}, func(evt *fedtypes.PDU) {
		if !evt.IsState() {
			return
		}
		key := stateKey{evt.Type, *evt.StateKey}
		if existing, ok := state[key]; !ok || isNewer(evt, existing) {
			state[key] = evt
		}
	})
	if err != nil {
		return nil, err
	}
	result := make([]*fedtypes.PDU, 0, len(state))
	for _, evt := range state {
		result = append(result, evt)
	}
	slices.SortFunc(result, func(a, b *fedtypes.PDU) int {
		return cmp.Or(
			cmp.Compare(a.Type.Type, b.Type.Type),
			cmp.Compare(*a.StateKey, *b.StateKey),
		)
	})
	return result, nil
}

// AuthChain returns the transitive closure of auth_events of the given
// events, not including the events themselves unless another event in the
// chain references them.
func AuthChain(ctx context.Context, store EventStore, roomID id.RoomID, events []*fedtypes.PDU) ([]*fedtypes.PDU, error) {
	var start []id.EventID
	for _, evt := range events {
		start = append(start, evt.AuthEvents...)
	}
	var chain []*fedtypes.PDU
	err := walk(ctx, store, roomID, start, func(evt *fedtypes.PDU) []id.EventID {
		return evt.AuthEvents
	}, func(evt *fedtypes.PDU) {
		chain = append(chain, evt)
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(chain, func(a, b *fedtypes.PDU) int {
		return cmp.Or(
			cmp.Compare(a.Depth, b.Depth),
			cmp.Compare(a.EventID, b.EventID),
		)
	})
	return chain, nil
}

// EventIDs returns the IDs of the given events in the same order.
func EventIDs(events []*fedtypes.PDU) []id.EventID {
	ids := make([]id.EventID, len(events))
	for i, evt := range events {
		ids[i] = evt.EventID
	}
	return ids
}
