package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/fedtypes"
)

const (
	getEventBaseQuery = `
		SELECT event_id, room_id, sender, type, state_key, depth, origin_server_ts, raw, received_at
		FROM event
	`
	getEventByIDQuery = getEventBaseQuery + `WHERE event_id=$1`
	insertEventQuery  = `
		INSERT INTO event (event_id, room_id, sender, type, state_key, depth, origin_server_ts, raw, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`
)

type EventQuery struct {
	*dbutil.QueryHelper[*Event]
}

// Event is a stored PDU. Raw is the PDU exactly as it was received, so
// signatures and hashes can be checked again by whoever it's served to.
type Event struct {
	EventID        id.EventID
	RoomID         id.RoomID
	Sender         id.UserID
	Type           string
	StateKey       *string
	Depth          int64
	OriginServerTS int64
	Raw            json.RawMessage
	ReceivedAt     jsontime.UnixMilli
}

func (e *Event) Scan(row dbutil.Scannable) (*Event, error) {
	var raw string
	err := row.Scan(&e.EventID, &e.RoomID, &e.Sender, &e.Type, &e.StateKey, &e.Depth, &e.OriginServerTS, &raw, &e.ReceivedAt)
	if err != nil {
		return nil, err
	}
	e.Raw = json.RawMessage(raw)
	return e, nil
}

func (e *Event) sqlVariables() []any {
	return []any{e.EventID, e.RoomID, e.Sender, e.Type, e.StateKey, e.Depth, e.OriginServerTS, string(e.Raw), e.ReceivedAt}
}

func (e *Event) PDU() (*fedtypes.PDU, error) {
	pdu, err := fedtypes.ParsePDU(e.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored event %s: %w", e.EventID, err)
	}
	return pdu, nil
}

func (eq *EventQuery) GetByID(ctx context.Context, eventID id.EventID) (*Event, error) {
	return eq.QueryOne(ctx, getEventByIDQuery, eventID)
}

// PutEvent stores an event unless an event with the same ID is already stored.
func (eq *EventQuery) PutEvent(ctx context.Context, pdu *fedtypes.PDU, raw json.RawMessage) (bool, error) {
	evt := &Event{
		EventID:        pdu.EventID,
		RoomID:         pdu.RoomID,
		Sender:         pdu.Sender,
		Type:           pdu.Type.Type,
		StateKey:       pdu.StateKey,
		Depth:          pdu.Depth,
		OriginServerTS: pdu.OriginServerTS,
		Raw:            raw,
		ReceivedAt:     jsontime.UnixMilli{Time: time.Now()},
	}
	res, err := eq.GetDB().Exec(ctx, insertEventQuery, evt.sqlVariables()...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetEvents returns the stored events in the given room with the given IDs
// and a depth of at least minDepth. Unknown IDs are skipped.
func (eq *EventQuery) GetEvents(ctx context.Context, roomID id.RoomID, eventIDs []id.EventID, minDepth int64) ([]*fedtypes.PDU, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(eventIDs)+2)
	args = append(args, roomID, minDepth)
	placeholders := make([]string, len(eventIDs))
	for i, evtID := range eventIDs {
		args = append(args, evtID)
		placeholders[i] = fmt.Sprintf("$%d", i+3)
	}
	query := getEventBaseQuery + `WHERE room_id=$1 AND depth>=$2 AND event_id IN (` + strings.Join(placeholders, ",") + `)`
	events, err := eq.QueryMany(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	pdus := make([]*fedtypes.PDU, len(events))
	for i, evt := range events {
		if pdus[i], err = evt.PDU(); err != nil {
			return nil, err
		}
	}
	return pdus, nil
}
