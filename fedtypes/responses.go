package fedtypes

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// MissingEventsRequest is the body of POST /_matrix/federation/v1/get_missing_events/{roomId}.
type MissingEventsRequest struct {
	EarliestEvents []id.EventID `json:"earliest_events"`
	LatestEvents   []id.EventID `json:"latest_events"`
	Limit          *int         `json:"limit,omitempty"`
	MinDepth       *int64       `json:"min_depth,omitempty"`
}

type MissingEventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

// RespState is the response of GET /_matrix/federation/v1/state/{roomId}.
type RespState struct {
	AuthChain []json.RawMessage `json:"auth_chain"`
	PDUs      []json.RawMessage `json:"pdus"`
}

// RespStateIDs is the response of GET /_matrix/federation/v1/state_ids/{roomId}.
type RespStateIDs struct {
	AuthChainIDs []id.EventID `json:"auth_chain_ids"`
	PDUIDs       []id.EventID `json:"pdu_ids"`
}

// RespEvent is the response of GET /_matrix/federation/v1/event/{eventId}.
type RespEvent struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// RespBackfill is the response of GET /_matrix/federation/v1/backfill/{roomId}.
type RespBackfill struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// RespEventAuth is the response of GET /_matrix/federation/v1/event_auth/{roomId}/{eventId}.
type RespEventAuth struct {
	AuthChain []json.RawMessage `json:"auth_chain"`
}

// RespWellKnown is the body of /.well-known/matrix/server.
type RespWellKnown struct {
	Server string `json:"m.server"`
}

type VersionInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RespVersion is the response of GET /_matrix/federation/v1/version.
type RespVersion struct {
	Server VersionInfo `json:"server"`
}
