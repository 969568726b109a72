package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/eventgraph"
	"go.mau.fi/fedsync/fedtypes"
	"go.mau.fi/fedsync/receiver"
)

// mMissingParam is the spec M_MISSING_PARAM error, which mautrix doesn't define.
var mMissingParam = mautrix.RespError{ErrCode: "M_MISSING_PARAM", StatusCode: http.StatusBadRequest}

// PutTransaction - PUT /_matrix/federation/v1/send/{txnID}
func (fs *FedSync) PutTransaction(w http.ResponseWriter, r *http.Request) {
	var txn fedtypes.Transaction
	err := json.NewDecoder(r.Body).Decode(&txn)
	if err != nil {
		mautrix.MNotJSON.WithMessage("Request body is not valid JSON").Write(w)
		return
	}
	resp, err := fs.Receiver.HandleTransaction(r.Context(), requestOrigin(r), r.PathValue("txnID"), &txn)
	switch {
	case err == nil:
		exhttp.WriteJSONResponse(w, http.StatusOK, resp)
	case errors.Is(err, receiver.ErrTooManyPDUs), errors.Is(err, receiver.ErrTooManyEDUs):
		mautrix.MBadJSON.WithMessage(err.Error()).Write(w)
	case errors.Is(err, receiver.ErrOriginMismatch):
		mautrix.MForbidden.WithMessage(err.Error()).Write(w)
	default:
		hlog.FromRequest(r).Err(err).Msg("Failed to handle transaction")
		mautrix.MUnknown.WithMessage("Failed to process transaction").Write(w)
	}
}

// GetEvent - GET /_matrix/federation/v1/event/{eventID}
func (fs *FedSync) GetEvent(w http.ResponseWriter, r *http.Request) {
	evt, err := fs.DB.Event.GetByID(r.Context(), id.EventID(r.PathValue("eventID")))
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to get event")
		mautrix.MUnknown.WithMessage("Failed to get event").Write(w)
		return
	} else if evt == nil {
		mautrix.MNotFound.WithMessage("Event not found").Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedtypes.RespEvent{
		Origin:         fs.Config.Server.ServerName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           []json.RawMessage{evt.Raw},
	})
}

func rawPDUs(events []*fedtypes.PDU) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(events))
	for i, evt := range events {
		var err error
		out[i], err = evt.Raw()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func writeGraphError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, eventgraph.ErrInvalidRequest):
		mautrix.MInvalidParam.WithMessage(err.Error()).Write(w)
	case errors.Is(err, eventgraph.ErrEventNotFound):
		mautrix.MNotFound.WithMessage(err.Error()).Write(w)
	default:
		hlog.FromRequest(r).Err(err).Msg("Failed to traverse event graph")
		mautrix.MUnknown.WithMessage("Failed to get events").Write(w)
	}
}

// PostMissingEvents - POST /_matrix/federation/v1/get_missing_events/{roomID}
func (fs *FedSync) PostMissingEvents(w http.ResponseWriter, r *http.Request) {
	var req fedtypes.MissingEventsRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		mautrix.MNotJSON.WithMessage("Request body is not valid JSON").Write(w)
		return
	}
	events, err := eventgraph.MissingEvents(r.Context(), fs.DB.Event, id.RoomID(r.PathValue("roomID")), &req)
	if err != nil {
		writeGraphError(w, r, err)
		return
	}
	raw, err := rawPDUs(events)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to marshal events")
		mautrix.MUnknown.WithMessage("Failed to get events").Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedtypes.MissingEventsResponse{Events: raw})
}

// GetBackfill - GET /_matrix/federation/v1/backfill/{roomID}?v=&limit=
func (fs *FedSync) GetBackfill(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from := make([]id.EventID, len(query["v"]))
	for i, evtID := range query["v"] {
		from[i] = id.EventID(evtID)
	}
	if len(from) == 0 {
		mMissingParam.WithMessage("Missing v query parameter").Write(w)
		return
	}
	rawLimit := query.Get("limit")
	if rawLimit == "" {
		mMissingParam.WithMessage("Missing limit query parameter").Write(w)
		return
	}
	limit, err := strconv.Atoi(rawLimit)
	if err != nil {
		mautrix.MInvalidParam.WithMessage("Invalid limit parameter").Write(w)
		return
	}
	events, err := eventgraph.Backfill(r.Context(), fs.DB.Event, id.RoomID(r.PathValue("roomID")), from, limit)
	if err != nil {
		writeGraphError(w, r, err)
		return
	}
	raw, err := rawPDUs(events)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to marshal events")
		mautrix.MUnknown.WithMessage("Failed to get events").Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedtypes.RespBackfill{
		Origin:         fs.Config.Server.ServerName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           raw,
	})
}

// GetEventAuth - GET /_matrix/federation/v1/event_auth/{roomID}/{eventID}
func (fs *FedSync) GetEventAuth(w http.ResponseWriter, r *http.Request) {
	chain, err := eventgraph.EventAuth(r.Context(), fs.DB.Event, id.RoomID(r.PathValue("roomID")), id.EventID(r.PathValue("eventID")))
	if err != nil {
		writeGraphError(w, r, err)
		return
	}
	raw, err := rawPDUs(chain)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to marshal events")
		mautrix.MUnknown.WithMessage("Failed to get auth chain").Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedtypes.RespEventAuth{AuthChain: raw})
}

func (fs *FedSync) getStateAndAuthChain(w http.ResponseWriter, r *http.Request) (state, authChain []*fedtypes.PDU, ok bool) {
	eventID := id.EventID(r.URL.Query().Get("event_id"))
	if eventID == "" {
		mMissingParam.WithMessage("Missing event_id query parameter").Write(w)
		return
	}
	roomID := id.RoomID(r.PathValue("roomID"))
	state, err := eventgraph.StateAtEvent(r.Context(), fs.DB.Event, roomID, eventID)
	if err != nil {
		writeGraphError(w, r, err)
		return
	}
	authChain, err = eventgraph.AuthChain(r.Context(), fs.DB.Event, roomID, state)
	if err != nil {
		writeGraphError(w, r, err)
		return
	}
	return state, authChain, true
}

// GetState - GET /_matrix/federation/v1/state/{roomID}?event_id=
func (fs *FedSync) GetState(w http.ResponseWriter, r *http.Request) {
	state, authChain, ok := fs.getStateAndAuthChain(w, r)
	if !ok {
		return
	}
	var resp fedtypes.RespState
	var err error
	if resp.PDUs, err = rawPDUs(state); err == nil {
		resp.AuthChain, err = rawPDUs(authChain)
	}
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to marshal events")
		mautrix.MUnknown.WithMessage("Failed to get state").Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &resp)
}

// GetStateIDs - GET /_matrix/federation/v1/state_ids/{roomID}?event_id=
func (fs *FedSync) GetStateIDs(w http.ResponseWriter, r *http.Request) {
	state, authChain, ok := fs.getStateAndAuthChain(w, r)
	if !ok {
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedtypes.RespStateIDs{
		PDUIDs:       eventgraph.EventIDs(state),
		AuthChainIDs: eventgraph.EventIDs(authChain),
	})
}

// GetUserDevices - GET /_matrix/federation/v1/user/devices/{userID}
func (fs *FedSync) GetUserDevices(w http.ResponseWriter, r *http.Request) {
	userID := id.UserID(r.PathValue("userID"))
	if _, server, err := userID.ParseAndValidateRelaxed(); err != nil {
		mautrix.MInvalidParam.WithMessage("Invalid user ID").Write(w)
		return
	} else if server != fs.Config.Server.ServerName {
		mautrix.MInvalidParam.WithMessage("User is not hosted on this server").Write(w)
		return
	}
	resp, err := fs.DeviceLists.GetDevices(r.Context(), userID)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to get device list")
		mautrix.MUnknown.WithMessage("Failed to get device list").Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}

// GetVersion - GET /_matrix/federation/v1/version
func (fs *FedSync) GetVersion(w http.ResponseWriter, r *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, versionInfo())
}

// GetWellKnown - GET /.well-known/matrix/server
func (fs *FedSync) GetWellKnown(w http.ResponseWriter, r *http.Request) {
	if fs.Config.Server.WellKnownServer == "" {
		mautrix.MNotFound.WithMessage("Server delegation is not configured").Write(w)
		return
	}
	w.Header().Set("Cache-Control", "max-age=86400")
	exhttp.WriteJSONResponse(w, http.StatusOK, &fedtypes.RespWellKnown{Server: fs.Config.Server.WellKnownServer})
}
