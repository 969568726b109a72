package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/devicelist"
	"go.mau.fi/fedsync/discovery"
	"go.mau.fi/fedsync/fedtypes"
	"go.mau.fi/fedsync/sendqueue"
)

type ReqEnqueue struct {
	PDUs []json.RawMessage `json:"pdus"`
	EDUs []fedtypes.EDU    `json:"edus"`
}

type RespQueueStatus struct {
	PendingPDUs int                            `json:"pending_pdus"`
	PendingEDUs int                            `json:"pending_edus"`
	InFlight    *sendqueue.InFlightTransaction `json:"in_flight,omitempty"`
}

func (fs *FedSync) queueStatus(destination string) *RespQueueStatus {
	var resp RespQueueStatus
	resp.PendingPDUs, resp.PendingEDUs = fs.Queue.Pending(destination)
	resp.InFlight = fs.Queue.InFlight(destination)
	return &resp
}

// PostEnqueue - POST /_fedsync/v1/queue/{destination}
func (fs *FedSync) PostEnqueue(w http.ResponseWriter, r *http.Request) {
	var req ReqEnqueue
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		mautrix.MNotJSON.WithMessage("Request body is not valid JSON").Write(w)
		return
	}
	for _, pdu := range req.PDUs {
		if _, err = fedtypes.ParsePDU(pdu); err != nil {
			mautrix.MBadJSON.WithMessage(err.Error()).Write(w)
			return
		}
	}
	destination := r.PathValue("destination")
	for _, pdu := range req.PDUs {
		fs.Queue.EnqueuePDU(destination, pdu)
	}
	for _, edu := range req.EDUs {
		fs.Queue.EnqueueEDU(destination, edu)
	}
	exhttp.WriteJSONResponse(w, http.StatusAccepted, fs.queueStatus(destination))
}

// GetQueueStatus - GET /_fedsync/v1/queue/{destination}
func (fs *FedSync) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, fs.queueStatus(r.PathValue("destination")))
}

type ReqLocalDevice struct {
	DisplayName  string          `json:"device_display_name,omitempty"`
	Keys         json.RawMessage `json:"keys,omitempty"`
	Destinations []string        `json:"destinations"`
}

func (fs *FedSync) publishLocalDevice(w http.ResponseWriter, r *http.Request, deleted bool) {
	var req ReqLocalDevice
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		mautrix.MNotJSON.WithMessage("Request body is not valid JSON").Write(w)
		return
	}
	var device *fedtypes.Device
	if !deleted {
		device = &fedtypes.Device{DisplayName: req.DisplayName, Keys: req.Keys}
	}
	update, err := fs.DeviceLists.PublishLocalUpdate(
		r.Context(),
		id.UserID(r.PathValue("userID")),
		id.DeviceID(r.PathValue("deviceID")),
		device,
		req.Destinations,
	)
	if errors.Is(err, devicelist.ErrNotLocalUser) || errors.Is(err, devicelist.ErrInvalidUpdate) {
		mautrix.MInvalidParam.WithMessage(err.Error()).Write(w)
		return
	} else if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to publish device list update")
		mautrix.MUnknown.WithMessage("Failed to publish device list update").Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, update)
}

// PutLocalDevice - PUT /_fedsync/v1/devices/{userID}/{deviceID}
func (fs *FedSync) PutLocalDevice(w http.ResponseWriter, r *http.Request) {
	fs.publishLocalDevice(w, r, false)
}

// DeleteLocalDevice - DELETE /_fedsync/v1/devices/{userID}/{deviceID}
func (fs *FedSync) DeleteLocalDevice(w http.ResponseWriter, r *http.Request) {
	fs.publishLocalDevice(w, r, true)
}

type RespDeviceListUpdates struct {
	Updates []*devicelist.LoggedEDU `json:"updates"`
}

// GetDeviceListUpdates - GET /_fedsync/v1/devices/{userID}/updates?since=
func (fs *FedSync) GetDeviceListUpdates(w http.ResponseWriter, r *http.Request) {
	var since int64
	if rawSince := r.URL.Query().Get("since"); rawSince != "" {
		var err error
		since, err = strconv.ParseInt(rawSince, 10, 64)
		if err != nil {
			mautrix.MInvalidParam.WithMessage("Invalid since parameter").Write(w)
			return
		}
	}
	updates, err := fs.DB.DeviceList.GetEDUs(r.Context(), id.UserID(r.PathValue("userID")), since)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to get device list updates")
		mautrix.MUnknown.WithMessage("Failed to get device list updates").Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &RespDeviceListUpdates{Updates: updates})
}

// PostResync - POST /_fedsync/v1/devices/{userID}/resync
func (fs *FedSync) PostResync(w http.ResponseWriter, r *http.Request) {
	err := fs.DeviceLists.Resync(r.Context(), id.UserID(r.PathValue("userID")))
	if errors.Is(err, devicelist.ErrLocalUser) {
		mautrix.MInvalidParam.WithMessage("Can't resync local users").Write(w)
		return
	} else if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to resync device list")
		mautrix.MUnknown.WithMessage("Failed to resync device list: %v", err).Write(w)
		return
	}
	exhttp.WriteEmptyJSONResponse(w, http.StatusOK)
}

// GetRemoteVersion - GET /_fedsync/v1/servers/{serverName}/version
//
// Checks that a server is reachable over federation and reports its software.
func (fs *FedSync) GetRemoteVersion(w http.ResponseWriter, r *http.Request) {
	serverName := r.PathValue("serverName")
	resp, err := fs.Client.Version(r.Context(), serverName)
	if errors.Is(err, discovery.ErrInvalidServerName) {
		mautrix.MInvalidParam.WithMessage(err.Error()).Write(w)
		return
	} else if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Str("server_name", serverName).Msg("Failed to query server version")
		mautrix.MUnknown.WithMessage("Failed to reach %s: %v", serverName, err).WithStatus(http.StatusBadGateway).Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}

// GetEventStream - GET /_fedsync/v1/events
//
// Streams newly accepted PDUs as newline-delimited JSON until the client disconnects.
func (fs *FedSync) GetEventStream(w http.ResponseWriter, r *http.Request) {
	buffer := 64
	if rawBuffer := r.URL.Query().Get("buffer"); rawBuffer != "" {
		var err error
		buffer, err = strconv.Atoi(rawBuffer)
		if err != nil || buffer < 0 {
			mautrix.MInvalidParam.WithMessage("Invalid buffer parameter").Write(w)
			return
		}
	}
	sub := fs.Receiver.Subscribe(r.Context(), buffer)
	defer sub.Close()
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()
	enc := json.NewEncoder(w)
	for pdu := range sub.Events() {
		raw, err := pdu.Raw()
		if err == nil {
			err = enc.Encode(raw)
		}
		if err != nil {
			hlog.FromRequest(r).Debug().Err(err).Msg("Event stream client went away")
			break
		}
		_ = rc.Flush()
	}
	if dropped := sub.Dropped(); dropped > 0 {
		hlog.FromRequest(r).Warn().Int64("dropped", dropped).Msg("Event stream subscriber missed events")
	}
}
