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

	"go.mau.fi/fedsync/discovery"
	"go.mau.fi/fedsync/fedtypes"
)

// GetServerKeys - GET /_matrix/key/v2/server
func (fs *FedSync) GetServerKeys(w http.ResponseWriter, r *http.Request) {
	doc, err := fs.Keys.ServerKeys(r.Context())
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to build key document")
		mautrix.MUnknown.WithMessage("Failed to get server keys").Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, doc)
}

// GetNotaryKeys - GET /_matrix/key/v2/query/{serverName}
func (fs *FedSync) GetNotaryKeys(w http.ResponseWriter, r *http.Request) {
	serverName := r.PathValue("serverName")
	if _, err := discovery.ParseServerName(serverName); err != nil {
		mautrix.MInvalidParam.WithMessage("Invalid server name").Write(w)
		return
	}
	var minValidUntil time.Time
	if rawTS := r.URL.Query().Get("minimum_valid_until_ts"); rawTS != "" {
		ts, err := strconv.ParseInt(rawTS, 10, 64)
		if err != nil {
			mautrix.MInvalidParam.WithMessage("Invalid minimum_valid_until_ts").Write(w)
			return
		}
		minValidUntil = time.UnixMilli(ts)
	}
	resp, err := fs.Keys.NotaryQueryServer(r.Context(), serverName, minValidUntil)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to query keys")
		mautrix.MUnknown.WithMessage("Failed to query keys").Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}

// PostNotaryKeys - POST /_matrix/key/v2/query
func (fs *FedSync) PostNotaryKeys(w http.ResponseWriter, r *http.Request) {
	var req fedtypes.ReqQueryKeys
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		mautrix.MNotJSON.WithMessage("Request body is not valid JSON").Write(w)
		return
	}
	for serverName := range req.ServerKeys {
		if _, err = discovery.ParseServerName(serverName); err != nil {
			mautrix.MInvalidParam.WithMessage("Invalid server name %q", serverName).Write(w)
			return
		}
	}
	resp, err := fs.Keys.NotaryQuery(r.Context(), &req)
	if err != nil {
		if !errors.Is(err, r.Context().Err()) {
			hlog.FromRequest(r).Err(err).Msg("Failed to query keys")
		}
		mautrix.MUnknown.WithMessage("Failed to query keys").Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}
