package main

import (
	"context"
	"net/http"
	"time"

	"go.mau.fi/util/exhttp"
)

type RespHealth struct {
	Ok         bool `json:"ok"`
	DB         bool `json:"db"`
	SigningKey bool `json:"signing_key"`
}

// GetHealth - GET /_fedsync/v1/health
func (fs *FedSync) GetHealth(w http.ResponseWriter, r *http.Request) {
	var resp RespHealth
	pingDeadline, abort := context.WithTimeout(r.Context(), time.Second*5)
	defer abort()
	resp.DB = fs.DB.RawDB.PingContext(pingDeadline) == nil
	resp.SigningKey = fs.Keys.ActiveKey() != nil
	resp.Ok = resp.DB && resp.SigningKey
	if resp.Ok {
		exhttp.WriteJSONResponse(w, http.StatusOK, resp)
	} else {
		exhttp.WriteJSONResponse(w, http.StatusServiceUnavailable, resp)
	}
}
