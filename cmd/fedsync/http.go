package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/requestlog"
	"maunium.net/go/mautrix"
)

func (fs *FedSync) Router() http.Handler {
	federation := http.NewServeMux()
	federation.HandleFunc("PUT /_matrix/federation/v1/send/{txnID}", fs.PutTransaction)
	federation.HandleFunc("GET /_matrix/federation/v1/event/{eventID}", fs.GetEvent)
	federation.HandleFunc("POST /_matrix/federation/v1/get_missing_events/{roomID}", fs.PostMissingEvents)
	federation.HandleFunc("GET /_matrix/federation/v1/backfill/{roomID}", fs.GetBackfill)
	federation.HandleFunc("GET /_matrix/federation/v1/event_auth/{roomID}/{eventID}", fs.GetEventAuth)
	federation.HandleFunc("GET /_matrix/federation/v1/state/{roomID}", fs.GetState)
	federation.HandleFunc("GET /_matrix/federation/v1/state_ids/{roomID}", fs.GetStateIDs)
	federation.HandleFunc("GET /_matrix/federation/v1/user/devices/{userID}", fs.GetUserDevices)
	federation.HandleFunc("GET /_matrix/key/v2/query/{serverName}", fs.GetNotaryKeys)
	federation.HandleFunc("POST /_matrix/key/v2/query", fs.PostNotaryKeys)
	authedFederation := fs.XMatrixAuth(federation)

	management := http.NewServeMux()
	management.HandleFunc("POST /_fedsync/v1/queue/{destination}", fs.PostEnqueue)
	management.HandleFunc("GET /_fedsync/v1/queue/{destination}", fs.GetQueueStatus)
	management.HandleFunc("PUT /_fedsync/v1/devices/{userID}/{deviceID}", fs.PutLocalDevice)
	management.HandleFunc("DELETE /_fedsync/v1/devices/{userID}/{deviceID}", fs.DeleteLocalDevice)
	management.HandleFunc("GET /_fedsync/v1/devices/{userID}/updates", fs.GetDeviceListUpdates)
	management.HandleFunc("POST /_fedsync/v1/devices/{userID}/resync", fs.PostResync)
	management.HandleFunc("GET /_fedsync/v1/servers/{serverName}/version", fs.GetRemoteVersion)
	managementAuth := SecretAuth(fs.managementSecret)

	logged := http.NewServeMux()
	logged.Handle("/_matrix/federation/", authedFederation)
	logged.Handle("/_matrix/key/v2/query", authedFederation)
	logged.Handle("/_matrix/key/v2/query/", authedFederation)
	logged.Handle("/_fedsync/v1/", managementAuth(management))
	// More specific patterns than the authenticated prefixes above
	logged.HandleFunc("GET /_matrix/federation/v1/version", fs.GetVersion)
	logged.HandleFunc("GET /_matrix/key/v2/server", fs.GetServerKeys)
	logged.HandleFunc("GET /.well-known/matrix/server", fs.GetWellKnown)
	logged.HandleFunc("GET /_fedsync/v1/health", fs.GetHealth)
	logged.Handle("GET /_fedsync/v1/metrics", promhttp.Handler())
	logged.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		mautrix.MUnrecognized.WithMessage("Unrecognized endpoint").Write(w)
	})

	router := http.NewServeMux()
	router.Handle("/", requestlog.AccessLogger(requestlog.Options{})(logged))
	// The event stream stays open indefinitely, so it's not access logged
	router.Handle("GET /_fedsync/v1/events", managementAuth(http.HandlerFunc(fs.GetEventStream)))

	return exhttp.ApplyMiddleware(
		router,
		hlog.NewHandler(fs.Log.With().Str("component", "http").Logger()),
		hlog.RequestIDHandler("request_id", "Request-Id"),
	)
}
