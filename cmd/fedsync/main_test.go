package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/config"
	"go.mau.fi/fedsync/fedtypes"
	"go.mau.fi/fedsync/keyring"
	"go.mau.fi/fedsync/signing"
	"go.mau.fi/fedsync/xmatrix"
)

const (
	localServer    = "local.example"
	remoteServer   = "remote.example"
	remoteKeyID    = id.KeyID("ed25519:remote")
	testSecret     = "management secret"
	testRoomID     = id.RoomID("!room:remote.example")
	testRemoteUser = id.UserID("@bob:remote.example")
)

type testEnv struct {
	fs         *FedSync
	srv        *httptest.Server
	remotePriv ed25519.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	rawDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", t.Name()))
	require.NoError(t, err)
	rawDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = rawDB.Close() })
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	require.NoError(t, err)

	log := zerolog.Nop()
	fs := &FedSync{
		Config: &config.Config{Server: config.ServerConfig{
			ServerName:       localServer,
			WellKnownServer:  "federation.local.example:443",
			ManagementSecret: testSecret,
		}},
		Log: &log,
	}
	fs.initComponents(db)
	require.NoError(t, fs.DB.Upgrade(ctx))
	require.NoError(t, fs.Keys.EnsureKey(ctx))

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, fs.DB.SigningKey.PutKey(ctx, &keyring.SigningKey{
		ServerName: remoteServer,
		KeyID:      remoteKeyID,
		PublicKey:  pub,
		CreatedAt:  time.Now(),
	}))

	srv := httptest.NewServer(fs.Router())
	t.Cleanup(srv.Close)
	return &testEnv{fs: fs, srv: srv, remotePriv: priv}
}

func (env *testEnv) request(t *testing.T, method, path string, body any, auth func(req *http.Request, content []byte)) (int, []byte) {
	t.Helper()
	var content []byte
	if body != nil {
		var err error
		content, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, bytes.NewReader(content))
	require.NoError(t, err)
	if auth != nil {
		auth(req, content)
	}
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (env *testEnv) signed(t *testing.T) func(req *http.Request, content []byte) {
	return func(req *http.Request, content []byte) {
		auth, err := xmatrix.SignRequest(remoteServer, localServer, req.Method, req.URL.RequestURI(), content, remoteKeyID, env.remotePriv)
		require.NoError(t, err)
		req.Header.Set("Authorization", auth.String())
	}
}

func bearer(token string) func(req *http.Request, content []byte) {
	return func(req *http.Request, content []byte) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (env *testEnv) makePDU(t *testing.T, eventID id.EventID, depth int64, stateKey *string, prev []id.EventID, auth []id.EventID) json.RawMessage {
	t.Helper()
	evt := map[string]any{
		"event_id":         eventID,
		"room_id":          testRoomID,
		"sender":           testRemoteUser,
		"type":             "m.room.message",
		"content":          map[string]any{"body": string(eventID)},
		"origin_server_ts": time.Now().UnixMilli(),
		"depth":            depth,
		"prev_events":      prev,
		"auth_events":      auth,
	}
	if stateKey != nil {
		evt["type"] = "m.room.member"
		evt["state_key"] = *stateKey
		evt["content"] = map[string]any{"membership": "join"}
	}
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	hash, err := fedtypes.ContentHash(raw)
	require.NoError(t, err)
	raw, err = sjson.SetBytes(raw, "hashes.sha256", hash)
	require.NoError(t, err)
	raw, err = signing.SignAndAdd(raw, remoteServer, remoteKeyID, env.remotePriv)
	require.NoError(t, err)
	return raw
}

func TestUnauthenticatedEndpoints(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.request(t, http.MethodGet, "/_matrix/key/v2/server", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, localServer, gjson.GetBytes(body, "server_name").Str)
	keyID := env.fs.Keys.ActiveKey().KeyID
	require.NoError(t, signing.VerifyJSON(body, localServer, keyID, env.fs.Keys.ActiveKey().PublicKey))

	status, body = env.request(t, http.MethodGet, "/_matrix/federation/v1/version", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, Name, gjson.GetBytes(body, "server.name").Str)

	status, body = env.request(t, http.MethodGet, "/.well-known/matrix/server", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "federation.local.example:443", gjson.GetBytes(body, "m\\.server").Str)

	status, body = env.request(t, http.MethodGet, "/_fedsync/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, gjson.GetBytes(body, "ok").Bool())

	status, _ = env.request(t, http.MethodGet, "/_fedsync/v1/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = env.request(t, http.MethodGet, "/_matrix/federation/v1/nonexistent", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "M_UNAUTHORIZED", gjson.GetBytes(body, "errcode").Str)
}

func TestXMatrixAuth(t *testing.T) {
	env := newTestEnv(t)
	path := "/_matrix/federation/v1/user/devices/@alice:local.example"

	status, body := env.request(t, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "M_UNAUTHORIZED", gjson.GetBytes(body, "errcode").Str)

	status, _ = env.request(t, http.MethodGet, path, nil, func(req *http.Request, content []byte) {
		auth, err := xmatrix.SignRequest(remoteServer, localServer, req.Method, "/some/other/path", content, remoteKeyID, env.remotePriv)
		require.NoError(t, err)
		req.Header.Set("Authorization", auth.String())
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.request(t, http.MethodGet, path, nil, func(req *http.Request, content []byte) {
		auth, err := xmatrix.SignRequest(remoteServer, "elsewhere.example", req.Method, req.URL.RequestURI(), content, remoteKeyID, env.remotePriv)
		require.NoError(t, err)
		req.Header.Set("Authorization", auth.String())
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = env.request(t, http.MethodGet, path, nil, env.signed(t))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "@alice:local.example", gjson.GetBytes(body, "user_id").Str)
	assert.EqualValues(t, 0, gjson.GetBytes(body, "stream_id").Int())

	status, body = env.request(t, http.MethodGet, "/_matrix/federation/v1/user/devices/@bob:remote.example", nil, env.signed(t))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "M_INVALID_PARAM", gjson.GetBytes(body, "errcode").Str)
}

func TestTransactionAndEventEndpoints(t *testing.T) {
	env := newTestEnv(t)
	memberKey := "@bob:remote.example"
	create := env.makePDU(t, "$create", 1, &memberKey, []id.EventID{}, []id.EventID{})
	msg1 := env.makePDU(t, "$msg1", 2, nil, []id.EventID{"$create"}, []id.EventID{"$create"})
	msg2 := env.makePDU(t, "$msg2", 3, nil, []id.EventID{"$msg1"}, []id.EventID{"$create"})
	txn := &fedtypes.Transaction{
		Origin:         remoteServer,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           []json.RawMessage{create, msg1, msg2},
	}
	status, body := env.request(t, http.MethodPut, "/_matrix/federation/v1/send/txn1", txn, env.signed(t))
	require.Equal(t, http.StatusOK, status, string(body))
	var resp fedtypes.RespSend
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Len(t, resp.PDUs, 3)
	assert.Empty(t, resp.Failed())

	// Retransmission gets the same response
	status, body = env.request(t, http.MethodPut, "/_matrix/federation/v1/send/txn1", txn, env.signed(t))
	require.Equal(t, http.StatusOK, status)
	var resp2 fedtypes.RespSend
	require.NoError(t, json.Unmarshal(body, &resp2))
	assert.Equal(t, resp, resp2)

	status, body = env.request(t, http.MethodGet, "/_matrix/federation/v1/event/$msg1", nil, env.signed(t))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, localServer, gjson.GetBytes(body, "origin").Str)
	assert.Equal(t, "$msg1", gjson.GetBytes(body, "pdus.0.event_id").Str)

	status, body = env.request(t, http.MethodGet, "/_matrix/federation/v1/event/$unknown", nil, env.signed(t))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "M_NOT_FOUND", gjson.GetBytes(body, "errcode").Str)

	status, body = env.request(t, http.MethodPost, "/_matrix/federation/v1/get_missing_events/"+string(testRoomID), &fedtypes.MissingEventsRequest{
		LatestEvents:   []id.EventID{"$msg2"},
		EarliestEvents: []id.EventID{},
	}, env.signed(t))
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "$msg1", gjson.GetBytes(body, "events.0.event_id").Str)
	assert.Equal(t, "$create", gjson.GetBytes(body, "events.1.event_id").Str)
	pdu, err := fedtypes.ParsePDU(json.RawMessage(gjson.GetBytes(body, "events.0").Raw))
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$msg1"), pdu.EventID)

	status, body = env.request(t, http.MethodPost, "/_matrix/federation/v1/get_missing_events/"+string(testRoomID), &fedtypes.MissingEventsRequest{}, env.signed(t))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "M_INVALID_PARAM", gjson.GetBytes(body, "errcode").Str)

	status, body = env.request(t, http.MethodGet, "/_matrix/federation/v1/state_ids/"+string(testRoomID)+"?event_id=$msg2", nil, env.signed(t))
	require.Equal(t, http.StatusOK, status, string(body))
	var stateIDs fedtypes.RespStateIDs
	require.NoError(t, json.Unmarshal(body, &stateIDs))
	assert.Equal(t, []id.EventID{"$create"}, stateIDs.PDUIDs)
	assert.Empty(t, stateIDs.AuthChainIDs)

	status, body = env.request(t, http.MethodGet, "/_matrix/federation/v1/state/"+string(testRoomID)+"?event_id=$msg2", nil, env.signed(t))
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "$create", gjson.GetBytes(body, "pdus.0.event_id").Str)

	status, body = env.request(t, http.MethodGet, "/_matrix/federation/v1/state_ids/"+string(testRoomID), nil, env.signed(t))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "M_MISSING_PARAM", gjson.GetBytes(body, "errcode").Str)
}

func TestTransactionLimits(t *testing.T) {
	env := newTestEnv(t)
	txn := &fedtypes.Transaction{Origin: remoteServer}
	for i := range fedtypes.MaxPDUsPerTransaction + 1 {
		txn.PDUs = append(txn.PDUs, env.makePDU(t, id.EventID(fmt.Sprintf("$e%d", i)), 1, nil, []id.EventID{}, []id.EventID{}))
	}
	status, body := env.request(t, http.MethodPut, "/_matrix/federation/v1/send/big", txn, env.signed(t))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "M_BAD_JSON", gjson.GetBytes(body, "errcode").Str)

	status, _ = env.request(t, http.MethodPut, "/_matrix/federation/v1/send/spoofed", &fedtypes.Transaction{Origin: "other.example"}, env.signed(t))
	assert.Equal(t, http.StatusForbidden, status)
}

func TestManagementAPI(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.request(t, http.MethodGet, "/_fedsync/v1/queue/remote.example", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = env.request(t, http.MethodGet, "/_fedsync/v1/queue/remote.example", nil, bearer("wrong"))
	assert.Equal(t, http.StatusUnauthorized, status)

	pdu := env.makePDU(t, "$out", 1, nil, []id.EventID{}, []id.EventID{})
	status, body := env.request(t, http.MethodPost, "/_fedsync/v1/queue/other.example", &ReqEnqueue{
		PDUs: []json.RawMessage{pdu},
	}, bearer(testSecret))
	require.Equal(t, http.StatusAccepted, status, string(body))
	assert.EqualValues(t, 1, gjson.GetBytes(body, "pending_pdus").Int())

	status, _ = env.request(t, http.MethodPost, "/_fedsync/v1/queue/other.example", &ReqEnqueue{
		PDUs: []json.RawMessage{json.RawMessage(`{"not":"an event"}`)},
	}, bearer(testSecret))
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.request(t, http.MethodPut, "/_fedsync/v1/devices/@alice:local.example/PHONE", &ReqLocalDevice{
		DisplayName:  "Phone",
		Destinations: []string{"other.example"},
	}, bearer(testSecret))
	require.Equal(t, http.StatusOK, status, string(body))
	assert.EqualValues(t, 1, gjson.GetBytes(body, "stream_id").Int())
	pendingPDUs, pendingEDUs := env.fs.Queue.Pending("other.example")
	assert.Equal(t, 1, pendingPDUs)
	assert.Equal(t, 1, pendingEDUs)

	status, body = env.request(t, http.MethodDelete, "/_fedsync/v1/devices/@alice:local.example/PHONE", &ReqLocalDevice{}, bearer(testSecret))
	require.Equal(t, http.StatusOK, status, string(body))
	assert.True(t, gjson.GetBytes(body, "deleted").Bool())
	assert.EqualValues(t, []any{float64(1)}, gjson.GetBytes(body, "prev_id").Value())

	status, body = env.request(t, http.MethodGet, "/_fedsync/v1/devices/@alice:local.example/updates?since=1", nil, bearer(testSecret))
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, gjson.GetBytes(body, "updates.#").Int())
	assert.EqualValues(t, 2, gjson.GetBytes(body, "updates.0.stream_id").Int())

	status, _ = env.request(t, http.MethodPut, "/_fedsync/v1/devices/@bob:remote.example/PHONE", &ReqLocalDevice{}, bearer(testSecret))
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = env.request(t, http.MethodPost, "/_fedsync/v1/devices/@alice:local.example/resync", nil, bearer(testSecret))
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.request(t, http.MethodGet, "/_fedsync/v1/servers/remote.example./version", nil, bearer(testSecret))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "M_INVALID_PARAM", gjson.GetBytes(body, "errcode").Str)
}

func TestManagementAPI_Disabled(t *testing.T) {
	env := newTestEnv(t)
	env.fs.managementSecret = nil
	srv := httptest.NewServer(env.fs.Router())
	defer srv.Close()
	env.srv = srv
	status, _ := env.request(t, http.MethodGet, "/_fedsync/v1/queue/remote.example", nil, bearer(testSecret))
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/_fedsync/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	txn := &fedtypes.Transaction{
		Origin: remoteServer,
		PDUs:   []json.RawMessage{env.makePDU(t, "$streamed", 1, nil, []id.EventID{}, []id.EventID{})},
	}
	status, _ := env.request(t, http.MethodPut, "/_matrix/federation/v1/send/stream", txn, env.signed(t))
	require.Equal(t, http.StatusOK, status)

	dec := json.NewDecoder(resp.Body)
	var pdu fedtypes.PDU
	require.NoError(t, dec.Decode(&pdu))
	assert.Equal(t, id.EventID("$streamed"), pdu.EventID)
}

func TestServedEventsKeepSignatures(t *testing.T) {
	env := newTestEnv(t)
	pub := env.remotePriv.Public().(ed25519.PublicKey)
	memberKey := "@bob:remote.example"
	create := env.makePDU(t, "$create", 1, &memberKey, []id.EventID{}, []id.EventID{})

	// No auth_events and an extra hash algorithm, neither of which the typed envelope keeps
	odd, err := json.Marshal(map[string]any{
		"event_id":         "$odd",
		"room_id":          testRoomID,
		"sender":           testRemoteUser,
		"type":             "m.room.message",
		"content":          map[string]any{"body": "odd"},
		"origin_server_ts": time.Now().UnixMilli(),
		"depth":            2,
		"prev_events":      []id.EventID{"$create"},
	})
	require.NoError(t, err)
	hash, err := fedtypes.ContentHash(odd)
	require.NoError(t, err)
	odd, err = sjson.SetBytes(odd, "hashes", map[string]string{"sha256": hash, "other": "abc"})
	require.NoError(t, err)
	odd, err = signing.SignAndAdd(odd, remoteServer, remoteKeyID, env.remotePriv)
	require.NoError(t, err)
	last := env.makePDU(t, "$last", 3, nil, []id.EventID{"$odd"}, []id.EventID{"$odd"})

	txn := &fedtypes.Transaction{Origin: remoteServer, PDUs: []json.RawMessage{create, odd, last}}
	status, body := env.request(t, http.MethodPut, "/_matrix/federation/v1/send/fidelity", txn, env.signed(t))
	require.Equal(t, http.StatusOK, status, string(body))
	var sendResp fedtypes.RespSend
	require.NoError(t, json.Unmarshal(body, &sendResp))
	require.Empty(t, sendResp.Failed())

	assertVerifies := func(t *testing.T, events gjson.Result, expected ...id.EventID) {
		t.Helper()
		var ids []id.EventID
		for _, evt := range events.Array() {
			ids = append(ids, id.EventID(evt.Get("event_id").Str))
			assert.NoError(t, signing.VerifyJSON(json.RawMessage(evt.Raw), remoteServer, remoteKeyID, pub), evt.Get("event_id").Str)
			if evt.Get("event_id").Str == "$odd" {
				assert.Equal(t, "abc", evt.Get("hashes.other").Str)
				assert.False(t, evt.Get("auth_events").Exists())
			}
		}
		assert.Equal(t, expected, ids)
	}

	status, body = env.request(t, http.MethodPost, "/_matrix/federation/v1/get_missing_events/"+string(testRoomID), &fedtypes.MissingEventsRequest{
		LatestEvents: []id.EventID{"$last"},
	}, env.signed(t))
	require.Equal(t, http.StatusOK, status, string(body))
	assertVerifies(t, gjson.GetBytes(body, "events"), "$odd", "$create")

	status, body = env.request(t, http.MethodGet, "/_matrix/federation/v1/backfill/"+string(testRoomID)+"?v=$last&limit=10", nil, env.signed(t))
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, localServer, gjson.GetBytes(body, "origin").Str)
	assertVerifies(t, gjson.GetBytes(body, "pdus"), "$last", "$odd", "$create")

	status, body = env.request(t, http.MethodGet, "/_matrix/federation/v1/event_auth/"+string(testRoomID)+"/$last", nil, env.signed(t))
	require.Equal(t, http.StatusOK, status, string(body))
	assertVerifies(t, gjson.GetBytes(body, "auth_chain"), "$odd")

	status, body = env.request(t, http.MethodGet, "/_matrix/federation/v1/state/"+string(testRoomID)+"?event_id=$last", nil, env.signed(t))
	require.Equal(t, http.StatusOK, status, string(body))
	assertVerifies(t, gjson.GetBytes(body, "pdus"), "$create")
}

func TestBackfillAndEventAuthErrors(t *testing.T) {
	env := newTestEnv(t)
	memberKey := "@bob:remote.example"
	txn := &fedtypes.Transaction{
		Origin: remoteServer,
		PDUs:   []json.RawMessage{env.makePDU(t, "$create", 1, &memberKey, []id.EventID{}, []id.EventID{})},
	}
	status, _ := env.request(t, http.MethodPut, "/_matrix/federation/v1/send/setup", txn, env.signed(t))
	require.Equal(t, http.StatusOK, status)
	backfillPath := "/_matrix/federation/v1/backfill/" + string(testRoomID)

	status, body := env.request(t, http.MethodGet, backfillPath+"?v=$create&limit=5", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, body = env.request(t, http.MethodGet, backfillPath+"?limit=5", nil, env.signed(t))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "M_MISSING_PARAM", gjson.GetBytes(body, "errcode").Str)
	status, body = env.request(t, http.MethodGet, backfillPath+"?v=$create", nil, env.signed(t))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "M_MISSING_PARAM", gjson.GetBytes(body, "errcode").Str)
	status, body = env.request(t, http.MethodGet, backfillPath+"?v=$create&limit=101", nil, env.signed(t))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "M_INVALID_PARAM", gjson.GetBytes(body, "errcode").Str)
	status, body = env.request(t, http.MethodGet, backfillPath+"?v=$unknown&limit=5", nil, env.signed(t))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "M_NOT_FOUND", gjson.GetBytes(body, "errcode").Str)

	status, body = env.request(t, http.MethodGet, "/_matrix/federation/v1/event_auth/"+string(testRoomID)+"/$unknown", nil, env.signed(t))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "M_NOT_FOUND", gjson.GetBytes(body, "errcode").Str)
}
