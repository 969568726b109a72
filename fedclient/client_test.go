package fedclient_test

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/discovery"
	"go.mau.fi/fedsync/fedclient"
	"go.mau.fi/fedsync/fedtypes"
	"go.mau.fi/fedsync/xmatrix"
)

type staticResolver struct {
	server *discovery.ResolvedServer
}

func (sr *staticResolver) Resolve(ctx context.Context, serverName string) (*discovery.ResolvedServer, error) {
	if _, err := discovery.ParseServerName(serverName); err != nil {
		return nil, err
	}
	resolved := *sr.server
	resolved.ServerName = serverName
	return &resolved, nil
}

type testSigner struct {
	priv ed25519.PrivateKey
}

func (ts *testSigner) ServerName() string {
	return "local.example"
}

func (ts *testSigner) SignRequest(method, uri, destination string, content []byte) (*xmatrix.Auth, error) {
	return xmatrix.SignRequest(ts.ServerName(), destination, method, uri, content, "ed25519:test", ts.priv)
}

func newTestClient(t *testing.T, handler http.HandlerFunc, policy discovery.CertPolicy, tlsHostname string) (*fedclient.Client, ed25519.PublicKey) {
	ts := httptest.NewTLSServer(handler)
	t.Cleanup(ts.Close)
	addr := netip.MustParseAddrPort(ts.Listener.Addr().String())
	resolver := &staticResolver{server: &discovery.ResolvedServer{
		IP:          addr.Addr(),
		Port:        addr.Port(),
		HostHeader:  "remote.example",
		TLSHostname: tlsHostname,
		CertPolicy:  policy,
	}}
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	client := fedclient.NewClient(resolver, &testSigner{priv: priv})
	roots := x509.NewCertPool()
	roots.AddCert(ts.Certificate())
	client.HTTP.Transport.(*fedclient.ResolvingTransport).TLSConfig = &tls.Config{RootCAs: roots}
	return client, pub
}

func TestSendTransaction(t *testing.T) {
	var pub ed25519.PublicKey
	var client *fedclient.Client
	client, pub = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/_matrix/federation/v1/send/txn%2F1", r.URL.EscapedPath())
		assert.Equal(t, "remote.example", r.Host)
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		auth, err := xmatrix.VerifyHTTPRequest(r, body, "remote.example", func(ctx context.Context, serverName string, keyID id.KeyID) (ed25519.PublicKey, error) {
			assert.Equal(t, "local.example", serverName)
			assert.Equal(t, id.KeyID("ed25519:test"), keyID)
			return pub, nil
		})
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "local.example", auth.Origin)
		var txn fedtypes.Transaction
		assert.NoError(t, json.Unmarshal(body, &txn))
		assert.Len(t, txn.PDUs, 1)
		_, _ = w.Write([]byte(`{"pdus": {"$a": {}, "$b": {"error": "bad event"}}}`))
	}, discovery.CertPolicyHostname, "example.com")

	resp, err := client.SendTransaction(context.Background(), "remote.example", "txn/1", &fedtypes.Transaction{
		Origin:         "local.example",
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           []json.RawMessage{json.RawMessage(`{"event_id": "$a"}`)},
	})
	require.NoError(t, err)
	assert.Len(t, resp.PDUs, 2)
	assert.Equal(t, "bad event", resp.PDUs["$b"].Error)
}

func TestMakeRequest_Errors(t *testing.T) {
	t.Run("RateLimited", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"errcode": "M_LIMIT_EXCEEDED", "error": "slow down", "retry_after_ms": 1500}`))
		}, discovery.CertPolicyHostname, "example.com")
		_, err := client.SendTransaction(context.Background(), "remote.example", "1", &fedtypes.Transaction{})
		require.Error(t, err)
		assert.True(t, fedclient.IsRetryable(err))
		assert.Equal(t, 1500*time.Millisecond, fedclient.RetryAfter(err))
		assert.ErrorIs(t, err, mautrix.MLimitExceeded)
	})
	t.Run("RetryAfterHeader", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusServiceUnavailable)
		}, discovery.CertPolicyHostname, "example.com")
		_, err := client.Version(context.Background(), "remote.example")
		require.Error(t, err)
		assert.True(t, fedclient.IsRetryable(err))
		assert.Equal(t, 3*time.Second, fedclient.RetryAfter(err))
	})
	t.Run("BadRequest", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errcode": "M_BAD_JSON", "error": "nope"}`))
		}, discovery.CertPolicyHostname, "example.com")
		_, err := client.SendTransaction(context.Background(), "remote.example", "1", &fedtypes.Transaction{})
		require.Error(t, err)
		assert.False(t, fedclient.IsRetryable(err))
		assert.ErrorIs(t, err, mautrix.MBadJSON)
	})
	t.Run("InvalidBody", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}, discovery.CertPolicyHostname, "example.com")
		_, err := client.Version(context.Background(), "remote.example")
		assert.ErrorIs(t, err, fedclient.ErrInvalidResponse)
		assert.False(t, fedclient.IsRetryable(err))
	})
	t.Run("InvalidServerName", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("request shouldn't reach the server")
		}, discovery.CertPolicyHostname, "example.com")
		_, err := client.Version(context.Background(), "remote.example.")
		assert.ErrorIs(t, err, discovery.ErrInvalidServerName)
		assert.False(t, fedclient.IsRetryable(err))
	})
	t.Run("Canceled", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, discovery.CertPolicyHostname, "example.com")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := client.Version(ctx, "remote.example")
		require.Error(t, err)
		assert.False(t, fedclient.IsRetryable(err))
	})
}

func TestResolvingTransport_CertPolicies(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"server": {"name": "test", "version": "1"}}`))
	}
	t.Run("SkipHostname", func(t *testing.T) {
		client, _ := newTestClient(t, handler, discovery.CertPolicySkipHostname, "")
		resp, err := client.Version(context.Background(), "127.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, "test", resp.Server.Name)
	})
	t.Run("HostnameMismatch", func(t *testing.T) {
		client, _ := newTestClient(t, handler, discovery.CertPolicyHostname, "wrong.invalid")
		_, err := client.Version(context.Background(), "remote.example")
		var certErr x509.HostnameError
		assert.ErrorAs(t, err, &certErr)
		assert.True(t, fedclient.IsRetryable(err))
	})
}

func TestBuildURL(t *testing.T) {
	u := fedclient.BuildURL("example.com:8448", nil, "_matrix", "federation", "v1", "user", "devices", "@alice:example.com")
	assert.Equal(t, "matrix-federation://example.com:8448/_matrix/federation/v1/user/devices/@alice:example.com", u.String())
	assert.Equal(t, "/_matrix/federation/v1/user/devices/@alice:example.com", u.RequestURI())
}
