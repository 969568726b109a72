// Package fedclient is an HTTP client for the server-server API.
package fedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/discovery"
	"go.mau.fi/fedsync/fedtypes"
	"go.mau.fi/fedsync/xmatrix"
)

var ErrInvalidResponse = errors.New("invalid response body")

const maxErrorBodySize = 64 * 1024

// Signer produces X-Matrix authorization for outgoing requests.
type Signer interface {
	ServerName() string
	SignRequest(method, uri, destination string, content []byte) (*xmatrix.Auth, error)
}

type Client struct {
	HTTP   *http.Client
	Signer Signer
}

func NewClient(resolver Resolver, signer Signer) *Client {
	return &Client{
		HTTP: &http.Client{
			Transport: NewResolvingTransport(resolver),
			Timeout:   120 * time.Second,
		},
		Signer: signer,
	}
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	RespError  *mautrix.RespError
	RetryAfter time.Duration
}

func (he HTTPError) Error() string {
	if he.RespError != nil {
		return fmt.Sprintf("HTTP %d: %s", he.StatusCode, he.RespError.Error())
	}
	return fmt.Sprintf("HTTP %d", he.StatusCode)
}

func (he HTTPError) Unwrap() error {
	if he.RespError != nil {
		return *he.RespError
	}
	return nil
}

// IsRetryable returns true for errors that may succeed if the request is
// repeated: network failures, timeouts, rate limits and server errors.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, discovery.ErrInvalidServerName) {
		return false
	}
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	return !errors.Is(err, ErrInvalidResponse)
}

// RetryAfter returns the delay requested by the server, if any.
func RetryAfter(err error) time.Duration {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}

func parseRetryAfter(header string, body []byte) time.Duration {
	if ms := gjson.GetBytes(body, "retry_after_ms"); ms.Type == gjson.Number && ms.Int() > 0 {
		return time.Duration(ms.Int()) * time.Millisecond
	}
	if header == "" {
		return 0
	} else if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	} else if at, err := http.ParseTime(header); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}

// BuildURL builds a matrix-federation:// URL with each path segment escaped.
func BuildURL(destination string, query url.Values, path ...string) *url.URL {
	escaped := make([]string, len(path))
	for i, part := range path {
		escaped[i] = url.PathEscape(part)
	}
	u := &url.URL{
		Scheme:   URLScheme,
		Host:     destination,
		Path:     "/" + strings.Join(path, "/"),
		RawPath:  "/" + strings.Join(escaped, "/"),
		RawQuery: query.Encode(),
	}
	return u
}

// MakeRequest sends a request to the destination, signing it if sign is true,
// and decodes the JSON response into respData.
func (c *Client) MakeRequest(ctx context.Context, destination, method string, u *url.URL, sign bool, reqData, respData any) error {
	var body []byte
	if reqData != nil {
		var err error
		body, err = json.Marshal(reqData)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", mautrix.DefaultUserAgent)
	if sign {
		auth, err := c.Signer.SignRequest(method, u.RequestURI(), destination, body)
		if err != nil {
			return fmt.Errorf("failed to sign request: %w", err)
		}
		req.Header.Set("Authorization", auth.String())
	}
	log := zerolog.Ctx(ctx).With().
		Str("destination", destination).
		Str("method", method).
		Str("path", u.Path).
		Logger()
	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		log.Debug().Err(err).Dur("duration", time.Since(start)).Msg("Federation request failed")
		return err
	}
	defer resp.Body.Close()
	log.Trace().Int("status_code", resp.StatusCode).Dur("duration", time.Since(start)).Msg("Federation request completed")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		httpErr := HTTPError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), errBody),
		}
		var respErr mautrix.RespError
		if json.Unmarshal(errBody, &respErr) == nil && respErr.ErrCode != "" {
			respErr.StatusCode = resp.StatusCode
			httpErr.RespError = &respErr
		}
		return httpErr
	}
	if respData == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(respData); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return nil
}

// SendTransaction sends a transaction with PUT /_matrix/federation/v1/send/{txnId}.
func (c *Client) SendTransaction(ctx context.Context, destination, txnID string, txn *fedtypes.Transaction) (*fedtypes.RespSend, error) {
	var resp fedtypes.RespSend
	u := BuildURL(destination, nil, "_matrix", "federation", "v1", "send", txnID)
	err := c.MakeRequest(ctx, destination, http.MethodPut, u, true, txn, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetServerKeys fetches the key document a server publishes about itself.
func (c *Client) GetServerKeys(ctx context.Context, serverName string) (json.RawMessage, error) {
	var resp json.RawMessage
	u := BuildURL(serverName, nil, "_matrix", "key", "v2", "server")
	err := c.MakeRequest(ctx, serverName, http.MethodGet, u, false, nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetUserDevices fetches the device list of a user from their homeserver.
func (c *Client) GetUserDevices(ctx context.Context, userID id.UserID) (*fedtypes.RespUserDevices, error) {
	destination := userID.Homeserver()
	var resp fedtypes.RespUserDevices
	u := BuildURL(destination, nil, "_matrix", "federation", "v1", "user", "devices", string(userID))
	err := c.MakeRequest(ctx, destination, http.MethodGet, u, true, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version fetches the server software name and version.
func (c *Client) Version(ctx context.Context, serverName string) (*fedtypes.RespVersion, error) {
	var resp fedtypes.RespVersion
	u := BuildURL(serverName, nil, "_matrix", "federation", "v1", "version")
	err := c.MakeRequest(ctx, serverName, http.MethodGet, u, false, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
