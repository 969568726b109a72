// Package xmatrix implements the X-Matrix authorization scheme used to
// authenticate server-to-server requests.
package xmatrix

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/canonicaljson"
	"go.mau.fi/fedsync/signing"
)

var (
	ErrMissingHeader    = errors.New("missing X-Matrix authorization header")
	ErrMalformedHeader  = errors.New("malformed X-Matrix authorization header")
	ErrWrongDestination = errors.New("request is not addressed to this server")
	ErrInvalidSignature = errors.New("invalid request signature")
)

const scheme = "X-Matrix"

// Auth is a parsed X-Matrix authorization header.
type Auth struct {
	Origin      string
	Destination string
	KeyID       id.KeyID
	Signature   string
}

// String formats the auth as an Authorization header value.
func (a *Auth) String() string {
	var sb strings.Builder
	sb.WriteString(scheme)
	sb.WriteString(" origin=")
	sb.WriteString(strconv.Quote(a.Origin))
	if a.Destination != "" {
		sb.WriteString(",destination=")
		sb.WriteString(strconv.Quote(a.Destination))
	}
	sb.WriteString(",key=")
	sb.WriteString(strconv.Quote(string(a.KeyID)))
	sb.WriteString(",sig=")
	sb.WriteString(strconv.Quote(a.Signature))
	return sb.String()
}

// ParseHeader parses an Authorization header value. The scheme name is
// case-insensitive and parameter values may be quoted or bare tokens.
func ParseHeader(header string) (*Auth, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingHeader
	}
	schemeName, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(schemeName, scheme) {
		return nil, fmt.Errorf("%w: unsupported scheme", ErrMalformedHeader)
	}
	params, err := parseParams(rest)
	if err != nil {
		return nil, err
	}
	auth := &Auth{
		Origin:      params["origin"],
		Destination: params["destination"],
		KeyID:       id.KeyID(params["key"]),
		Signature:   params["sig"],
	}
	if auth.Origin == "" {
		return nil, fmt.Errorf("%w: missing origin", ErrMalformedHeader)
	} else if auth.Signature == "" {
		return nil, fmt.Errorf("%w: missing sig", ErrMalformedHeader)
	} else if !strings.HasPrefix(string(auth.KeyID), string(id.KeyAlgorithmEd25519)+":") || len(auth.KeyID) == len(id.KeyAlgorithmEd25519)+1 {
		return nil, fmt.Errorf("%w: key must be an ed25519 key ID", ErrMalformedHeader)
	}
	return auth, nil
}

func isTokenChar(ch byte) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	}
	// RFC 9110 tchar, plus the characters that show up unquoted in key IDs,
	// server names and base64 signatures
	return strings.IndexByte("!#$%&'*+-.^_`|~:/=[]", ch) >= 0
}

func parseParams(input string) (map[string]string, error) {
	params := make(map[string]string, 4)
	i := 0
	skipSpace := func() {
		for i < len(input) && (input[i] == ' ' || input[i] == '\t') {
			i++
		}
	}
	for {
		skipSpace()
		if i >= len(input) {
			break
		}
		start := i
		for i < len(input) && input[i] != '=' && isTokenChar(input[i]) {
			i++
		}
		name := strings.ToLower(input[start:i])
		skipSpace()
		if name == "" || i >= len(input) || input[i] != '=' {
			return nil, fmt.Errorf("%w: expected parameter name followed by '='", ErrMalformedHeader)
		}
		i++
		skipSpace()
		var value strings.Builder
		if i < len(input) && input[i] == '"' {
			i++
			closed := false
			for i < len(input) {
				ch := input[i]
				i++
				if ch == '\\' && i < len(input) {
					value.WriteByte(input[i])
					i++
				} else if ch == '"' {
					closed = true
					break
				} else {
					value.WriteByte(ch)
				}
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated quoted string", ErrMalformedHeader)
			}
		} else {
			start = i
			for i < len(input) && isTokenChar(input[i]) {
				i++
			}
			if start == i {
				return nil, fmt.Errorf("%w: empty value for %s", ErrMalformedHeader, name)
			}
			value.WriteString(input[start:i])
		}
		if _, exists := params[name]; !exists {
			params[name] = value.String()
		}
		skipSpace()
		if i < len(input) {
			if input[i] != ',' {
				return nil, fmt.Errorf("%w: expected ',' after %s", ErrMalformedHeader, name)
			}
			i++
		}
	}
	return params, nil
}

type signedRequest struct {
	Method      string          `json:"method"`
	URI         string          `json:"uri"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// RequestJSON returns the canonical JSON object that is signed for a request.
func RequestJSON(method, uri, origin, destination string, content []byte) ([]byte, error) {
	req := signedRequest{
		Method:      method,
		URI:         uri,
		Origin:      origin,
		Destination: destination,
	}
	if len(content) > 0 {
		if !json.Valid(content) {
			return nil, canonicaljson.ErrInvalidJSON
		}
		req.Content = content
	}
	return canonicaljson.Marshal(&req)
}

// SignRequest signs a request with the given key and returns the auth header contents.
func SignRequest(origin, destination, method, uri string, content []byte, keyID id.KeyID, priv ed25519.PrivateKey) (*Auth, error) {
	data, err := RequestJSON(method, uri, origin, destination, content)
	if err != nil {
		return nil, fmt.Errorf("failed to build signed request: %w", err)
	}
	sig, err := signing.Sign(data, priv)
	if err != nil {
		return nil, err
	}
	return &Auth{
		Origin:      origin,
		Destination: destination,
		KeyID:       keyID,
		Signature:   sig,
	}, nil
}

// KeyLookup finds the public key a server used for signing.
type KeyLookup func(ctx context.Context, serverName string, keyID id.KeyID) (ed25519.PublicKey, error)

// VerifyRequest checks the signature of a parsed X-Matrix header against the request.
func VerifyRequest(ctx context.Context, auth *Auth, localServer, method, uri string, content []byte, lookup KeyLookup) error {
	if auth.Destination != "" && auth.Destination != localServer {
		return fmt.Errorf("%w: destination is %q", ErrWrongDestination, auth.Destination)
	}
	data, err := RequestJSON(method, uri, auth.Origin, localServer, content)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	pub, err := lookup(ctx, auth.Origin, auth.KeyID)
	if err != nil {
		return fmt.Errorf("%w: failed to get key %s of %s: %w", ErrInvalidSignature, auth.KeyID, auth.Origin, err)
	}
	if !signing.Verify(data, pub, auth.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseRequest finds the first X-Matrix authorization header of a request.
func ParseRequest(r *http.Request) (*Auth, error) {
	var firstErr error
	for _, header := range r.Header.Values("Authorization") {
		auth, err := ParseHeader(header)
		if err == nil {
			return auth, nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = ErrMissingHeader
	}
	return nil, firstErr
}

// VerifyHTTPRequest parses and verifies the X-Matrix authorization of an
// inbound request whose body has already been read.
func VerifyHTTPRequest(r *http.Request, content []byte, localServer string, lookup KeyLookup) (*Auth, error) {
	auth, err := ParseRequest(r)
	if err != nil {
		return nil, err
	}
	err = VerifyRequest(r.Context(), auth, localServer, r.Method, r.URL.RequestURI(), content, lookup)
	if err != nil {
		return nil, err
	}
	return auth, nil
}
