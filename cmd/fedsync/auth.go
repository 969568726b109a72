package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
	"maunium.net/go/mautrix"

	"go.mau.fi/fedsync/xmatrix"
)

type contextKey int

const (
	contextKeyOrigin contextKey = iota
)

const maxRequestBodySize = 16 * 1024 * 1024

var errUnauthorized = mautrix.RespError{ErrCode: "M_UNAUTHORIZED", StatusCode: http.StatusUnauthorized}

func disabledAPI(w http.ResponseWriter, r *http.Request) {
	mautrix.MUnknownToken.WithMessage("This API is disabled").Write(w)
}

func SecretAuth(secret *[32]byte) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == nil {
			return http.HandlerFunc(disabledAPI)
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHash := sha256.Sum256([]byte(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")))
			if !hmac.Equal(authHash[:], secret[:]) {
				mautrix.MUnknownToken.WithMessage("Invalid authorization token").Write(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// XMatrixAuth verifies the X-Matrix signature of federation requests and
// stores the authenticated origin server name in the request context.
func (fs *FedSync) XMatrixAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
			if err != nil {
				var maxBytesErr *http.MaxBytesError
				if errors.As(err, &maxBytesErr) {
					mautrix.MTooLarge.WithMessage("Request body too large").Write(w)
				} else {
					mautrix.MUnknown.WithMessage("Failed to read request body").Write(w)
				}
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		auth, err := xmatrix.VerifyHTTPRequest(r, body, fs.Config.Server.ServerName, fs.Keys.VerifyKey)
		if err != nil {
			hlog.FromRequest(r).Debug().Err(err).Msg("Rejected federation request")
			switch {
			case errors.Is(err, xmatrix.ErrMissingHeader):
				errUnauthorized.WithMessage("Missing X-Matrix authorization header").Write(w)
			case errors.Is(err, xmatrix.ErrMalformedHeader):
				errUnauthorized.WithMessage("Malformed X-Matrix authorization header").Write(w)
			case errors.Is(err, xmatrix.ErrWrongDestination):
				errUnauthorized.WithMessage("Request is not addressed to this server").Write(w)
			default:
				errUnauthorized.WithMessage("Failed to verify request signature").Write(w)
			}
			return
		}
		log := hlog.FromRequest(r).With().Str("origin", auth.Origin).Logger()
		ctx := context.WithValue(log.WithContext(r.Context()), contextKeyOrigin, auth.Origin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestOrigin(r *http.Request) string {
	return r.Context().Value(contextKeyOrigin).(string)
}
