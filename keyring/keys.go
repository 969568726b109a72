// Package keyring manages the local server's signing keys and the verify
// keys of remote servers.
package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/signing"
)

var (
	ErrNoActiveKey        = errors.New("no active signing key")
	ErrKeyNotFound        = errors.New("verify key not found")
	ErrServerNameMismatch = errors.New("server name in key document doesn't match")
	ErrKeysExpired        = errors.New("key document has expired")
	ErrInvalidKeyDocument = errors.New("invalid key document")
)

// SigningKey is an ed25519 key of a server. PrivateKey is only set for the
// local server's own keys.
type SigningKey struct {
	ServerName string
	KeyID      id.KeyID
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	CreatedAt  time.Time
	// ExpiresAt is the time until which the key may be used. Zero means no expiry.
	ExpiresAt time.Time
}

func (sk *SigningKey) IsLocal() bool {
	return sk.PrivateKey != nil
}

// ValidAt returns true if the key hasn't expired at the given time.
func (sk *SigningKey) ValidAt(t time.Time) bool {
	return sk.ExpiresAt.IsZero() || t.Before(sk.ExpiresAt)
}

func (sk *SigningKey) EncodedPublicKey() id.SigningKey {
	return signing.EncodePublicKey(sk.PublicKey)
}

func (sk *SigningKey) MarshalZerologObject(e *zerolog.Event) {
	e.Str("server_name", sk.ServerName)
	e.Str("key_id", string(sk.KeyID))
	if !sk.ExpiresAt.IsZero() {
		e.Time("expires_at", sk.ExpiresAt)
	}
}

// KeyStore persists local and remote signing keys, keyed by server name and key ID.
type KeyStore interface {
	// GetKey returns nil if the key isn't known.
	GetKey(ctx context.Context, serverName string, keyID id.KeyID) (*SigningKey, error)
	PutKey(ctx context.Context, key *SigningKey) error
	GetServerKeys(ctx context.Context, serverName string) ([]*SigningKey, error)
}

// KeyFetcher fetches a server's self-published key document.
type KeyFetcher interface {
	GetServerKeys(ctx context.Context, serverName string) (json.RawMessage, error)
}
