package database

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/keyring"
)

const (
	getSigningKeyBaseQuery = `
		SELECT server_name, key_id, public_key, private_key, created_at, expires_at
		FROM server_signing_key
	`
	getSigningKeyQuery        = getSigningKeyBaseQuery + `WHERE server_name=$1 AND key_id=$2`
	getServerSigningKeysQuery = getSigningKeyBaseQuery + `WHERE server_name=$1 ORDER BY created_at, key_id`
	putSigningKeyQuery        = `
		INSERT INTO server_signing_key (server_name, key_id, public_key, private_key, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (server_name, key_id) DO UPDATE SET
			public_key=excluded.public_key,
			private_key=COALESCE(excluded.private_key, server_signing_key.private_key),
			expires_at=excluded.expires_at
	`
)

// SigningKeyQuery stores the local server's signing keys and the verify keys
// fetched from other servers. It implements keyring.KeyStore.
type SigningKeyQuery struct {
	*dbutil.Database
}

var _ keyring.KeyStore = (*SigningKeyQuery)(nil)

var signingKeyScanner = dbutil.ConvertRowFn[*keyring.SigningKey](scanSigningKey)

func scanSigningKey(row dbutil.Scannable) (*keyring.SigningKey, error) {
	var key keyring.SigningKey
	var publicKey string
	var privateKey sql.NullString
	var createdAt int64
	var expiresAt sql.NullInt64
	err := row.Scan(&key.ServerName, &key.KeyID, &publicKey, &privateKey, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	key.PublicKey, err = decodeKey(publicKey, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("invalid public key %s of %s: %w", key.KeyID, key.ServerName, err)
	}
	if privateKey.Valid {
		key.PrivateKey, err = decodeKey(privateKey.String, ed25519.PrivateKeySize)
		if err != nil {
			return nil, fmt.Errorf("invalid private key %s: %w", key.KeyID, err)
		}
	}
	key.CreatedAt = time.UnixMilli(createdAt)
	if expiresAt.Valid {
		key.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	return &key, nil
}

func decodeKey(encoded string, size int) ([]byte, error) {
	data, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	} else if len(data) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

func signingKeySQLVariables(key *keyring.SigningKey) []any {
	var privateKey, expiresAt any
	if key.PrivateKey != nil {
		privateKey = base64.RawStdEncoding.EncodeToString(key.PrivateKey)
	}
	if !key.ExpiresAt.IsZero() {
		expiresAt = key.ExpiresAt.UnixMilli()
	}
	return []any{
		key.ServerName,
		key.KeyID,
		base64.RawStdEncoding.EncodeToString(key.PublicKey),
		privateKey,
		key.CreatedAt.UnixMilli(),
		expiresAt,
	}
}

func (skq *SigningKeyQuery) GetKey(ctx context.Context, serverName string, keyID id.KeyID) (*keyring.SigningKey, error) {
	key, err := scanSigningKey(skq.QueryRow(ctx, getSigningKeyQuery, serverName, keyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return key, err
}

func (skq *SigningKeyQuery) PutKey(ctx context.Context, key *keyring.SigningKey) error {
	_, err := skq.Exec(ctx, putSigningKeyQuery, signingKeySQLVariables(key)...)
	return err
}

func (skq *SigningKeyQuery) GetServerKeys(ctx context.Context, serverName string) ([]*keyring.SigningKey, error) {
	return signingKeyScanner.NewRowIter(skq.Query(ctx, getServerSigningKeysQuery, serverName)).AsList()
}
