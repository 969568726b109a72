package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/fedtypes"
	"go.mau.fi/fedsync/signing"
)

// FetchServerKeys returns a verified key document of a remote server,
// fetching it over federation unless a cached copy is still valid. The verify
// keys in the document are persisted.
func (m *Manager) FetchServerKeys(ctx context.Context, serverName string) (json.RawMessage, error) {
	return m.fetchServerKeys(ctx, serverName, m.now())
}

func (m *Manager) fetchServerKeys(ctx context.Context, serverName string, minValidUntil time.Time) (json.RawMessage, error) {
	if cached, ok := m.docCache.Get(serverName); ok && gjson.GetBytes(cached, "valid_until_ts").Int() > minValidUntil.UnixMilli() {
		return cached, nil
	}
	if m.Fetcher == nil {
		return nil, fmt.Errorf("%w: no key fetcher configured", ErrKeyNotFound)
	}
	raw, err := m.Fetcher.GetServerKeys(ctx, serverName)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch keys of %s: %w", serverName, err)
	}
	keys, err := ParseServerKeys(raw, serverName)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err = m.Store.PutKey(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to save key %s of %s: %w", key.KeyID, serverName, err)
		}
		m.remoteCache.Add(remoteKeyID{serverName, key.KeyID}, key)
	}
	zerolog.Ctx(ctx).Debug().
		Str("server_name", serverName).
		Int("key_count", len(keys)).
		Msg("Fetched server keys")
	m.docCache.Add(serverName, raw)
	return raw, nil
}

// ParseServerKeys parses a key document and checks that it's for the
// expected server and signed by every key it lists as current.
func ParseServerKeys(raw json.RawMessage, serverName string) ([]*SigningKey, error) {
	var doc fedtypes.ServerKeys
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyDocument, err)
	} else if doc.ServerName != serverName {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrServerNameMismatch, serverName, doc.ServerName)
	} else if len(doc.VerifyKeys) == 0 {
		return nil, fmt.Errorf("%w: no verify keys", ErrInvalidKeyDocument)
	}
	validUntil := time.UnixMilli(doc.ValidUntilTS)
	keys := make([]*SigningKey, 0, len(doc.VerifyKeys)+len(doc.OldVerifyKeys))
	for keyID, verifyKey := range doc.VerifyKeys {
		if !strings.HasPrefix(string(keyID), string(id.KeyAlgorithmEd25519)+":") {
			continue
		}
		pub, err := signing.DecodePublicKey(verifyKey.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %w", ErrInvalidKeyDocument, keyID, err)
		}
		if err = signing.VerifyJSON(raw, serverName, keyID, pub); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidKeyDocument, err)
		}
		keys = append(keys, &SigningKey{
			ServerName: serverName,
			KeyID:      keyID,
			PublicKey:  pub,
			ExpiresAt:  validUntil,
		})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no ed25519 verify keys", ErrInvalidKeyDocument)
	}
	for keyID, oldKey := range doc.OldVerifyKeys {
		pub, err := signing.DecodePublicKey(oldKey.Key)
		if err != nil {
			continue
		}
		keys = append(keys, &SigningKey{
			ServerName: serverName,
			KeyID:      keyID,
			PublicKey:  pub,
			ExpiresAt:  time.UnixMilli(oldKey.ExpiredTS),
		})
	}
	return keys, nil
}

// VerifyKey returns the public key a server currently uses with the given key ID.
func (m *Manager) VerifyKey(ctx context.Context, serverName string, keyID id.KeyID) (ed25519.PublicKey, error) {
	return m.VerifyKeyAt(ctx, serverName, keyID, m.now())
}

// VerifyKeyAt returns the public key of a server that was valid at the given
// time. Keys are looked up from the local keys, the memory cache, the store
// and finally from the server itself.
func (m *Manager) VerifyKeyAt(ctx context.Context, serverName string, keyID id.KeyID, at time.Time) (ed25519.PublicKey, error) {
	if serverName == m.serverName {
		for _, key := range m.LocalKeys() {
			if key.KeyID == keyID && key.ValidAt(at) {
				return key.PublicKey, nil
			}
		}
		return nil, fmt.Errorf("%w: %s of local server", ErrKeyNotFound, keyID)
	}
	cacheKey := remoteKeyID{serverName, keyID}
	if key, ok := m.remoteCache.Get(cacheKey); ok && key.ValidAt(at) {
		return key.PublicKey, nil
	}
	key, err := m.Store.GetKey(ctx, serverName, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get key from store: %w", err)
	} else if key != nil && key.ValidAt(at) {
		m.remoteCache.Add(cacheKey, key)
		return key.PublicKey, nil
	}
	_, err = m.fetchServerKeys(ctx, serverName, at)
	if err != nil {
		return nil, err
	}
	if key, ok := m.remoteCache.Get(cacheKey); ok && key.ValidAt(at) {
		return key.PublicKey, nil
	}
	return nil, fmt.Errorf("%w: %s of %s", ErrKeyNotFound, keyID, serverName)
}

func (m *Manager) notaryDocument(ctx context.Context, serverName string, minValidUntil time.Time) (json.RawMessage, error) {
	if serverName == m.serverName {
		return m.ServerKeys(ctx)
	}
	doc, err := m.fetchServerKeys(ctx, serverName, minValidUntil)
	if err != nil {
		return nil, err
	}
	return m.NotarySign(doc, serverName)
}

// NotaryQueryServer returns the notary-signed key document of a single server.
func (m *Manager) NotaryQueryServer(ctx context.Context, serverName string, minValidUntil time.Time) (*fedtypes.RespServerKeysQuery, error) {
	resp := &fedtypes.RespServerKeysQuery{ServerKeys: []json.RawMessage{}}
	if now := m.now(); minValidUntil.Before(now) {
		minValidUntil = now
	}
	doc, err := m.notaryDocument(ctx, serverName, minValidUntil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		zerolog.Ctx(ctx).Warn().Err(err).Str("server_name", serverName).Msg("Failed to get keys for notary query")
		return resp, nil
	}
	resp.ServerKeys = append(resp.ServerKeys, doc)
	return resp, nil
}

// NotaryQuery fetches and notary-signs the key documents of multiple servers
// concurrently. Servers whose keys can't be fetched are left out.
func (m *Manager) NotaryQuery(ctx context.Context, req *fedtypes.ReqQueryKeys) (*fedtypes.RespServerKeysQuery, error) {
	var lock sync.Mutex
	docs := make(map[string]json.RawMessage, len(req.ServerKeys))
	var eg errgroup.Group
	eg.SetLimit(max(m.NotaryConcurrency, 1))
	now := m.now()
	for serverName, criteria := range req.ServerKeys {
		minValidUntil := now
		for _, crit := range criteria {
			if ts := time.UnixMilli(crit.MinimumValidUntilTS); ts.After(minValidUntil) {
				minValidUntil = ts
			}
		}
		eg.Go(func() error {
			doc, err := m.notaryDocument(ctx, serverName, minValidUntil)
			if err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("server_name", serverName).Msg("Failed to get keys for notary query")
				return nil
			}
			lock.Lock()
			docs[serverName] = doc
			lock.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := &fedtypes.RespServerKeysQuery{ServerKeys: make([]json.RawMessage, 0, len(docs))}
	serverNames := make([]string, 0, len(docs))
	for serverName := range docs {
		serverNames = append(serverNames, serverName)
	}
	slices.Sort(serverNames)
	for _, serverName := range serverNames {
		resp.ServerKeys = append(resp.ServerKeys, docs[serverName])
	}
	return resp, nil
}
