package keyring

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/fedtypes"
	"go.mau.fi/fedsync/signing"
	"go.mau.fi/fedsync/xmatrix"
)

const (
	DefaultKeyCheckInterval  = 6 * time.Hour
	DefaultRefreshThreshold  = 30 * 24 * time.Hour
	DefaultKeyValidity       = 365 * 24 * time.Hour
	DefaultPublishedValidity = 24 * time.Hour
	DefaultNotaryConcurrency = 8

	keyIDLength     = 8
	remoteCacheSize = 1024
	keyDocCacheSize = 256
)

type remoteKeyID struct {
	serverName string
	keyID      id.KeyID
}

type Manager struct {
	Store   KeyStore
	Fetcher KeyFetcher

	KeyCheckInterval  time.Duration
	RefreshThreshold  time.Duration
	KeyValidity       time.Duration
	PublishedValidity time.Duration
	NotaryConcurrency int

	serverName  string
	localKeys   []*SigningKey
	localLock   sync.RWMutex
	rotateLock  sync.Mutex
	remoteCache *lru.Cache[remoteKeyID, *SigningKey]
	docCache    *lru.Cache[string, json.RawMessage]
	now         func() time.Time
}

func NewManager(serverName string, store KeyStore, fetcher KeyFetcher) *Manager {
	remoteCache, err := lru.New[remoteKeyID, *SigningKey](remoteCacheSize)
	if err != nil {
		panic(err)
	}
	docCache, err := lru.New[string, json.RawMessage](keyDocCacheSize)
	if err != nil {
		panic(err)
	}
	return &Manager{
		Store:   store,
		Fetcher: fetcher,

		KeyCheckInterval:  DefaultKeyCheckInterval,
		RefreshThreshold:  DefaultRefreshThreshold,
		KeyValidity:       DefaultKeyValidity,
		PublishedValidity: DefaultPublishedValidity,
		NotaryConcurrency: DefaultNotaryConcurrency,

		serverName:  serverName,
		remoteCache: remoteCache,
		docCache:    docCache,
		now:         time.Now,
	}
}

func (m *Manager) ServerName() string {
	return m.serverName
}

// Start makes sure a signing key exists and then periodically checks if a
// new key needs to be generated until the context is canceled.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.EnsureKey(ctx); err != nil {
		return err
	}
	go m.loop(ctx)
	return nil
}

func (m *Manager) loop(ctx context.Context) {
	log := zerolog.Ctx(ctx).With().Str("component", "keyring").Logger()
	ctx = log.WithContext(ctx)
	ticker := time.NewTicker(m.KeyCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.CheckAndRotate(ctx); err != nil {
				log.Err(err).Msg("Failed to check signing keys, will retry on next tick")
			}
		case <-ctx.Done():
			return
		}
	}
}

// EnsureKey loads the local keys from the store and generates a key if there
// isn't a usable one.
func (m *Manager) EnsureKey(ctx context.Context) error {
	return m.CheckAndRotate(ctx)
}

func (m *Manager) loadLocalKeys(ctx context.Context) ([]*SigningKey, error) {
	keys, err := m.Store.GetServerKeys(ctx, m.serverName)
	if err != nil {
		return nil, fmt.Errorf("failed to load local signing keys: %w", err)
	}
	keys = slices.DeleteFunc(keys, func(key *SigningKey) bool {
		return !key.IsLocal()
	})
	slices.SortFunc(keys, func(a, b *SigningKey) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return keys, nil
}

// CheckAndRotate generates exactly one new key if no local key stays valid
// beyond the refresh threshold. Old keys are never revoked.
func (m *Manager) CheckAndRotate(ctx context.Context) error {
	m.rotateLock.Lock()
	defer m.rotateLock.Unlock()
	keys, err := m.loadLocalKeys(ctx)
	if err != nil {
		return err
	}
	threshold := m.now().Add(m.RefreshThreshold)
	if slices.ContainsFunc(keys, func(key *SigningKey) bool {
		return key.ValidAt(threshold)
	}) {
		m.setLocalKeys(keys)
		return nil
	}
	newKey, err := m.generateKey()
	if err != nil {
		return err
	}
	if err = m.Store.PutKey(ctx, newKey); err != nil {
		return fmt.Errorf("failed to save new signing key: %w", err)
	}
	zerolog.Ctx(ctx).Info().
		Object("key", newKey).
		Int("previous_keys", len(keys)).
		Msg("Generated new signing key")
	m.setLocalKeys(append([]*SigningKey{newKey}, keys...))
	return nil
}

func (m *Manager) generateKey() (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	now := m.now()
	return &SigningKey{
		ServerName: m.serverName,
		KeyID:      id.NewKeyID(id.KeyAlgorithmEd25519, random.String(keyIDLength)),
		PrivateKey: priv,
		PublicKey:  pub,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.KeyValidity),
	}, nil
}

func (m *Manager) setLocalKeys(keys []*SigningKey) {
	m.localLock.Lock()
	m.localKeys = keys
	m.localLock.Unlock()
}

// LocalKeys returns all local keys, newest first.
func (m *Manager) LocalKeys() []*SigningKey {
	m.localLock.RLock()
	defer m.localLock.RUnlock()
	return slices.Clone(m.localKeys)
}

// ActiveKey returns the newest local key that hasn't expired.
func (m *Manager) ActiveKey() *SigningKey {
	now := m.now()
	m.localLock.RLock()
	defer m.localLock.RUnlock()
	for _, key := range m.localKeys {
		if key.ValidAt(now) {
			return key
		}
	}
	return nil
}

// SignRequest creates an X-Matrix authorization for an outgoing request.
func (m *Manager) SignRequest(method, uri, destination string, content []byte) (*xmatrix.Auth, error) {
	key := m.ActiveKey()
	if key == nil {
		return nil, ErrNoActiveKey
	}
	return xmatrix.SignRequest(m.serverName, destination, method, uri, content, key.KeyID, key.PrivateKey)
}

// SignJSON signs a JSON object with the active key and inserts the signature.
func (m *Manager) SignJSON(raw json.RawMessage) (json.RawMessage, error) {
	key := m.ActiveKey()
	if key == nil {
		return nil, ErrNoActiveKey
	}
	return signing.SignAndAdd(raw, m.serverName, key.KeyID, key.PrivateKey)
}

// ServerKeys builds the local server's self-signed key document.
func (m *Manager) ServerKeys(ctx context.Context) (json.RawMessage, error) {
	now := m.now()
	doc := fedtypes.ServerKeys{
		ServerName:    m.serverName,
		VerifyKeys:    make(map[id.KeyID]fedtypes.VerifyKey),
		OldVerifyKeys: make(map[id.KeyID]fedtypes.OldVerifyKey),
	}
	validUntil := now.Add(m.PublishedValidity)
	for _, key := range m.LocalKeys() {
		if key.ValidAt(now) {
			doc.VerifyKeys[key.KeyID] = fedtypes.VerifyKey{Key: key.EncodedPublicKey()}
			if !key.ExpiresAt.IsZero() && key.ExpiresAt.Before(validUntil) {
				validUntil = key.ExpiresAt
			}
		} else {
			doc.OldVerifyKeys[key.KeyID] = fedtypes.OldVerifyKey{
				Key:       key.EncodedPublicKey(),
				ExpiredTS: key.ExpiresAt.UnixMilli(),
			}
		}
	}
	if len(doc.VerifyKeys) == 0 {
		zerolog.Ctx(ctx).Warn().Int("old_keys", len(doc.OldVerifyKeys)).Msg("No active keys to publish")
		return nil, ErrNoActiveKey
	}
	doc.ValidUntilTS = validUntil.UnixMilli()
	raw, err := json.Marshal(&doc)
	if err != nil {
		return nil, err
	}
	// Every published verify key signs the document
	for _, key := range m.LocalKeys() {
		if _, published := doc.VerifyKeys[key.KeyID]; published {
			raw, err = signing.SignAndAdd(raw, m.serverName, key.KeyID, key.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("failed to sign key document with %s: %w", key.KeyID, err)
			}
		}
	}
	return raw, nil
}

// NotarySign adds the local server's signature to another server's key document.
func (m *Manager) NotarySign(doc json.RawMessage, target string) (json.RawMessage, error) {
	parsed := gjson.ParseBytes(doc)
	if !parsed.IsObject() {
		return nil, ErrInvalidKeyDocument
	} else if serverName := parsed.Get("server_name").Str; serverName != target {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrServerNameMismatch, target, serverName)
	} else if validUntil := parsed.Get("valid_until_ts").Int(); validUntil < m.now().UnixMilli() {
		return nil, fmt.Errorf("%w: valid_until_ts is %d", ErrKeysExpired, validUntil)
	}
	return m.SignJSON(doc)
}
