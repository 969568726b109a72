package devicelist_test

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/devicelist"
	"go.mau.fi/fedsync/fedtypes"
	"go.mau.fi/fedsync/signing"
)

type memoryStore struct {
	lock  sync.Mutex
	lists map[id.UserID]json.RawMessage
	log   []*devicelist.LoggedEDU
}

func newMemoryStore() *memoryStore {
	return &memoryStore{lists: make(map[id.UserID]json.RawMessage)}
}

func (ms *memoryStore) GetDeviceList(ctx context.Context, userID id.UserID) (*fedtypes.DeviceListCache, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	data, ok := ms.lists[userID]
	if !ok {
		return nil, nil
	}
	var cache fedtypes.DeviceListCache
	return &cache, json.Unmarshal(data, &cache)
}

func (ms *memoryStore) SaveDeviceList(ctx context.Context, cache *fedtypes.DeviceListCache, edu *devicelist.LoggedEDU) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	data, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	ms.lists[cache.UserID] = data
	if edu != nil {
		ms.log = append(ms.log, edu)
	}
	return nil
}

func (ms *memoryStore) LogLength() int {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	return len(ms.log)
}

type fakeFetcher struct {
	resp *fedtypes.RespUserDevices
	err  error
}

func (ff *fakeFetcher) GetUserDevices(ctx context.Context, userID id.UserID) (*fedtypes.RespUserDevices, error) {
	return ff.resp, ff.err
}

type enqueuedEDU struct {
	destination string
	edu         fedtypes.EDU
}

type fakeQueue struct {
	edus []enqueuedEDU
}

func (fq *fakeQueue) EnqueueEDU(destination string, edu fedtypes.EDU) {
	fq.edus = append(fq.edus, enqueuedEDU{destination, edu})
}

// blockingQueue holds the first EnqueueEDU call until release is closed.
type blockingQueue struct {
	lock      sync.Mutex
	streamIDs []int64
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
}

func (bq *blockingQueue) EnqueueEDU(destination string, edu fedtypes.EDU) {
	first := false
	bq.once.Do(func() { first = true })
	if first {
		close(bq.entered)
		<-bq.release
	}
	var upd fedtypes.DeviceListUpdate
	_ = json.Unmarshal(edu.Content, &upd)
	bq.lock.Lock()
	bq.streamIDs = append(bq.streamIDs, upd.StreamID)
	bq.lock.Unlock()
}

const (
	remoteUser id.UserID = "@bob:remote.example"
	localUser  id.UserID = "@alice:local.example"
)

func signedDeviceKeys(t *testing.T, userID id.UserID, deviceID id.DeviceID) json.RawMessage {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keyID := id.NewKeyID(id.KeyAlgorithmEd25519, string(deviceID))
	raw, err := json.Marshal(&fedtypes.DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{"m.olm.v1.curve25519-aes-sha2"},
		Keys:       map[id.KeyID]string{keyID: string(signing.EncodePublicKey(pub))},
	})
	require.NoError(t, err)
	raw, err = signing.SignAndAdd(raw, string(userID), keyID, priv)
	require.NoError(t, err)
	return raw
}

func crossSigningKey(t *testing.T, userID id.UserID, usage string, signer ed25519.PrivateKey) (json.RawMessage, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	encoded := signing.EncodePublicKey(pub)
	raw, err := json.Marshal(&fedtypes.CrossSigningKey{
		UserID: userID,
		Usage:  []string{usage},
		Keys:   map[id.KeyID]string{id.NewKeyID(id.KeyAlgorithmEd25519, string(encoded)): string(encoded)},
	})
	require.NoError(t, err)
	if signer != nil {
		signerPub := signer.Public().(ed25519.PublicKey)
		signerKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, string(signing.EncodePublicKey(signerPub)))
		raw, err = signing.SignAndAdd(raw, string(userID), signerKeyID, signer)
		require.NoError(t, err)
	}
	return raw, priv
}

func newTestSynchronizer() (*devicelist.Synchronizer, *memoryStore, *fakeFetcher, *fakeQueue) {
	store := newMemoryStore()
	fetcher := &fakeFetcher{}
	queue := &fakeQueue{}
	return devicelist.NewSynchronizer("local.example", store, fetcher, queue), store, fetcher, queue
}

func TestApplyDeviceListUpdate(t *testing.T) {
	ctx := context.Background()
	syncer, store, _, _ := newTestSynchronizer()

	err := syncer.ApplyDeviceListUpdate(ctx, "evil.example", &fedtypes.DeviceListUpdate{UserID: remoteUser, DeviceID: "DEV1", StreamID: 1})
	assert.ErrorIs(t, err, devicelist.ErrOriginMismatch)

	keys := signedDeviceKeys(t, remoteUser, "DEV1")
	first := &fedtypes.DeviceListUpdate{UserID: remoteUser, DeviceID: "DEV1", DeviceDisplayName: "Phone", StreamID: 1, Keys: keys}
	require.NoError(t, syncer.ApplyDeviceListUpdate(ctx, "remote.example", first))
	resp, err := syncer.GetDevices(ctx, remoteUser)
	require.NoError(t, err)
	assert.EqualValues(t, 1, resp.StreamID)
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, "Phone", resp.Devices[0].DisplayName)
	assert.JSONEq(t, string(keys), string(resp.Devices[0].Keys))
	assert.Equal(t, 1, store.LogLength())

	// Redelivery is a no-op
	require.NoError(t, syncer.ApplyDeviceListUpdate(ctx, "remote.example", first))
	assert.Equal(t, 1, store.LogLength())

	// Gap in the stream
	err = syncer.ApplyDeviceListUpdate(ctx, "remote.example", &fedtypes.DeviceListUpdate{
		UserID: remoteUser, DeviceID: "DEV2", StreamID: 5, PrevID: []int64{4},
	})
	assert.ErrorIs(t, err, devicelist.ErrMissingPreviousUpdate)
	resp, err = syncer.GetDevices(ctx, remoteUser)
	require.NoError(t, err)
	assert.EqualValues(t, 1, resp.StreamID)
	assert.Len(t, resp.Devices, 1)

	// Rename without keys keeps the old keys
	require.NoError(t, syncer.ApplyDeviceListUpdate(ctx, "remote.example", &fedtypes.DeviceListUpdate{
		UserID: remoteUser, DeviceID: "DEV1", DeviceDisplayName: "Laptop", StreamID: 2, PrevID: []int64{1},
	}))
	require.NoError(t, syncer.ApplyDeviceListUpdate(ctx, "remote.example", &fedtypes.DeviceListUpdate{
		UserID: remoteUser, DeviceID: "DEV2", StreamID: 3, PrevID: []int64{2}, Keys: signedDeviceKeys(t, remoteUser, "DEV2"),
	}))
	resp, err = syncer.GetDevices(ctx, remoteUser)
	require.NoError(t, err)
	require.Len(t, resp.Devices, 2)
	assert.Equal(t, id.DeviceID("DEV1"), resp.Devices[0].DeviceID)
	assert.Equal(t, "Laptop", resp.Devices[0].DisplayName)
	assert.JSONEq(t, string(keys), string(resp.Devices[0].Keys))

	require.NoError(t, syncer.ApplyDeviceListUpdate(ctx, "remote.example", &fedtypes.DeviceListUpdate{
		UserID: remoteUser, DeviceID: "DEV1", StreamID: 4, PrevID: []int64{3}, Deleted: true,
	}))
	resp, err = syncer.GetDevices(ctx, remoteUser)
	require.NoError(t, err)
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, id.DeviceID("DEV2"), resp.Devices[0].DeviceID)
	assert.EqualValues(t, 4, resp.StreamID)
	assert.Equal(t, 4, store.LogLength())
}

func TestApplyDeviceListUpdate_InvalidKeys(t *testing.T) {
	ctx := context.Background()
	syncer, store, _, _ := newTestSynchronizer()

	wrongDevice := signedDeviceKeys(t, remoteUser, "OTHER")
	err := syncer.ApplyDeviceListUpdate(ctx, "remote.example", &fedtypes.DeviceListUpdate{
		UserID: remoteUser, DeviceID: "DEV1", StreamID: 1, Keys: wrongDevice,
	})
	assert.ErrorIs(t, err, devicelist.ErrInvalidUpdate)

	var tampered map[string]any
	require.NoError(t, json.Unmarshal(signedDeviceKeys(t, remoteUser, "DEV1"), &tampered))
	tampered["algorithms"] = []string{"evil"}
	tamperedRaw, err := json.Marshal(tampered)
	require.NoError(t, err)
	err = syncer.ApplyDeviceListUpdate(ctx, "remote.example", &fedtypes.DeviceListUpdate{
		UserID: remoteUser, DeviceID: "DEV1", StreamID: 1, Keys: tamperedRaw,
	})
	assert.ErrorIs(t, err, devicelist.ErrInvalidUpdate)
	assert.ErrorIs(t, err, signing.ErrInvalidSignature)
	assert.Equal(t, 0, store.LogLength())
}

func TestApplySigningKeyUpdate(t *testing.T) {
	ctx := context.Background()
	syncer, store, _, _ := newTestSynchronizer()
	master, masterPriv := crossSigningKey(t, remoteUser, "master", nil)
	selfSigning, _ := crossSigningKey(t, remoteUser, "self_signing", masterPriv)

	err := syncer.ApplySigningKeyUpdate(ctx, "evil.example", &fedtypes.SigningKeyUpdate{UserID: remoteUser, MasterKey: master})
	assert.ErrorIs(t, err, devicelist.ErrOriginMismatch)

	// Self-signing key without any master key
	err = syncer.ApplySigningKeyUpdate(ctx, "remote.example", &fedtypes.SigningKeyUpdate{UserID: remoteUser, SelfSigningKey: selfSigning})
	assert.ErrorIs(t, err, devicelist.ErrInvalidUpdate)

	require.NoError(t, syncer.ApplySigningKeyUpdate(ctx, "remote.example", &fedtypes.SigningKeyUpdate{
		UserID: remoteUser, MasterKey: master, SelfSigningKey: selfSigning,
	}))
	resp, err := syncer.GetDevices(ctx, remoteUser)
	require.NoError(t, err)
	assert.JSONEq(t, string(master), string(resp.MasterKey))
	assert.JSONEq(t, string(selfSigning), string(resp.SelfSigningKey))

	// Self-signing key signed by something else
	_, otherPriv := crossSigningKey(t, remoteUser, "master", nil)
	forged, _ := crossSigningKey(t, remoteUser, "self_signing", otherPriv)
	err = syncer.ApplySigningKeyUpdate(ctx, "remote.example", &fedtypes.SigningKeyUpdate{UserID: remoteUser, SelfSigningKey: forged})
	assert.ErrorIs(t, err, devicelist.ErrInvalidUpdate)

	// Key for another user
	otherMaster, _ := crossSigningKey(t, "@carol:remote.example", "master", nil)
	err = syncer.ApplySigningKeyUpdate(ctx, "remote.example", &fedtypes.SigningKeyUpdate{UserID: remoteUser, MasterKey: otherMaster})
	assert.ErrorIs(t, err, devicelist.ErrInvalidUpdate)

	// A new master key invalidates the old self-signing key
	newMaster, _ := crossSigningKey(t, remoteUser, "master", nil)
	require.NoError(t, syncer.ApplySigningKeyUpdate(ctx, "remote.example", &fedtypes.SigningKeyUpdate{UserID: remoteUser, MasterKey: newMaster}))
	resp, err = syncer.GetDevices(ctx, remoteUser)
	require.NoError(t, err)
	assert.JSONEq(t, string(newMaster), string(resp.MasterKey))
	assert.Empty(t, resp.SelfSigningKey)
	assert.Equal(t, 2, store.LogLength())
}

func TestResync(t *testing.T) {
	ctx := context.Background()
	syncer, _, fetcher, _ := newTestSynchronizer()
	master, masterPriv := crossSigningKey(t, remoteUser, "master", nil)
	selfSigning, _ := crossSigningKey(t, remoteUser, "self_signing", masterPriv)
	fetcher.resp = &fedtypes.RespUserDevices{
		UserID:   remoteUser,
		StreamID: 42,
		Devices: []*fedtypes.Device{
			{DeviceID: "GOOD", Keys: signedDeviceKeys(t, remoteUser, "GOOD")},
			{DeviceID: "BAD", Keys: signedDeviceKeys(t, remoteUser, "NOTBAD")},
			{DeviceID: "NOKEYS", DisplayName: "Old client"},
		},
		MasterKey:      master,
		SelfSigningKey: selfSigning,
	}
	require.NoError(t, syncer.Resync(ctx, remoteUser))
	resp, err := syncer.GetDevices(ctx, remoteUser)
	require.NoError(t, err)
	assert.EqualValues(t, 42, resp.StreamID)
	require.Len(t, resp.Devices, 2)
	assert.Equal(t, id.DeviceID("GOOD"), resp.Devices[0].DeviceID)
	assert.Equal(t, id.DeviceID("NOKEYS"), resp.Devices[1].DeviceID)
	assert.NotEmpty(t, resp.SelfSigningKey)

	// Updates continue from the resynced stream position
	require.NoError(t, syncer.ApplyDeviceListUpdate(ctx, "remote.example", &fedtypes.DeviceListUpdate{
		UserID: remoteUser, DeviceID: "NOKEYS", StreamID: 43, PrevID: []int64{42}, Deleted: true,
	}))

	fetcher.resp = &fedtypes.RespUserDevices{UserID: "@mallory:remote.example"}
	assert.ErrorIs(t, syncer.Resync(ctx, remoteUser), devicelist.ErrInvalidUpdate)
	fetcher.err = errors.New("connection refused")
	assert.Error(t, syncer.Resync(ctx, remoteUser))
	assert.ErrorIs(t, syncer.Resync(ctx, localUser), devicelist.ErrLocalUser)
}

func TestPublishLocalUpdate(t *testing.T) {
	ctx := context.Background()
	syncer, store, _, queue := newTestSynchronizer()
	keys := signedDeviceKeys(t, localUser, "LOCALDEV")
	destinations := []string{"remote.example", "other.example"}

	_, err := syncer.PublishLocalUpdate(ctx, remoteUser, "DEV", &fedtypes.Device{}, destinations)
	assert.ErrorIs(t, err, devicelist.ErrNotLocalUser)

	update, err := syncer.PublishLocalUpdate(ctx, localUser, "LOCALDEV", &fedtypes.Device{DisplayName: "Desktop", Keys: keys}, destinations)
	require.NoError(t, err)
	assert.EqualValues(t, 1, update.StreamID)
	assert.Empty(t, update.PrevID)
	require.Len(t, queue.edus, 2)
	assert.Equal(t, "remote.example", queue.edus[0].destination)
	assert.Equal(t, fedtypes.EDUTypeDeviceListUpdate, queue.edus[0].edu.Type)
	var sent fedtypes.DeviceListUpdate
	require.NoError(t, json.Unmarshal(queue.edus[0].edu.Content, &sent))
	assert.Equal(t, localUser, sent.UserID)
	assert.Equal(t, "Desktop", sent.DeviceDisplayName)

	update, err = syncer.PublishLocalUpdate(ctx, localUser, "LOCALDEV", nil, destinations)
	require.NoError(t, err)
	assert.EqualValues(t, 2, update.StreamID)
	assert.Equal(t, []int64{1}, update.PrevID)
	assert.True(t, update.Deleted)
	assert.Len(t, queue.edus, 4)
	assert.Equal(t, 2, store.LogLength())

	resp, err := syncer.GetDevices(ctx, localUser)
	require.NoError(t, err)
	assert.Empty(t, resp.Devices)
	assert.EqualValues(t, 2, resp.StreamID)

	// Another server receiving the stream applies both updates in order
	receiver, _, _, _ := newTestSynchronizer()
	for _, edu := range []enqueuedEDU{queue.edus[0], queue.edus[2]} {
		var upd fedtypes.DeviceListUpdate
		require.NoError(t, json.Unmarshal(edu.edu.Content, &upd))
		require.NoError(t, receiver.ApplyDeviceListUpdate(ctx, "local.example", &upd))
	}
}

func TestApplyDeviceListUpdate_ConcurrentUsers(t *testing.T) {
	ctx := context.Background()
	syncer, _, _, _ := newTestSynchronizer()
	users := []id.UserID{"@a:remote.example", "@b:remote.example", "@c:remote.example", "@d:remote.example"}
	var wg sync.WaitGroup
	for _, userID := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(1); i <= 20; i++ {
				update := &fedtypes.DeviceListUpdate{UserID: userID, DeviceID: "DEV", StreamID: i}
				if i > 1 {
					update.PrevID = []int64{i - 1}
				}
				assert.NoError(t, syncer.ApplyDeviceListUpdate(ctx, "remote.example", update))
			}
		}()
	}
	wg.Wait()
	for _, userID := range users {
		resp, err := syncer.GetDevices(ctx, userID)
		require.NoError(t, err)
		assert.EqualValues(t, 20, resp.StreamID)
	}
}

func TestPublishLocalUpdate_EnqueueOrder(t *testing.T) {
	ctx := context.Background()
	queue := &blockingQueue{entered: make(chan struct{}), release: make(chan struct{})}
	syncer := devicelist.NewSynchronizer("local.example", newMemoryStore(), &fakeFetcher{}, queue)
	destinations := []string{"remote.example"}

	firstDone := make(chan error, 1)
	go func() {
		_, err := syncer.PublishLocalUpdate(ctx, localUser, "DEV1", &fedtypes.Device{DisplayName: "One"}, destinations)
		firstDone <- err
	}()
	<-queue.entered

	secondDone := make(chan error, 1)
	go func() {
		_, err := syncer.PublishLocalUpdate(ctx, localUser, "DEV2", &fedtypes.Device{DisplayName: "Two"}, destinations)
		secondDone <- err
	}()
	select {
	case <-secondDone:
		t.Fatal("second update finished while the first one was still being enqueued")
	case <-time.After(50 * time.Millisecond):
	}

	close(queue.release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)
	assert.Equal(t, []int64{1, 2}, queue.streamIDs)
}
