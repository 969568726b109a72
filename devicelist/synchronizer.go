// Package devicelist keeps track of the device lists and cross-signing keys
// of users, applying the updates other servers send over federation.
package devicelist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/fedtypes"
)

var (
	ErrOriginMismatch        = errors.New("user doesn't belong to the sending server")
	ErrMissingPreviousUpdate = errors.New("missing previous device list update")
	ErrInvalidUpdate         = errors.New("invalid device list update")
	ErrNotLocalUser          = errors.New("user isn't local")
	ErrLocalUser             = errors.New("user is local")
)

var updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fedsync_devicelist_updates_total",
	Help: "Number of device list and signing key updates by outcome",
}, []string{"edu_type", "result"})

// LoggedEDU is an applied update as it's kept in the EDU log.
type LoggedEDU struct {
	Origin   string           `json:"origin"`
	Type     fedtypes.EDUType `json:"edu_type"`
	UserID   id.UserID        `json:"user_id"`
	StreamID int64            `json:"stream_id"`
	Content  json.RawMessage  `json:"content"`
}

type Store interface {
	// GetDeviceList returns nil if nothing is known about the user.
	GetDeviceList(ctx context.Context, userID id.UserID) (*fedtypes.DeviceListCache, error)
	// SaveDeviceList replaces the stored state of the user and appends the
	// EDU to the log (if not nil) in a single transaction.
	SaveDeviceList(ctx context.Context, cache *fedtypes.DeviceListCache, edu *LoggedEDU) error
}

type DeviceFetcher interface {
	GetUserDevices(ctx context.Context, userID id.UserID) (*fedtypes.RespUserDevices, error)
}

type EDUQueue interface {
	EnqueueEDU(destination string, edu fedtypes.EDU)
}

type Synchronizer struct {
	Store   Store
	Fetcher DeviceFetcher
	Queue   EDUQueue

	serverName string
	userLocks  sync.Map
	now        func() time.Time
}

func NewSynchronizer(serverName string, store Store, fetcher DeviceFetcher, queue EDUQueue) *Synchronizer {
	return &Synchronizer{
		Store:      store,
		Fetcher:    fetcher,
		Queue:      queue,
		serverName: serverName,
		now:        time.Now,
	}
}

func (s *Synchronizer) lockUser(userID id.UserID) func() {
	lock, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	return lock.(*sync.Mutex).Unlock
}

func (s *Synchronizer) load(ctx context.Context, userID id.UserID) (*fedtypes.DeviceListCache, error) {
	cache, err := s.Store.GetDeviceList(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device list of %s: %w", userID, err)
	} else if cache == nil {
		cache = &fedtypes.DeviceListCache{UserID: userID}
	}
	if cache.Devices == nil {
		cache.Devices = make(map[id.DeviceID]*fedtypes.Device)
	}
	return cache, nil
}

func checkOrigin(userID id.UserID, origin string) error {
	_, server, err := userID.ParseAndValidateRelaxed()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
	} else if server != origin {
		return fmt.Errorf("%w: %s sent an update for %s", ErrOriginMismatch, origin, userID)
	}
	return nil
}

func marshalContent(content any) json.RawMessage {
	data, _ := json.Marshal(content)
	return data
}

// ApplyDeviceListUpdate applies an m.device_list_update EDU received from origin.
// Updates that were already applied are ignored. If the update refers to
// updates that haven't been seen, ErrMissingPreviousUpdate is returned and
// nothing is changed.
func (s *Synchronizer) ApplyDeviceListUpdate(ctx context.Context, origin string, update *fedtypes.DeviceListUpdate) (err error) {
	defer func() {
		updatesTotal.WithLabelValues(string(fedtypes.EDUTypeDeviceListUpdate), resultLabel(err)).Inc()
	}()
	if err = checkOrigin(update.UserID, origin); err != nil {
		return err
	} else if update.DeviceID == "" {
		return fmt.Errorf("%w: missing device ID", ErrInvalidUpdate)
	}
	log := zerolog.Ctx(ctx).With().
		Stringer("user_id", update.UserID).
		Stringer("device_id", update.DeviceID).
		Int64("stream_id", update.StreamID).
		Logger()
	defer s.lockUser(update.UserID)()
	cache, err := s.load(ctx, update.UserID)
	if err != nil {
		return err
	}
	if update.StreamID <= cache.StreamID {
		log.Debug().Int64("current_stream_id", cache.StreamID).Msg("Ignoring already applied device list update")
		return nil
	}
	for _, prevID := range update.PrevID {
		if prevID > cache.StreamID {
			return fmt.Errorf("%w: prev_id %d is newer than local stream ID %d", ErrMissingPreviousUpdate, prevID, cache.StreamID)
		}
	}
	if update.Deleted {
		delete(cache.Devices, update.DeviceID)
	} else {
		if len(update.Keys) > 0 {
			if err = VerifyDeviceKeys(update.Keys, update.UserID, update.DeviceID); err != nil {
				return err
			}
		}
		device, ok := cache.Devices[update.DeviceID]
		if !ok {
			device = &fedtypes.Device{DeviceID: update.DeviceID}
			cache.Devices[update.DeviceID] = device
		}
		device.DisplayName = update.DeviceDisplayName
		if len(update.Keys) > 0 {
			device.Keys = update.Keys
		}
	}
	cache.StreamID = update.StreamID
	cache.LastUpdated = s.now()
	err = s.Store.SaveDeviceList(ctx, cache, &LoggedEDU{
		Origin:   origin,
		Type:     fedtypes.EDUTypeDeviceListUpdate,
		UserID:   update.UserID,
		StreamID: update.StreamID,
		Content:  marshalContent(update),
	})
	if err != nil {
		return fmt.Errorf("failed to save device list of %s: %w", update.UserID, err)
	}
	log.Debug().Bool("deleted", update.Deleted).Msg("Applied device list update")
	return nil
}

// ApplySigningKeyUpdate applies an m.signing_key_update EDU received from origin.
func (s *Synchronizer) ApplySigningKeyUpdate(ctx context.Context, origin string, update *fedtypes.SigningKeyUpdate) (err error) {
	defer func() {
		updatesTotal.WithLabelValues(string(fedtypes.EDUTypeSigningKeyUpdate), resultLabel(err)).Inc()
	}()
	if err = checkOrigin(update.UserID, origin); err != nil {
		zerolog.Ctx(ctx).Warn().
			Str("origin", origin).
			Stringer("user_id", update.UserID).
			Msg("Rejecting signing key update for user of another server")
		return err
	} else if len(update.MasterKey) == 0 && len(update.SelfSigningKey) == 0 {
		return fmt.Errorf("%w: no keys in signing key update", ErrInvalidUpdate)
	}
	defer s.lockUser(update.UserID)()
	cache, err := s.load(ctx, update.UserID)
	if err != nil {
		return err
	}
	if len(update.MasterKey) > 0 {
		if _, err = parseCrossSigningKey(update.MasterKey, update.UserID, usageMaster); err != nil {
			return err
		}
		cache.MasterKey = update.MasterKey
		if len(update.SelfSigningKey) == 0 && len(cache.SelfSigningKey) > 0 &&
			VerifySelfSigningKey(cache.SelfSigningKey, cache.MasterKey, update.UserID) != nil {
			// The old self-signing key isn't valid under the new master key
			cache.SelfSigningKey = nil
		}
	}
	if len(update.SelfSigningKey) > 0 {
		if err = VerifySelfSigningKey(update.SelfSigningKey, cache.MasterKey, update.UserID); err != nil {
			return err
		}
		cache.SelfSigningKey = update.SelfSigningKey
	}
	cache.LastUpdated = s.now()
	err = s.Store.SaveDeviceList(ctx, cache, &LoggedEDU{
		Origin:   origin,
		Type:     fedtypes.EDUTypeSigningKeyUpdate,
		UserID:   update.UserID,
		StreamID: cache.StreamID,
		Content:  marshalContent(update),
	})
	if err != nil {
		return fmt.Errorf("failed to save signing keys of %s: %w", update.UserID, err)
	}
	zerolog.Ctx(ctx).Debug().Stringer("user_id", update.UserID).Msg("Applied signing key update")
	return nil
}

// Resync replaces the cached device list of a remote user with a fresh copy
// from their server. Devices with invalid keys are left out.
func (s *Synchronizer) Resync(ctx context.Context, userID id.UserID) error {
	if _, server, err := userID.ParseAndValidateRelaxed(); err != nil {
		return err
	} else if server == s.serverName {
		return fmt.Errorf("%w: can't resync %s", ErrLocalUser, userID)
	}
	resp, err := s.Fetcher.GetUserDevices(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to fetch devices of %s: %w", userID, err)
	} else if resp.UserID != userID {
		return fmt.Errorf("%w: got devices of %s instead of %s", ErrInvalidUpdate, resp.UserID, userID)
	}
	log := zerolog.Ctx(ctx).With().Stringer("user_id", userID).Logger()
	cache := &fedtypes.DeviceListCache{
		UserID:      userID,
		Devices:     make(map[id.DeviceID]*fedtypes.Device, len(resp.Devices)),
		StreamID:    resp.StreamID,
		LastUpdated: s.now(),
	}
	for _, device := range resp.Devices {
		if device == nil || device.DeviceID == "" {
			continue
		}
		if len(device.Keys) > 0 {
			if err = VerifyDeviceKeys(device.Keys, userID, device.DeviceID); err != nil {
				log.Warn().Err(err).Stringer("device_id", device.DeviceID).Msg("Dropping device with invalid keys from resync")
				continue
			}
		}
		cache.Devices[device.DeviceID] = device
	}
	if len(resp.MasterKey) > 0 {
		if _, err = parseCrossSigningKey(resp.MasterKey, userID, usageMaster); err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid master key from resync")
		} else {
			cache.MasterKey = resp.MasterKey
		}
	}
	if len(resp.SelfSigningKey) > 0 {
		if err = VerifySelfSigningKey(resp.SelfSigningKey, cache.MasterKey, userID); err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid self-signing key from resync")
		} else {
			cache.SelfSigningKey = resp.SelfSigningKey
		}
	}
	defer s.lockUser(userID)()
	if existing, err := s.Store.GetDeviceList(ctx, userID); err != nil {
		return fmt.Errorf("failed to get device list of %s: %w", userID, err)
	} else if existing != nil && existing.StreamID > cache.StreamID {
		log.Debug().Int64("current_stream_id", existing.StreamID).Msg("Device list changed during resync, not overwriting")
		return nil
	}
	if err = s.Store.SaveDeviceList(ctx, cache, nil); err != nil {
		return fmt.Errorf("failed to save device list of %s: %w", userID, err)
	}
	log.Info().
		Int("device_count", len(cache.Devices)).
		Int64("stream_id", cache.StreamID).
		Msg("Resynced device list")
	return nil
}

// PublishLocalUpdate applies a change to a local user's device and sends it
// to the given servers. A nil device deletes the device with the given ID.
func (s *Synchronizer) PublishLocalUpdate(ctx context.Context, userID id.UserID, deviceID id.DeviceID, device *fedtypes.Device, destinations []string) (*fedtypes.DeviceListUpdate, error) {
	if _, server, err := userID.ParseAndValidateRelaxed(); err != nil {
		return nil, err
	} else if server != s.serverName {
		return nil, fmt.Errorf("%w: %s", ErrNotLocalUser, userID)
	}
	if device != nil {
		device.DeviceID = deviceID
		if len(device.Keys) > 0 {
			if err := VerifyDeviceKeys(device.Keys, userID, deviceID); err != nil {
				return nil, err
			}
		}
	}
	unlock := s.lockUser(userID)
	cache, err := s.load(ctx, userID)
	if err != nil {
		unlock()
		return nil, err
	}
	update := &fedtypes.DeviceListUpdate{
		UserID:   userID,
		DeviceID: deviceID,
		StreamID: cache.StreamID + 1,
	}
	if cache.StreamID > 0 {
		update.PrevID = []int64{cache.StreamID}
	}
	if device == nil {
		update.Deleted = true
		delete(cache.Devices, deviceID)
	} else {
		update.DeviceDisplayName = device.DisplayName
		update.Keys = device.Keys
		cache.Devices[deviceID] = device
	}
	cache.StreamID = update.StreamID
	cache.LastUpdated = s.now()
	content := marshalContent(update)
	err = s.Store.SaveDeviceList(ctx, cache, &LoggedEDU{
		Origin:   s.serverName,
		Type:     fedtypes.EDUTypeDeviceListUpdate,
		UserID:   userID,
		StreamID: update.StreamID,
		Content:  content,
	})
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to save device list of %s: %w", userID, err)
	}
	// Enqueued under the user lock so destinations see stream IDs in order.
	if s.Queue != nil {
		edu := fedtypes.EDU{Type: fedtypes.EDUTypeDeviceListUpdate, Content: content}
		for _, destination := range destinations {
			s.Queue.EnqueueEDU(destination, edu)
		}
	}
	unlock()
	return update, nil
}

// GetDevices returns the known device list of a user, with devices sorted by ID.
func (s *Synchronizer) GetDevices(ctx context.Context, userID id.UserID) (*fedtypes.RespUserDevices, error) {
	cache, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	resp := &fedtypes.RespUserDevices{
		UserID:         userID,
		StreamID:       cache.StreamID,
		Devices:        make([]*fedtypes.Device, 0, len(cache.Devices)),
		MasterKey:      cache.MasterKey,
		SelfSigningKey: cache.SelfSigningKey,
	}
	for _, deviceID := range slices.Sorted(maps.Keys(cache.Devices)) {
		resp.Devices = append(resp.Devices, cache.Devices[deviceID])
	}
	return resp, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, ErrOriginMismatch):
		return "origin_mismatch"
	case errors.Is(err, ErrMissingPreviousUpdate):
		return "missing_previous"
	case errors.Is(err, ErrInvalidUpdate):
		return "invalid"
	default:
		return "error"
	}
}
