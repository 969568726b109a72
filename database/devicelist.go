package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/devicelist"
	"go.mau.fi/fedsync/fedtypes"
)

const (
	getDeviceListQuery = `
		SELECT user_id, stream_id, master_key, self_signing_key, last_updated
		FROM device_list WHERE user_id=$1
	`
	getDevicesQuery = `
		SELECT device_id, display_name, device_keys FROM device WHERE user_id=$1
	`
	putDeviceListQuery = `
		INSERT INTO device_list (user_id, stream_id, master_key, self_signing_key, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			stream_id=excluded.stream_id,
			master_key=excluded.master_key,
			self_signing_key=excluded.self_signing_key,
			last_updated=excluded.last_updated
	`
	deleteDevicesQuery = `
		DELETE FROM device WHERE user_id=$1
	`
	insertDeviceQuery = `
		INSERT INTO device (user_id, device_id, display_name, device_keys)
		VALUES ($1, $2, $3, $4)
	`
	insertDeviceListEDUQuery = `
		INSERT INTO device_list_edu (origin, edu_type, user_id, stream_id, content, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	getDeviceListEDUsQuery = `
		SELECT origin, edu_type, user_id, stream_id, content
		FROM device_list_edu WHERE user_id=$1 AND stream_id>$2
		ORDER BY stream_id, received_at
	`
)

// DeviceListQuery stores the device lists and cross-signing keys of users
// along with a log of the updates that were applied. It implements
// devicelist.Store.
type DeviceListQuery struct {
	*dbutil.Database
}

var _ devicelist.Store = (*DeviceListQuery)(nil)

func nullJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func (dlq *DeviceListQuery) GetDeviceList(ctx context.Context, userID id.UserID) (*fedtypes.DeviceListCache, error) {
	cache := &fedtypes.DeviceListCache{}
	var masterKey, selfSigningKey sql.NullString
	var lastUpdated int64
	err := dlq.QueryRow(ctx, getDeviceListQuery, userID).
		Scan(&cache.UserID, &cache.StreamID, &masterKey, &selfSigningKey, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if masterKey.Valid {
		cache.MasterKey = json.RawMessage(masterKey.String)
	}
	if selfSigningKey.Valid {
		cache.SelfSigningKey = json.RawMessage(selfSigningKey.String)
	}
	cache.LastUpdated = time.UnixMilli(lastUpdated)
	devices, err := deviceScanner.NewRowIter(dlq.Query(ctx, getDevicesQuery, userID)).AsList()
	if err != nil {
		return nil, err
	}
	cache.Devices = make(map[id.DeviceID]*fedtypes.Device, len(devices))
	for _, dev := range devices {
		cache.Devices[dev.DeviceID] = dev
	}
	return cache, nil
}

var deviceScanner = dbutil.ConvertRowFn[*fedtypes.Device](func(row dbutil.Scannable) (*fedtypes.Device, error) {
	var dev fedtypes.Device
	var keys sql.NullString
	err := row.Scan(&dev.DeviceID, &dev.DisplayName, &keys)
	if err != nil {
		return nil, err
	}
	if keys.Valid {
		dev.Keys = json.RawMessage(keys.String)
	}
	return &dev, nil
})

func (dlq *DeviceListQuery) SaveDeviceList(ctx context.Context, cache *fedtypes.DeviceListCache, edu *devicelist.LoggedEDU) error {
	return dlq.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := dlq.Exec(ctx, putDeviceListQuery,
			cache.UserID, cache.StreamID, nullJSON(cache.MasterKey), nullJSON(cache.SelfSigningKey), cache.LastUpdated.UnixMilli())
		if err != nil {
			return err
		}
		if _, err = dlq.Exec(ctx, deleteDevicesQuery, cache.UserID); err != nil {
			return err
		}
		for _, dev := range cache.Devices {
			_, err = dlq.Exec(ctx, insertDeviceQuery, cache.UserID, dev.DeviceID, dev.DisplayName, nullJSON(dev.Keys))
			if err != nil {
				return err
			}
		}
		if edu != nil {
			_, err = dlq.Exec(ctx, insertDeviceListEDUQuery,
				edu.Origin, edu.Type, edu.UserID, edu.StreamID, string(edu.Content), time.Now().UnixMilli())
		}
		return err
	})
}

var loggedEDUScanner = dbutil.ConvertRowFn[*devicelist.LoggedEDU](func(row dbutil.Scannable) (*devicelist.LoggedEDU, error) {
	var edu devicelist.LoggedEDU
	var content string
	err := row.Scan(&edu.Origin, &edu.Type, &edu.UserID, &edu.StreamID, &content)
	if err != nil {
		return nil, err
	}
	edu.Content = json.RawMessage(content)
	return &edu, nil
})

// GetEDUs returns the logged updates of a user with a stream ID above since.
func (dlq *DeviceListQuery) GetEDUs(ctx context.Context, userID id.UserID, since int64) ([]*devicelist.LoggedEDU, error) {
	return loggedEDUScanner.NewRowIter(dlq.Query(ctx, getDeviceListEDUsQuery, userID, since)).AsList()
}
