package fedtypes

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/id"
)

// DeviceListUpdate is the content of an m.device_list_update EDU.
type DeviceListUpdate struct {
	UserID            id.UserID       `json:"user_id"`
	DeviceID          id.DeviceID     `json:"device_id"`
	DeviceDisplayName string          `json:"device_display_name,omitempty"`
	StreamID          int64           `json:"stream_id"`
	PrevID            []int64         `json:"prev_id,omitempty"`
	Deleted           bool            `json:"deleted,omitempty"`
	Keys              json.RawMessage `json:"keys,omitempty"`
}

// SigningKeyUpdate is the content of an m.signing_key_update EDU.
type SigningKeyUpdate struct {
	UserID         id.UserID       `json:"user_id"`
	MasterKey      json.RawMessage `json:"master_key,omitempty"`
	SelfSigningKey json.RawMessage `json:"self_signing_key,omitempty"`
}

// DeviceKeys is the identity key document uploaded by a device.
type DeviceKeys struct {
	UserID     id.UserID           `json:"user_id"`
	DeviceID   id.DeviceID         `json:"device_id"`
	Algorithms []string            `json:"algorithms"`
	Keys       map[id.KeyID]string `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
}

// CrossSigningKey is a master or self-signing key document.
type CrossSigningKey struct {
	UserID     id.UserID           `json:"user_id"`
	Usage      []string            `json:"usage"`
	Keys       map[id.KeyID]string `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
}

// FirstKey returns the first ed25519 key of the document.
func (csk *CrossSigningKey) FirstKey() (id.KeyID, string, bool) {
	for keyID, key := range csk.Keys {
		if alg, _ := keyID.Parse(); alg == id.KeyAlgorithmEd25519 {
			return keyID, key, true
		}
	}
	return "", "", false
}

type Device struct {
	DeviceID    id.DeviceID     `json:"device_id"`
	DisplayName string          `json:"device_display_name,omitempty"`
	Keys        json.RawMessage `json:"keys,omitempty"`
}

// DeviceListCache is the locally known device list of a user.
type DeviceListCache struct {
	UserID         id.UserID               `json:"user_id"`
	Devices        map[id.DeviceID]*Device `json:"devices"`
	MasterKey      json.RawMessage         `json:"master_key,omitempty"`
	SelfSigningKey json.RawMessage         `json:"self_signing_key,omitempty"`
	StreamID       int64                   `json:"stream_id"`
	LastUpdated    time.Time               `json:"last_updated"`
}

// RespUserDevices is the response to GET /_matrix/federation/v1/user/devices/{userId}.
type RespUserDevices struct {
	UserID         id.UserID       `json:"user_id"`
	StreamID       int64           `json:"stream_id"`
	Devices        []*Device       `json:"devices"`
	MasterKey      json.RawMessage `json:"master_key,omitempty"`
	SelfSigningKey json.RawMessage `json:"self_signing_key,omitempty"`
}
