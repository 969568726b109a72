package devicelist

import (
	"encoding/json"
	"fmt"
	"slices"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/fedtypes"
	"go.mau.fi/fedsync/signing"
)

const (
	usageMaster      = "master"
	usageSelfSigning = "self_signing"
)

// VerifyDeviceKeys checks that a device key document belongs to the given
// user and device and is signed by the device's own ed25519 key.
func VerifyDeviceKeys(raw json.RawMessage, userID id.UserID, deviceID id.DeviceID) error {
	var keys fedtypes.DeviceKeys
	if err := json.Unmarshal(raw, &keys); err != nil {
		return fmt.Errorf("%w: failed to parse device keys: %w", ErrInvalidUpdate, err)
	} else if keys.UserID != userID || keys.DeviceID != deviceID {
		return fmt.Errorf("%w: device keys are for %s/%s, not %s/%s", ErrInvalidUpdate, keys.UserID, keys.DeviceID, userID, deviceID)
	}
	keyID := id.NewKeyID(id.KeyAlgorithmEd25519, string(deviceID))
	encodedKey, ok := keys.Keys[keyID]
	if !ok {
		return fmt.Errorf("%w: device keys don't contain %s", ErrInvalidUpdate, keyID)
	}
	pub, err := signing.DecodePublicKey(id.SigningKey(encodedKey))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
	}
	if err = signing.VerifyJSON(raw, string(userID), keyID, pub); err != nil {
		return fmt.Errorf("%w: device keys aren't self-signed: %w", ErrInvalidUpdate, err)
	}
	return nil
}

func parseCrossSigningKey(raw json.RawMessage, userID id.UserID, usage string) (*fedtypes.CrossSigningKey, error) {
	var key fedtypes.CrossSigningKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s key: %w", ErrInvalidUpdate, usage, err)
	} else if key.UserID != userID {
		return nil, fmt.Errorf("%w: %s key is for %s, not %s", ErrInvalidUpdate, usage, key.UserID, userID)
	} else if !slices.Contains(key.Usage, usage) {
		return nil, fmt.Errorf("%w: key doesn't have usage %s", ErrInvalidUpdate, usage)
	} else if _, _, ok := key.FirstKey(); !ok {
		return nil, fmt.Errorf("%w: %s key doesn't contain an ed25519 key", ErrInvalidUpdate, usage)
	}
	return &key, nil
}

// VerifySelfSigningKey checks that a self-signing key document belongs to the
// user and is signed by the given master key document.
func VerifySelfSigningKey(selfSigning, master json.RawMessage, userID id.UserID) error {
	if _, err := parseCrossSigningKey(selfSigning, userID, usageSelfSigning); err != nil {
		return err
	}
	if len(master) == 0 {
		return fmt.Errorf("%w: no master key to verify self-signing key with", ErrInvalidUpdate)
	}
	masterKey, err := parseCrossSigningKey(master, userID, usageMaster)
	if err != nil {
		return err
	}
	keyID, encoded, _ := masterKey.FirstKey()
	pub, err := signing.DecodePublicKey(id.SigningKey(encoded))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
	}
	if err = signing.VerifyJSON(selfSigning, string(userID), keyID, pub); err != nil {
		return fmt.Errorf("%w: self-signing key isn't signed by master key: %w", ErrInvalidUpdate, err)
	}
	return nil
}
