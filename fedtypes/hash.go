package fedtypes

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"go.mau.fi/fedsync/canonicaljson"
)

var ErrContentHashMismatch = errors.New("content hash mismatch")

const HashSize = sha256.Size

var Base64SHA256Length = base64.RawStdEncoding.EncodedLen(HashSize)

// ContentHash computes the unpadded base64 sha256 hash of an event, which
// covers everything except signatures, unsigned data and the hashes themselves.
func ContentHash(raw json.RawMessage) (string, error) {
	canonical, err := canonicaljson.Strip(raw, "signatures", "unsigned", "hashes")
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

// DecodeBase64Hash decodes a sha256 hash in padded or unpadded base64.
func DecodeBase64Hash(hash string) (*[HashSize]byte, bool) {
	hash = strings.TrimRight(hash, "=")
	if len(hash) != Base64SHA256Length {
		return nil, false
	}
	decoded, err := base64.RawStdEncoding.DecodeString(hash)
	if err != nil {
		return nil, false
	}
	return (*[HashSize]byte)(decoded), true
}

// CheckContentHash compares the sha256 hash stored in an event to the computed one.
func CheckContentHash(raw json.RawMessage) error {
	expected, ok := DecodeBase64Hash(gjson.GetBytes(raw, "hashes.sha256").Str)
	if !ok {
		return fmt.Errorf("%w: missing or malformed sha256 hash", ErrContentHashMismatch)
	}
	computedStr, err := ContentHash(raw)
	if err != nil {
		return err
	}
	computed, _ := DecodeBase64Hash(computedStr)
	if subtle.ConstantTimeCompare(expected[:], computed[:]) != 1 {
		return ErrContentHashMismatch
	}
	return nil
}
