// Package signing produces and checks the ed25519 signatures attached to
// events, key documents and federation requests.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/exgjson"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/fedsync/canonicaljson"
)

var (
	ErrInvalidPrivateKey = errors.New("invalid ed25519 private key")
	ErrInvalidPublicKey  = errors.New("invalid ed25519 public key")
	ErrSignatureNotFound = errors.New("signature not found")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// Sign signs data with the given private key and returns the signature as
// unpadded standard base64.
func Sign(data []byte, priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPrivateKey, ed25519.PrivateKeySize, len(priv))
	}
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, data)), nil
}

// Verify checks a base64 signature over data. Both padded and unpadded
// encodings are accepted. Malformed keys or signatures never verify.
func Verify(data []byte, pub ed25519.PublicKey, sig string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	rawSig, err := DecodeBase64(sig)
	if err != nil || len(rawSig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, rawSig)
}

// DecodeBase64 decodes standard base64 with or without padding.
func DecodeBase64(val string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(val, "="))
}

// EncodeBase64 encodes bytes as unpadded standard base64.
func EncodeBase64(val []byte) string {
	return base64.RawStdEncoding.EncodeToString(val)
}

// DecodePublicKey parses an unpadded base64 ed25519 public key.
func DecodePublicKey(key id.SigningKey) (ed25519.PublicKey, error) {
	raw, err := DecodeBase64(string(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	} else if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(raw))
	}
	return raw, nil
}

// EncodePublicKey encodes an ed25519 public key the way it's published in key documents.
func EncodePublicKey(pub ed25519.PublicKey) id.SigningKey {
	return id.SigningKey(EncodeBase64(pub))
}

// SignJSON signs the canonical form of a JSON object, ignoring any existing
// signatures and unsigned data.
func SignJSON(raw []byte, priv ed25519.PrivateKey) (string, error) {
	canonical, err := canonicaljson.ForSigning(raw)
	if err != nil {
		return "", err
	}
	return Sign(canonical, priv)
}

// AddSignature inserts a signature into the signatures object of a JSON document.
func AddSignature(raw []byte, server string, keyID id.KeyID, sig string) ([]byte, error) {
	return sjson.SetBytes(raw, exgjson.Path("signatures", server, string(keyID)), sig)
}

// SignAndAdd signs a JSON document and inserts the signature under the given server and key ID.
func SignAndAdd(raw []byte, server string, keyID id.KeyID, priv ed25519.PrivateKey) ([]byte, error) {
	sig, err := SignJSON(raw, priv)
	if err != nil {
		return nil, err
	}
	return AddSignature(raw, server, keyID, sig)
}

// GetSignature returns the signature made by the given server and key from a JSON document.
func GetSignature(raw []byte, server string, keyID id.KeyID) (string, bool) {
	res := gjson.GetBytes(raw, exgjson.Path("signatures", server, string(keyID)))
	if res.Type != gjson.String {
		return "", false
	}
	return res.Str, true
}

// SignerKeyIDs lists the ed25519 key IDs the given server has signed a JSON document with.
func SignerKeyIDs(raw []byte, server string) []id.KeyID {
	var keyIDs []id.KeyID
	gjson.GetBytes(raw, exgjson.Path("signatures", server)).ForEach(func(key, value gjson.Result) bool {
		if strings.HasPrefix(key.Str, string(id.KeyAlgorithmEd25519)+":") && value.Type == gjson.String {
			keyIDs = append(keyIDs, id.KeyID(key.Str))
		}
		return true
	})
	return keyIDs
}

// VerifyJSON checks the signature made by server with keyID over the
// canonical form of a JSON object.
func VerifyJSON(raw []byte, server string, keyID id.KeyID, pub ed25519.PublicKey) error {
	sig, ok := GetSignature(raw, server, keyID)
	if !ok {
		return fmt.Errorf("%w: no signature from %s with %s", ErrSignatureNotFound, server, keyID)
	}
	canonical, err := canonicaljson.ForSigning(raw)
	if err != nil {
		return err
	}
	if !Verify(canonical, pub, sig) {
		return fmt.Errorf("%w: signature from %s with %s doesn't match", ErrInvalidSignature, server, keyID)
	}
	return nil
}
