package fedtypes

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

type VerifyKey struct {
	Key id.SigningKey `json:"key"`
}

type OldVerifyKey struct {
	Key       id.SigningKey `json:"key"`
	ExpiredTS int64         `json:"expired_ts"`
}

// ServerKeys is the key document a server publishes at /_matrix/key/v2/server.
type ServerKeys struct {
	ServerName    string                    `json:"server_name"`
	ValidUntilTS  int64                     `json:"valid_until_ts"`
	VerifyKeys    map[id.KeyID]VerifyKey    `json:"verify_keys"`
	OldVerifyKeys map[id.KeyID]OldVerifyKey `json:"old_verify_keys"`
	Signatures    Signatures                `json:"signatures,omitempty"`
}

// RespServerKeysQuery is the response of the notary key query endpoints.
// The documents are kept raw so that signatures from other servers survive.
type RespServerKeysQuery struct {
	ServerKeys []json.RawMessage `json:"server_keys"`
}

type QueryKeyCriteria struct {
	MinimumValidUntilTS int64 `json:"minimum_valid_until_ts,omitempty"`
}

// ReqQueryKeys is the body of POST /_matrix/key/v2/query.
type ReqQueryKeys struct {
	ServerKeys map[string]map[id.KeyID]QueryKeyCriteria `json:"server_keys"`
}
