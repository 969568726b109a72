// Package fedtypes contains the wire types of the server-server API.
package fedtypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/exgjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var ErrInvalidPDU = errors.New("invalid PDU")

type EventHashes struct {
	SHA256 string `json:"sha256"`
}

// Signatures maps server names to key IDs to unpadded base64 signatures.
type Signatures map[string]map[id.KeyID]string

// PDU is a persistent data unit, i.e. a room event as sent over federation.
//
// Fields that aren't part of the typed envelope are kept in Extra and
// re-emitted when marshaling. PDUs relayed to other servers should be served
// with Raw, as re-encoding the typed fields doesn't preserve every detail the
// signatures cover.
type PDU struct {
	EventID        id.EventID      `json:"event_id"`
	RoomID         id.RoomID       `json:"room_id"`
	Sender         id.UserID       `json:"sender"`
	Type           event.Type      `json:"type"`
	Content        json.RawMessage `json:"content"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Depth          int64           `json:"depth"`
	PrevEvents     []id.EventID    `json:"prev_events"`
	AuthEvents     []id.EventID    `json:"auth_events"`
	Hashes         EventHashes     `json:"hashes"`
	Signatures     Signatures      `json:"signatures,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`

	raw json.RawMessage
}

var pduFields = []string{
	"event_id", "room_id", "sender", "type", "content", "state_key", "origin_server_ts",
	"depth", "prev_events", "auth_events", "hashes", "signatures", "unsigned",
}

type pduAlias PDU

func (pdu *PDU) UnmarshalJSON(data []byte) error {
	err := json.Unmarshal(data, (*pduAlias)(pdu))
	if err != nil {
		return err
	}
	pdu.Extra = nil
	gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
		if !slices.Contains(pduFields, key.Str) {
			if pdu.Extra == nil {
				pdu.Extra = make(map[string]json.RawMessage)
			}
			pdu.Extra[key.Str] = json.RawMessage(value.Raw)
		}
		return true
	})
	return nil
}

func (pdu *PDU) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal((*pduAlias)(pdu))
	if err != nil {
		return nil, err
	}
	for key, value := range pdu.Extra {
		if slices.Contains(pduFields, key) {
			continue
		}
		data, err = sjson.SetRawBytes(data, exgjson.Path(key), value)
		if err != nil {
			return nil, fmt.Errorf("failed to set extra field %s: %w", key, err)
		}
	}
	return data, nil
}

// Raw returns the PDU exactly as it was passed to ParsePDU. PDUs that were
// built in code are marshaled from their fields instead.
func (pdu *PDU) Raw() (json.RawMessage, error) {
	if pdu.raw != nil {
		return pdu.raw, nil
	}
	return json.Marshal(pdu)
}

// IsState returns true if the event has a state key.
func (pdu *PDU) IsState() bool {
	return pdu.StateKey != nil
}

// Origin returns the server name of the event sender.
func (pdu *PDU) Origin() string {
	return pdu.Sender.Homeserver()
}

// ParsePDU parses a PDU and checks that the envelope fields required for
// federation are present.
func ParsePDU(raw json.RawMessage) (*PDU, error) {
	var pdu PDU
	if err := json.Unmarshal(raw, &pdu); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPDU, err)
	}
	if pdu.EventID == "" {
		return nil, fmt.Errorf("%w: missing event_id", ErrInvalidPDU)
	} else if pdu.RoomID == "" {
		return nil, fmt.Errorf("%w: missing room_id", ErrInvalidPDU)
	} else if pdu.Type.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidPDU)
	} else if pdu.Depth < 0 {
		return nil, fmt.Errorf("%w: negative depth", ErrInvalidPDU)
	} else if len(pdu.Content) == 0 || !gjson.ParseBytes(pdu.Content).IsObject() {
		return nil, fmt.Errorf("%w: content must be an object", ErrInvalidPDU)
	}
	if _, _, err := pdu.Sender.ParseAndValidateRelaxed(); err != nil {
		return nil, fmt.Errorf("%w: invalid sender: %w", ErrInvalidPDU, err)
	}
	pdu.raw = raw
	return &pdu, nil
}
