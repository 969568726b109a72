package fedtypes

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

const (
	MaxPDUsPerTransaction = 50
	MaxEDUsPerTransaction = 100
)

// Transaction is the body of PUT /_matrix/federation/v1/send/{txnId}.
type Transaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []EDU             `json:"edus,omitempty"`
}

type EDUType string

const (
	EDUTypeDeviceListUpdate EDUType = "m.device_list_update"
	EDUTypeSigningKeyUpdate EDUType = "m.signing_key_update"
)

// EDU is an ephemeral data unit.
type EDU struct {
	Type    EDUType         `json:"edu_type"`
	Content json.RawMessage `json:"content"`
}

// NewEDU marshals the given content into an EDU.
func NewEDU(eduType EDUType, content any) (EDU, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return EDU{}, err
	}
	return EDU{Type: eduType, Content: raw}, nil
}

type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// RespSend is the response to a transaction.
type RespSend struct {
	PDUs map[id.EventID]PDUResult `json:"pdus"`
}

// Failed returns the PDU results that contain an error.
func (rs *RespSend) Failed() map[id.EventID]string {
	failed := make(map[id.EventID]string)
	for evtID, res := range rs.PDUs {
		if res.Error != "" {
			failed[evtID] = res.Error
		}
	}
	return failed
}
