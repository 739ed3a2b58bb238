package types

import (
	"encoding/hex"
	"encoding/json"
)

// ScriptType identifies the type of locking script. The chain supports
// exactly the fixed pay-to-pubkey-hash pattern plus a minimal unspendable
// template (used for provably-unspendable outputs); there is no general
// script engine.
type ScriptType uint8

const (
	ScriptTypeP2PKH        ScriptType = 0x01 // Pay to public key hash
	ScriptTypeUnspendable  ScriptType = 0x02 // Data-carrier / provably unspendable
)

// String returns a human-readable name for the script type.
func (st ScriptType) String() string {
	switch st {
	case ScriptTypeP2PKH:
		return "P2PKH"
	case ScriptTypeUnspendable:
		return "Unspendable"
	default:
		return "Unknown"
	}
}

// Script defines the locking condition for a UTXO.
type Script struct {
	Type ScriptType `json:"type"`
	Data []byte     `json:"data"`
}

// scriptJSON is the JSON representation of a Script with hex-encoded data.
type scriptJSON struct {
	Type ScriptType `json:"type"`
	Data string     `json:"data"`
}

// MarshalJSON encodes the script with hex-encoded data.
func (s Script) MarshalJSON() ([]byte, error) {
	return json.Marshal(scriptJSON{
		Type: s.Type,
		Data: hex.EncodeToString(s.Data),
	})
}

// UnmarshalJSON decodes a script with hex-encoded data.
func (s *Script) UnmarshalJSON(data []byte) error {
	var j scriptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	s.Type = j.Type
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		s.Data = b
	}
	return nil
}
