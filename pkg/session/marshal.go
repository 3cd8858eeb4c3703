package session

import "encoding/json"

func unmarshalSession(raw json.RawMessage, dst *Session) error {
	return json.Unmarshal(raw, dst)
}
