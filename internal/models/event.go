package models

import (
	"encoding/json"
	"time"
)

// ArchivedEvent is a published lobby event on its way to long-term storage.
type ArchivedEvent struct {
	LobbyID   int64           `json:"lobby_id"`
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Scope     int             `json:"scope"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}
