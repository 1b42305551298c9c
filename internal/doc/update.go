package doc

import (
	"encoding/json"
	"fmt"
)

// Write is one register assignment: field of participant ID set to Value at Stamp.
type Write struct {
	ID    ParticipantID   `json:"id"`
	Field Field           `json:"field"`
	Stamp Stamp           `json:"stamp"`
	Value json.RawMessage `json:"value"`
}

// Update is the unit of replication. A local write yields a one-write Update;
// Snapshot yields one write per register.
type Update struct {
	Writes []Write `json:"writes"`
}

// Empty reports whether u carries no writes.
func (u Update) Empty() bool { return len(u.Writes) == 0 }

// EncodeUpdate returns the JSON wire form of u.
func EncodeUpdate(u Update) ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdate parses an Update. Individual writes are validated by Merge.
func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}
