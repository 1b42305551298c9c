package doc

// Stamp orders writes to one register: Lamport clock first, then the id of the
// replica that made the write.
type Stamp struct {
	Clock   uint64        `json:"clock"`
	Replica ParticipantID `json:"replica"`
}

// After reports whether s wins over o.
func (s Stamp) After(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock > o.Clock
	}
	return s.Replica > o.Replica
}
