package doc

// ParticipantID identifies one mesh member. It is minted by the transport and
// is opaque to the document.
type ParticipantID string

// Field names one replicated attribute of a participant.
type Field string

const (
	FieldUsername Field = "username"
	FieldPosition Field = "position"
	FieldInput    Field = "input"
	FieldText     Field = "text"
	FieldRemoved  Field = "removed"
)

// Position is an absolute avatar position.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Key is the pressed state of one control.
type Key struct {
	IsDown bool `json:"isDown"`
}

// Cursor is the sampled state of the movement controls.
type Cursor struct {
	Left  Key  `json:"left"`
	Right Key  `json:"right"`
	Space bool `json:"space"`
}

// Input is one input sample: the controls, the command the controller ended
// up in, and the frame delta in milliseconds.
type Input struct {
	Cursor    Cursor  `json:"cursor"`
	Command   string  `json:"input"`
	DeltaTime float64 `json:"dt"`
}

// Text is a chat line. Timestamp is in milliseconds of the session clock.
type Text struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// State is the merged view of one participant. Nil pointers and an empty
// Username mean the field has not been observed yet.
type State struct {
	Username string
	Position *Position
	Input    *Input
	Text     *Text
	Removed  bool
}

// Entry pairs a participant with its merged state. Version is the newest
// stamp among the participant's registers.
type Entry struct {
	ID      ParticipantID
	State   State
	Version Stamp
}
