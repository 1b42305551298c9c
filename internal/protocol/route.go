package protocol

import (
	"time"

	"penguinmesh/internal/doc"
)

// Effect is what a received direct message asks the session to do.
type Effect interface {
	isEffect()
}

// ApplyInput feeds an input sample to the sender's mirror.
type ApplyInput struct {
	From  doc.ParticipantID
	Input doc.Input
}

// ApplyPosition moves the sender's mirror.
type ApplyPosition struct {
	From     doc.ParticipantID
	Position doc.Position
}

// AppendChat adds a line to the sender's chat history.
type AppendChat struct {
	From  doc.ParticipantID
	Entry doc.Text
}

// SetWhiteboard replaces the shared whiteboard reference.
type SetWhiteboard struct {
	From doc.ParticipantID
	URL  string
}

func (ApplyInput) isEffect()    {}
func (ApplyPosition) isEffect() {}
func (AppendChat) isEffect()    {}
func (SetWhiteboard) isEffect() {}

// Route maps a message received from a peer to its effect. Chat entries are
// stamped with receivedAt, the receiver's session clock. Route has no side
// effects.
func Route(from doc.ParticipantID, m Message, receivedAt time.Duration) Effect {
	switch v := m.(type) {
	case Input:
		return ApplyInput{From: from, Input: v.Input}
	case Position:
		return ApplyPosition{From: from, Position: v.Position}
	case Chat:
		return AppendChat{From: from, Entry: doc.Text{Content: v.Text, Timestamp: receivedAt.Milliseconds()}}
	case Whiteboard:
		return SetWhiteboard{From: from, URL: v.URL}
	default:
		return nil
	}
}
