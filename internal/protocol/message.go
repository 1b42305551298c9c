// Package protocol defines the direct messages peers exchange over their
// pairwise channels, their JSON wire form, and the pure routing of a received
// message to the effect it has on the local session.
package protocol

import (
	"penguinmesh/internal/doc"
)

// Type is the wire tag of a direct message.
type Type string

const (
	TypeInput      Type = "INPUT"
	TypePosition   Type = "POSITION"
	TypeMessage    Type = "MESSAGE"
	TypeWhiteboard Type = "WHITEBOARD"
)

// Message is one of Position, Input, Chat or Whiteboard.
type Message interface {
	Type() Type
	isMessage()
}

// Position carries an absolute avatar position.
type Position struct{ doc.Position }

// Input carries one input sample.
type Input struct{ doc.Input }

// Chat carries one chat line as typed by the sender.
type Chat struct{ Text string }

// Whiteboard carries the URL of the shared whiteboard.
type Whiteboard struct{ URL string }

func (Position) Type() Type   { return TypePosition }
func (Input) Type() Type      { return TypeInput }
func (Chat) Type() Type       { return TypeMessage }
func (Whiteboard) Type() Type { return TypeWhiteboard }

func (Position) isMessage()   {}
func (Input) isMessage()      {}
func (Chat) isMessage()       {}
func (Whiteboard) isMessage() {}
