package session

import (
	"time"

	"penguinmesh/internal/doc"
)

// Controller is the locally driven avatar. The session advances it once per
// tick and publishes what it reports.
type Controller interface {
	Update(dt time.Duration)
	Position() doc.Position
	Input() doc.Input
}

const (
	CommandIdle = "idle"
	CommandWalk = "walk"
	CommandJump = "jump"
)

// Walker is a minimal side-view controller: left/right walk at a fixed speed,
// space jumps while grounded, gravity pulls back to the floor. Y grows
// downwards.
type Walker struct {
	Speed   float64 // px per second
	Jump    float64 // initial upward speed, px per second
	Gravity float64 // px per second squared
	Floor   float64

	pos     doc.Position
	vy      float64
	cursor  doc.Cursor
	command string
	lastDT  time.Duration
}

// NewWalker returns a walker standing on the floor at spawn.
func NewWalker(spawn doc.Position) *Walker {
	return &Walker{
		Speed:   200,
		Jump:    420,
		Gravity: 1200,
		Floor:   spawn.Y,
		pos:     spawn,
		command: CommandIdle,
	}
}

// SetCursor replaces the sampled controls used by the next Update.
func (w *Walker) SetCursor(c doc.Cursor) { w.cursor = c }

func (w *Walker) Update(dt time.Duration) {
	w.lastDT = dt
	secs := dt.Seconds()

	dx := 0.0
	if w.cursor.Left.IsDown {
		dx -= w.Speed
	}
	if w.cursor.Right.IsDown {
		dx += w.Speed
	}
	w.pos.X += dx * secs

	grounded := w.pos.Y >= w.Floor
	if grounded && w.cursor.Space {
		w.vy = -w.Jump
		grounded = false
	}
	if !grounded {
		w.vy += w.Gravity * secs
		w.pos.Y += w.vy * secs
		if w.pos.Y >= w.Floor {
			w.pos.Y = w.Floor
			w.vy = 0
			grounded = true
		}
	}

	switch {
	case !grounded:
		w.command = CommandJump
	case dx != 0:
		w.command = CommandWalk
	default:
		w.command = CommandIdle
	}
}

func (w *Walker) Position() doc.Position { return w.pos }

func (w *Walker) Input() doc.Input {
	return doc.Input{
		Cursor:    w.cursor,
		Command:   w.command,
		DeltaTime: float64(w.lastDT) / float64(time.Millisecond),
	}
}
