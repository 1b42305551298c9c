package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"penguinmesh/internal/doc"
)

var (
	// ErrMalformed is returned for payloads that are not a well-formed envelope
	// or whose content does not match the shape of their type.
	ErrMalformed = errors.New("malformed direct message")
	// ErrUnknownType is returned for envelopes with an unrecognized type tag.
	ErrUnknownType = errors.New("unknown direct message type")
)

type envelope struct {
	Type    Type            `json:"type"`
	Content json.RawMessage `json:"content"`
}

// wire shapes with pointers so that missing members are detectable
type wirePosition struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type wireInput struct {
	Cursor    *doc.Cursor `json:"cursor"`
	Command   *string     `json:"input"`
	DeltaTime *float64    `json:"dt"`
}

// Encode returns the wire form of m.
func Encode(m Message) ([]byte, error) {
	var content any
	switch v := m.(type) {
	case Position:
		content = v.Position
	case Input:
		content = v.Input
	case Chat:
		content = v.Text
	case Whiteboard:
		content = v.URL
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return json.Marshal(envelope{Type: m.Type(), Content: raw})
}

// Decode parses a wire payload. Every error wraps ErrMalformed or
// ErrUnknownType.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Content) == 0 || string(env.Content) == "null" {
		return nil, fmt.Errorf("%w: missing content", ErrMalformed)
	}

	switch env.Type {
	case TypePosition:
		var w wirePosition
		if err := json.Unmarshal(env.Content, &w); err != nil {
			return nil, fmt.Errorf("%w: position: %v", ErrMalformed, err)
		}
		if w.X == nil || w.Y == nil {
			return nil, fmt.Errorf("%w: position needs x and y", ErrMalformed)
		}
		return Position{doc.Position{X: *w.X, Y: *w.Y}}, nil

	case TypeInput:
		var w wireInput
		if err := json.Unmarshal(env.Content, &w); err != nil {
			return nil, fmt.Errorf("%w: input: %v", ErrMalformed, err)
		}
		if w.Cursor == nil || w.Command == nil {
			return nil, fmt.Errorf("%w: input needs cursor and input", ErrMalformed)
		}
		in := doc.Input{Cursor: *w.Cursor, Command: *w.Command}
		if w.DeltaTime != nil {
			in.DeltaTime = *w.DeltaTime
		}
		return Input{in}, nil

	case TypeMessage:
		var text string
		if err := json.Unmarshal(env.Content, &text); err != nil {
			return nil, fmt.Errorf("%w: message: %v", ErrMalformed, err)
		}
		return Chat{Text: text}, nil

	case TypeWhiteboard:
		var link string
		if err := json.Unmarshal(env.Content, &link); err != nil {
			return nil, fmt.Errorf("%w: whiteboard: %v", ErrMalformed, err)
		}
		if err := ValidateURL(link); err != nil {
			return nil, err
		}
		return Whiteboard{URL: link}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// ValidateURL checks that link is an absolute http(s) URL.
func ValidateURL(link string) error {
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("%w: whiteboard url: %v", ErrMalformed, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: whiteboard url %q is not absolute http(s)", ErrMalformed, link)
	}
	return nil
}
