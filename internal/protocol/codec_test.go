package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"penguinmesh/internal/doc"
)

func TestEncodeUsesWireShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"position", Position{doc.Position{X: 5, Y: 6}}, `{"type":"POSITION","content":{"x":5,"y":6}}`},
		{"input", Input{doc.Input{Cursor: doc.Cursor{Left: doc.Key{IsDown: true}}, Command: "walk", DeltaTime: 16}},
			`{"type":"INPUT","content":{"cursor":{"left":{"isDown":true},"right":{"isDown":false},"space":false},"input":"walk","dt":16}}`},
		{"message", Chat{Text: "hi"}, `{"type":"MESSAGE","content":"hi"}`},
		{"whiteboard", Whiteboard{URL: "https://board.example/x"}, `{"type":"WHITEBOARD","content":"https://board.example/x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(b))

			back, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, back)
		})
	}
}

func TestDecodeFailsClosed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"not json", `hello`, ErrMalformed},
		{"truncated", `{"type":"POSITION","content":{"x":1`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"missing content", `{"type":"MESSAGE"}`, ErrMalformed},
		{"null content", `{"type":"MESSAGE","content":null}`, ErrMalformed},
		{"position missing y", `{"type":"POSITION","content":{"x":1}}`, ErrMalformed},
		{"position as string", `{"type":"POSITION","content":"1,2"}`, ErrMalformed},
		{"input missing cursor", `{"type":"INPUT","content":{"input":"idle","dt":1}}`, ErrMalformed},
		{"message as number", `{"type":"MESSAGE","content":42}`, ErrMalformed},
		{"relative whiteboard", `{"type":"WHITEBOARD","content":"/board"}`, ErrMalformed},
		{"ftp whiteboard", `{"type":"WHITEBOARD","content":"ftp://board.example"}`, ErrMalformed},
		{"unknown type", `{"type":"DANCE","content":{}}`, ErrUnknownType},
		{"lowercase type", `{"type":"position","content":{"x":1,"y":2}}`, ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.payload))
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, m)
		})
	}
}

func TestDecodeInputDefaultsDeltaTime(t *testing.T) {
	m, err := Decode([]byte(`{"type":"INPUT","content":{"cursor":{"space":true},"input":"jump"}}`))
	require.NoError(t, err)
	in, ok := m.(Input)
	require.True(t, ok)
	assert.True(t, in.Cursor.Space)
	assert.Equal(t, "jump", in.Command)
	assert.Zero(t, in.DeltaTime)
}
