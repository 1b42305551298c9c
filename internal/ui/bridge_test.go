package ui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"penguinmesh/internal/doc"
	"penguinmesh/internal/session"
)

func drain(t *testing.T, b *Bridge) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case msg := <-b.broadcast:
			var e Event
			require.NoError(t, json.Unmarshal(msg, &e))
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestPresenterEvents(t *testing.T) {
	b := NewBridge(time.Minute)

	b.OnMirrorCreated("p1")
	b.SetUsername("p1", "pingu")
	b.ApplyPosition("p1", doc.Position{X: 3, Y: 4})
	b.ApplyInput("p1", doc.Input{Command: "walk", DeltaTime: 0.016})
	b.OnMirrorDestroyed("p1")
	b.OnWhiteboard("https://board.example/x")

	events := drain(t, b)
	require.Len(t, events, 6)
	assert.Equal(t, EventMirrorCreated, events[0].Event)
	assert.Equal(t, doc.ParticipantID("p1"), events[0].ID)
	assert.Equal(t, "pingu", events[1].Username)
	assert.Equal(t, &doc.Position{X: 3, Y: 4}, events[2].Position)
	require.NotNil(t, events[3].Input)
	assert.Equal(t, "walk", events[3].Input.Command)
	assert.Equal(t, EventMirrorDestroyed, events[4].Event)
	assert.Equal(t, "https://board.example/x", events[5].URL)
}

func TestChatIsForwardedOnce(t *testing.T) {
	b := NewBridge(time.Minute)
	line := doc.Text{Content: "hi", Timestamp: 1200}

	b.OnChat("p1", line)
	b.OnChat("p1", line)
	b.OnChat("p2", line)
	b.OnChat("p1", doc.Text{Content: "hi", Timestamp: 1300})

	events := drain(t, b)
	require.Len(t, events, 3)
	for _, e := range events {
		assert.Equal(t, EventChat, e.Event)
	}
	assert.Equal(t, doc.ParticipantID("p2"), events[1].ID)
	assert.Equal(t, int64(1300), events[2].Text.Timestamp)
}

func TestCommandValidation(t *testing.T) {
	cases := map[string]struct {
		cmd Command
		ok  bool
	}{
		"cursor":         {Command{Action: ActionCursor, Cursor: &doc.Cursor{Space: true}}, true},
		"cursor missing": {Command{Action: ActionCursor}, false},
		"say":            {Command{Action: ActionSay, Text: "hello"}, true},
		"whiteboard":     {Command{Action: ActionWhiteboard, URL: "https://x"}, true},
		"unknown":        {Command{Action: "dance"}, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := tc.cmd.valid()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestBrowserRoundTrip(t *testing.T) {
	b := NewBridge(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)

	srv := httptest.NewServer(b.Handler(""))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ui", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"say","text":"hello"}`)))

	select {
	case cmd := <-b.Commands():
		assert.Equal(t, ActionSay, cmd.Action)
		assert.Equal(t, "hello", cmd.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("no command")
	}

	b.OnWhiteboard("https://board.example/x")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"whiteboard","url":"https://board.example/x"}`, string(msg))
}

func chatEvents(t *testing.T, b *Bridge) []doc.Text {
	t.Helper()
	var out []doc.Text
	for _, e := range drain(t, b) {
		if e.Event == EventChat {
			out = append(out, *e.Text)
		}
	}
	return out
}

func TestChatSeenOnBothPathsIsShownOnce(t *testing.T) {
	b := NewBridge(time.Minute)
	d := doc.New("me", nil)
	s := session.New(d, b)

	// The sender wrote the line at its own clock (200ms) and sent MESSAGE
	// directly; the receiver sees both, at its own clock (1s).
	d.Merge(doc.Update{Writes: []doc.Write{
		{ID: "a", Field: doc.FieldRemoved, Stamp: doc.Stamp{Clock: 1, Replica: "a"}, Value: []byte(`false`)},
		{ID: "a", Field: doc.FieldText, Stamp: doc.Stamp{Clock: 2, Replica: "a"}, Value: []byte(`{"content":"hi","timestamp":200}`)},
	}})
	s.Tick(time.Second, 16*time.Millisecond)
	s.Receive("a", []byte(`{"type":"MESSAGE","content":"hi"}`))
	s.Tick(time.Second+16*time.Millisecond, 16*time.Millisecond)
	s.Tick(time.Second+32*time.Millisecond, 16*time.Millisecond)

	assert.Equal(t, []doc.Text{{Content: "hi", Timestamp: 200}}, chatEvents(t, b))
}

func TestShutdownReleasesBrowsers(t *testing.T) {
	b := NewBridge(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(b.Handler(""))
	t.Cleanup(srv.Close)
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ui"

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"say","text":"first"}`)))
	select {
	case <-b.Commands():
	case <-time.After(5 * time.Second):
		t.Fatal("no command")
	}

	cancel()
	<-stopped

	waited := make(chan struct{})
	go func() {
		b.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("browser connection still held after shutdown")
	}

	// Late browsers are turned away instead of hanging.
	late, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	require.NoError(t, err)
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "late browser was left hanging")
	}
}
