package rendezvous

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"penguinmesh/internal/doc"
)

func serve(t *testing.T, reg *Registry) string {
	t.Helper()
	r := mux.NewRouter()
	NewServer(reg).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func waitFor(t *testing.T, ch <-chan Announcement, match func(Announcement) bool) Announcement {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case a := <-ch:
			if match(a) {
				return a
			}
		case <-timeout:
			t.Fatal("announcement not seen")
			return Announcement{}
		}
	}
}

func runClient(t *testing.T, base string, id doc.ParticipantID, addr string) (<-chan Announcement, context.CancelFunc, <-chan error) {
	t.Helper()
	c, err := NewClient(base, "lobby", id, addr, time.Hour)
	require.NoError(t, err)

	found := make(chan Announcement, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, func(a Announcement) { found <- a }) }()
	t.Cleanup(cancel)
	return found, cancel, done
}

func TestClientsDiscoverEachOther(t *testing.T) {
	reg, _ := setupRegistry(t)
	base := serve(t, reg)

	foundA, _, _ := runClient(t, base, "a", "10.0.0.1:7420")
	require.Eventually(t, func() bool {
		roster, err := reg.Roster(context.Background(), "lobby")
		return err == nil && len(roster) == 1
	}, 5*time.Second, 20*time.Millisecond)

	foundB, cancelB, doneB := runClient(t, base, "b", "10.0.0.2:7420")

	// b learns about a from the roster, a learns about b live.
	a := waitFor(t, foundB, func(a Announcement) bool { return a.ID == "a" })
	assert.Equal(t, "10.0.0.1:7420", a.Addr)
	b := waitFor(t, foundA, func(a Announcement) bool { return a.ID == "b" && !a.Left })
	assert.Equal(t, "10.0.0.2:7420", b.Addr)

	cancelB()
	select {
	case err := <-doneB:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
	waitFor(t, foundA, func(a Announcement) bool { return a.ID == "b" && a.Left })
}

func TestDroppedConnectionLeaves(t *testing.T) {
	reg, _ := setupRegistry(t)
	base := serve(t, reg)
	endpoint, err := RoomEndpoint(base, "lobby")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Announcement{ID: "a", Addr: "x:1"}))

	require.Eventually(t, func() bool {
		roster, err := reg.Roster(context.Background(), "lobby")
		return err == nil && len(roster) == 1
	}, 5*time.Second, 20*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool {
		roster, err := reg.Roster(context.Background(), "lobby")
		return err == nil && len(roster) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRosterEndpoint(t *testing.T) {
	reg, _ := setupRegistry(t)
	base := serve(t, reg)
	require.NoError(t, reg.Announce(context.Background(), "lobby", Announcement{ID: "a", Addr: "x:1"}))

	resp, err := http.Get(base + "/rooms/lobby/roster")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var roster []Announcement
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&roster))
	assert.Equal(t, []Announcement{{ID: "a", Addr: "x:1"}}, roster)
}

func TestRoomEndpoint(t *testing.T) {
	cases := []struct {
		base, room, want string
		wantErr          bool
	}{
		{"http://rv.local:7480", "lobby", "ws://rv.local:7480/rooms/lobby", false},
		{"https://rv.example/base/", "igloo", "wss://rv.example/base/rooms/igloo", false},
		{"ws://rv.local", "a b", "ws://rv.local/rooms/a%20b", false},
		{"rv.local:7480", "lobby", "", true},
		{"http://", "lobby", "", true},
		{"http://rv.local", "", "", true},
	}
	for _, tc := range cases {
		got, err := RoomEndpoint(tc.base, tc.room)
		if tc.wantErr {
			assert.Error(t, err, tc.base)
			continue
		}
		require.NoError(t, err, tc.base)
		assert.Equal(t, tc.want, got)
	}
}

func TestNewClientNeedsAddress(t *testing.T) {
	_, err := NewClient("http://rv.local", "lobby", "a", "", 0)
	assert.ErrorIs(t, err, ErrInvalidAnnouncement)
}
