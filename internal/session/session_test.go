package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"penguinmesh/internal/doc"
	"penguinmesh/internal/protocol"
)

type presenterStub struct {
	events     []string
	whiteboard string
}

func (p *presenterStub) add(format string, args ...any) {
	p.events = append(p.events, fmt.Sprintf(format, args...))
}

func (p *presenterStub) OnMirrorCreated(id doc.ParticipantID) { p.add("created %s", id) }
func (p *presenterStub) SetUsername(id doc.ParticipantID, name string) {
	p.add("username %s %s", id, name)
}
func (p *presenterStub) ApplyPosition(id doc.ParticipantID, pos doc.Position) {
	p.add("position %s %v,%v", id, pos.X, pos.Y)
}
func (p *presenterStub) ApplyInput(id doc.ParticipantID, in doc.Input) {
	p.add("input %s %s", id, in.Command)
}
func (p *presenterStub) OnChat(id doc.ParticipantID, t doc.Text) {
	p.add("chat %s %s@%d", id, t.Content, t.Timestamp)
}
func (p *presenterStub) OnMirrorDestroyed(id doc.ParticipantID) { p.add("destroyed %s", id) }
func (p *presenterStub) OnWhiteboard(url string)                { p.whiteboard = url }

// channelStub records every payload sent to one peer.
type channelStub struct {
	sent [][]byte
	err  error
}

func (c *channelStub) Send(b []byte) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, b)
	return nil
}

func (c *channelStub) types(t *testing.T) []protocol.Type {
	t.Helper()
	var out []protocol.Type
	for _, b := range c.sent {
		m, err := protocol.Decode(b)
		require.NoError(t, err)
		out = append(out, m.Type())
	}
	return out
}

type fixedController struct {
	pos     doc.Position
	updates int
}

func (c *fixedController) Update(time.Duration)   { c.updates++ }
func (c *fixedController) Position() doc.Position { return c.pos }
func (c *fixedController) Input() doc.Input       { return doc.Input{Command: CommandIdle} }

const frame = 16 * time.Millisecond

func TestPositionBroadcastIsThrottled(t *testing.T) {
	s := New(doc.New("me", nil), &presenterStub{}, WithPositionEvery(3))
	s.Attach(&fixedController{})
	peer := &channelStub{}
	s.Connect("p", peer)

	var positionTicks []int
	for tick := 0; tick <= 10; tick++ {
		before := len(peer.sent)
		s.Tick(time.Duration(tick)*frame, frame)
		for _, typ := range (&channelStub{sent: peer.sent[before:]}).types(t) {
			if typ == protocol.TypePosition {
				positionTicks = append(positionTicks, tick)
			}
		}
	}

	assert.Equal(t, []int{0, 3, 6, 9}, positionTicks)
}

func TestInputSentEveryTickAfterPosition(t *testing.T) {
	s := New(doc.New("me", nil), &presenterStub{}, WithPositionEvery(2))
	s.Attach(&fixedController{})
	peer := &channelStub{}
	s.Connect("p", peer)

	s.Tick(0, frame)
	s.Tick(frame, frame)

	assert.Equal(t, []protocol.Type{protocol.TypePosition, protocol.TypeInput, protocol.TypeInput}, peer.types(t))
}

func TestTickWritesControllerStateToDocument(t *testing.T) {
	d := doc.New("me", nil)
	s := New(d, &presenterStub{})
	ctrl := &fixedController{pos: doc.Position{X: 3, Y: 4}}
	s.Attach(ctrl)

	s.Tick(0, frame)

	st, ok := d.Get("me")
	require.True(t, ok)
	assert.Equal(t, &doc.Position{X: 3, Y: 4}, st.Position)
	assert.Equal(t, CommandIdle, st.Input.Command)
	assert.Equal(t, 1, ctrl.updates)
	assert.EqualValues(t, 1, s.Ticks())
}

func TestTickWithoutControllerOnlyReads(t *testing.T) {
	d := doc.New("me", nil)
	pres := &presenterStub{}
	s := New(d, pres)
	peer := &channelStub{}
	s.Connect("p", peer)

	d.Merge(doc.Update{Writes: []doc.Write{{ID: "a", Field: doc.FieldUsername, Stamp: doc.Stamp{Clock: 1, Replica: "a"}, Value: []byte(`"al"`)}}})
	s.Tick(0, frame)

	assert.Empty(t, peer.sent)
	_, ok := d.Get("me")
	assert.False(t, ok)
	assert.Equal(t, []string{"created a", "username a al"}, pres.events)
}

func TestTickWithZeroPeers(t *testing.T) {
	s := New(doc.New("me", nil), &presenterStub{})
	s.Attach(&fixedController{})
	assert.NotPanics(t, func() {
		for i := 0; i < 3; i++ {
			s.Tick(time.Duration(i)*frame, frame)
		}
	})
}

func TestSendFailuresDoNotStopBroadcast(t *testing.T) {
	s := New(doc.New("me", nil), &presenterStub{})
	s.Attach(&fixedController{})
	broken := &channelStub{err: errors.New("closed")}
	healthy := &channelStub{}
	s.Connect("a", broken)
	s.Connect("b", healthy)

	s.Tick(0, frame)

	assert.Len(t, healthy.sent, 2)
}

func TestReceiveMessageAppendsOneEntry(t *testing.T) {
	pres := &presenterStub{}
	s := New(doc.New("me", nil), pres)
	s.Tick(1234*time.Millisecond, frame)
	require.Empty(t, s.History("a"))

	s.Receive("a", []byte(`{"type":"MESSAGE","content":"hi"}`))

	assert.Equal(t, []doc.Text{{Content: "hi", Timestamp: 1234}}, s.History("a"))
}

func TestReceiveRoutesToMirror(t *testing.T) {
	d := doc.New("me", nil)
	pres := &presenterStub{}
	s := New(d, pres)
	d.Merge(doc.Update{Writes: []doc.Write{{ID: "a", Field: doc.FieldRemoved, Stamp: doc.Stamp{Clock: 1, Replica: "a"}, Value: []byte(`false`)}}})
	s.Tick(0, frame)
	pres.events = nil

	s.Receive("a", []byte(`{"type":"POSITION","content":{"x":7,"y":8}}`))
	s.Receive("a", []byte(`{"type":"INPUT","content":{"cursor":{},"input":"walk","dt":16}}`))
	s.Receive("a", []byte(`{"type":"WHITEBOARD","content":"https://board.example/1"}`))

	assert.Equal(t, []string{"position a 7,8", "input a walk"}, pres.events)
	m, ok := s.Mirror("a")
	require.True(t, ok)
	assert.Equal(t, &doc.Position{X: 7, Y: 8}, m.Position)
	assert.Equal(t, "https://board.example/1", s.Whiteboard())
	assert.Equal(t, "https://board.example/1", pres.whiteboard)
}

func TestReceiveDropsMalformed(t *testing.T) {
	pres := &presenterStub{}
	s := New(doc.New("me", nil), pres)

	for _, payload := range []string{``, `{`, `{"type":"NOPE","content":1}`, `{"type":"POSITION","content":"x"}`, "\xff\xfe"} {
		assert.NotPanics(t, func() { s.Receive("a", []byte(payload)) })
	}
	assert.Empty(t, pres.events)
	assert.Empty(t, s.History("a"))
	assert.Empty(t, s.Whiteboard())
}

func TestSayWritesDocumentAndBroadcasts(t *testing.T) {
	d := doc.New("me", nil)
	pres := &presenterStub{}
	s := New(d, pres)
	peer := &channelStub{}
	s.Connect("p", peer)
	s.Tick(2*time.Second, frame)

	s.Say("")
	assert.Empty(t, peer.sent)

	s.Say("hello")

	require.Equal(t, []protocol.Type{protocol.TypeMessage}, peer.types(t))
	st, _ := d.Get("me")
	assert.Equal(t, &doc.Text{Content: "hello", Timestamp: 2000}, st.Text)
	assert.Equal(t, []doc.Text{{Content: "hello", Timestamp: 2000}}, s.History("me"))
	assert.Equal(t, []string{"chat me hello@2000"}, pres.events)
}

func TestShareWhiteboardValidates(t *testing.T) {
	s := New(doc.New("me", nil), &presenterStub{})
	peer := &channelStub{}
	s.Connect("p", peer)

	require.ErrorIs(t, s.ShareWhiteboard("not a url"), protocol.ErrMalformed)
	assert.Empty(t, peer.sent)

	require.NoError(t, s.ShareWhiteboard("https://board.example/2"))
	assert.Equal(t, []protocol.Type{protocol.TypeWhiteboard}, peer.types(t))
	assert.Equal(t, "https://board.example/2", s.Whiteboard())
}

func TestConnectIgnoresSelfAndDisconnectForgets(t *testing.T) {
	s := New(doc.New("me", nil), &presenterStub{})
	s.Connect("me", &channelStub{})
	s.Connect("a", &channelStub{})
	assert.Equal(t, 1, s.Peers())
	s.Disconnect("a")
	assert.Zero(t, s.Peers())
}

func TestSayAfterLeaveIsIgnored(t *testing.T) {
	d := doc.New("me", nil)
	pres := &presenterStub{}
	s := New(d, pres)
	peer := &channelStub{}
	s.Connect("p", peer)
	d.Announce()
	d.Leave()

	s.Say("anyone there?")

	assert.Empty(t, peer.sent)
	assert.Empty(t, s.History("me"))
	assert.Empty(t, pres.events)
	st, _ := d.Get("me")
	assert.Nil(t, st.Text)
}

func TestDirectChatIsNotPresentedTwice(t *testing.T) {
	d := doc.New("me", nil)
	pres := &presenterStub{}
	s := New(d, pres)
	d.Merge(doc.Update{Writes: []doc.Write{
		{ID: "a", Field: doc.FieldText, Stamp: doc.Stamp{Clock: 1, Replica: "a"}, Value: []byte(`{"content":"hi","timestamp":200}`)},
	}})
	s.Tick(0, frame)
	pres.events = nil

	s.Tick(time.Second, frame)
	s.Receive("a", []byte(`{"type":"MESSAGE","content":"hi"}`))

	assert.Equal(t, []string{"chat a hi@200"}, pres.events)
	assert.Equal(t, []doc.Text{{Content: "hi", Timestamp: 1000}}, s.History("a"))
}
