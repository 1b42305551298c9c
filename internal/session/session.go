// Package session implements the per-tick synchronization loop that ties the
// shared document, the presence tracker and the direct messaging protocol
// together.
//
// A Session is the explicit context of one participant's membership in a
// mesh: its document replica, its mirrors, its connected peers and its chat
// histories. It is not safe for concurrent use; one goroutine drives Tick and
// delivers network arrivals through Receive.
package session

import (
	"time"

	"go.uber.org/zap"

	"penguinmesh/internal/doc"
	"penguinmesh/internal/metrics"
	"penguinmesh/internal/observability/logger"
	"penguinmesh/internal/presence"
	"penguinmesh/internal/protocol"
)

// Channel is one pairwise byte channel to a peer. Send must not block.
type Channel interface {
	Send(payload []byte) error
}

// Presenter is the presentation side of the session.
type Presenter interface {
	presence.Presenter
	OnWhiteboard(url string)
}

// DefaultPositionEvery is the POSITION throttle in ticks.
const DefaultPositionEvery = 1

// Option configures a Session.
type Option func(*Session)

// WithPositionEvery sends POSITION at most once every n ticks.
func WithPositionEvery(n uint64) Option {
	return func(s *Session) {
		if n > 0 {
			s.positionEvery = n
		}
	}
}

// WithLogger replaces the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Session is the synchronization loop of one participant.
type Session struct {
	self       doc.ParticipantID
	doc        *doc.Document
	tracker    *presence.Tracker
	presenter  Presenter
	controller Controller

	peers      map[doc.ParticipantID]Channel
	histories  map[doc.ParticipantID][]doc.Text
	own        []doc.Text
	whiteboard string

	now           time.Duration
	tick          uint64
	positionEvery uint64
	lastPosition  uint64
	sentPosition  bool

	log *zap.Logger
}

// New returns a session around a document replica.
func New(d *doc.Document, p Presenter, opts ...Option) *Session {
	s := &Session{
		self:          d.Self(),
		doc:           d,
		tracker:       presence.NewTracker(d.Self(), p),
		presenter:     p,
		peers:         make(map[doc.ParticipantID]Channel),
		histories:     make(map[doc.ParticipantID][]doc.Text),
		positionEvery: DefaultPositionEvery,
		log:           logger.Named("session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Participant(string(s.self)))
	return s
}

// Self returns the local participant id.
func (s *Session) Self() doc.ParticipantID { return s.self }

// Document returns the session's replica.
func (s *Session) Document() *doc.Document { return s.doc }

// Attach installs the local controller.
func (s *Session) Attach(c Controller) { s.controller = c }

// Detach removes the local controller. Later ticks only read.
func (s *Session) Detach() { s.controller = nil }

// Connect registers the channel to a peer, replacing any previous one. A
// peer hidden by an earlier Disconnect becomes visible again.
func (s *Session) Connect(id doc.ParticipantID, ch Channel) {
	if id == s.self {
		return
	}
	s.peers[id] = ch
	s.tracker.Release(id)
}

// Disconnect forgets the channel to a peer and hides its mirror on this
// replica. The document is left alone: other replicas may still reach the
// peer. The mirror comes back on the next Connect or once the peer's entry
// moves past what this replica has seen.
func (s *Session) Disconnect(id doc.ParticipantID) {
	delete(s.peers, id)
	s.tracker.Suppress(id, s.doc.Version(id))
}

// Peers returns the number of connected peers.
func (s *Session) Peers() int { return len(s.peers) }

// Now returns the session clock as of the last tick.
func (s *Session) Now() time.Duration { return s.now }

// Ticks returns how many ticks have run.
func (s *Session) Ticks() uint64 { return s.tick }

// Tick runs one synchronization step: write local state, read remote state
// into the mirrors, then broadcast POSITION (throttled) and INPUT.
func (s *Session) Tick(now, dt time.Duration) {
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
		s.tick++
	}()
	s.now = now

	if s.controller != nil {
		s.controller.Update(dt)
		if err := s.doc.SetPosition(s.controller.Position()); err != nil {
			s.log.Debug("position not written", logger.Tick(s.tick), logger.Err(err))
		}
		if err := s.doc.SetInput(s.controller.Input()); err != nil {
			s.log.Debug("input not written", logger.Tick(s.tick), logger.Err(err))
		}
	}

	s.tracker.Observe(s.doc.All())

	if s.controller == nil {
		return
	}
	if !s.sentPosition || s.tick >= s.lastPosition+s.positionEvery {
		s.broadcast(protocol.Position{Position: s.controller.Position()})
		s.lastPosition = s.tick
		s.sentPosition = true
	}
	s.broadcast(protocol.Input{Input: s.controller.Input()})
}

// Say sends a chat line: it is written to the document and broadcast
// directly in the same call. Empty text, and anything said after Leave, is
// ignored.
func (s *Session) Say(text string) {
	if text == "" || s.doc.Removed() {
		return
	}
	entry := doc.Text{Content: text, Timestamp: s.now.Milliseconds()}
	if err := s.doc.SetText(entry); err != nil {
		s.log.Debug("text not written", logger.Err(err))
	}
	s.broadcast(protocol.Chat{Text: text})
	s.own = append(s.own, entry)
	s.presenter.OnChat(s.self, entry)
}

// ShareWhiteboard publishes the whiteboard link to every peer.
func (s *Session) ShareWhiteboard(link string) error {
	if err := protocol.ValidateURL(link); err != nil {
		return err
	}
	s.setWhiteboard(link)
	s.broadcast(protocol.Whiteboard{URL: link})
	return nil
}

// Whiteboard returns the current whiteboard link.
func (s *Session) Whiteboard() string { return s.whiteboard }

// History returns the chat lines received from id, or the local ones for the
// session's own id.
func (s *Session) History(id doc.ParticipantID) []doc.Text {
	src := s.histories[id]
	if id == s.self {
		src = s.own
	}
	return append([]doc.Text(nil), src...)
}

// Mirror returns the local mirror of a remote participant.
func (s *Session) Mirror(id doc.ParticipantID) (presence.Mirror, bool) {
	return s.tracker.Mirror(id)
}

// Mirrors returns the number of live mirrors.
func (s *Session) Mirrors() int { return s.tracker.Len() }

// Receive handles a direct message payload from a peer. Undecodable payloads
// are dropped.
func (s *Session) Receive(from doc.ParticipantID, payload []byte) {
	m, err := protocol.Decode(payload)
	if err != nil {
		metrics.DirectDropped.WithLabelValues("malformed").Inc()
		s.log.Debug("direct message dropped", logger.Peer(string(from)), logger.Err(err))
		return
	}
	metrics.DirectReceived.WithLabelValues(string(m.Type())).Inc()
	s.apply(protocol.Route(from, m, s.now))
}

func (s *Session) apply(e protocol.Effect) {
	switch v := e.(type) {
	case protocol.ApplyInput:
		s.tracker.ApplyInput(v.From, v.Input)
	case protocol.ApplyPosition:
		s.tracker.ApplyPosition(v.From, v.Position)
	case protocol.AppendChat:
		// Presentation gets the line from the document text on the next tick.
		s.histories[v.From] = append(s.histories[v.From], v.Entry)
	case protocol.SetWhiteboard:
		s.setWhiteboard(v.URL)
	}
}

func (s *Session) setWhiteboard(link string) {
	s.whiteboard = link
	s.presenter.OnWhiteboard(link)
}

func (s *Session) broadcast(m protocol.Message) {
	if len(s.peers) == 0 {
		return
	}
	payload, err := protocol.Encode(m)
	if err != nil {
		metrics.DirectSent.WithLabelValues(string(m.Type()), "encode_error").Inc()
		s.log.Debug("direct message not encoded", logger.MsgType(string(m.Type())), logger.Err(err))
		return
	}
	for id, ch := range s.peers {
		if err := ch.Send(payload); err != nil {
			metrics.DirectSent.WithLabelValues(string(m.Type()), "error").Inc()
			s.log.Debug("direct send failed", logger.Peer(string(id)), logger.MsgType(string(m.Type())), logger.Err(err))
			continue
		}
		metrics.DirectSent.WithLabelValues(string(m.Type()), "ok").Inc()
	}
}
