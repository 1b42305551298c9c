// Package node runs a participant: one goroutine owns the session and
// serializes ticks, mesh events and local UI commands.
package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"penguinmesh/internal/doc"
	"penguinmesh/internal/mesh"
	"penguinmesh/internal/observability/logger"
	"penguinmesh/internal/session"
	"penguinmesh/internal/ui"
)

const (
	// DefaultTick is the synchronization period.
	DefaultTick = 16 * time.Millisecond
	flushWait   = time.Second
)

// Transport is the part of the mesh the loop consumes.
type Transport interface {
	Events() <-chan mesh.Event
	Flush(timeout time.Duration)
}

// Option configures a Node.
type Option func(*Node)

// WithTick sets the tick period.
func WithTick(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.every = d
		}
	}
}

// WithWalker attaches the local avatar controller; UI cursor commands steer
// it. Without one the node only observes.
func WithWalker(w *session.Walker) Option {
	return func(n *Node) { n.walker = w }
}

// WithUsername sets the name written on announce.
func WithUsername(name string) Option {
	return func(n *Node) { n.username = name }
}

// Node drives one session.
type Node struct {
	session   *session.Session
	doc       *doc.Document
	transport Transport
	commands  <-chan ui.Command

	walker   *session.Walker
	username string
	every    time.Duration
	leaving  bool

	calls chan func(*session.Session)
	log   *zap.Logger
}

// New returns a node around s. The session's document must publish through
// the same mesh that t reports events for.
func New(s *session.Session, t Transport, commands <-chan ui.Command, opts ...Option) *Node {
	n := &Node{
		session:   s,
		doc:       s.Document(),
		transport: t,
		commands:  commands,
		every:     DefaultTick,
		calls:     make(chan func(*session.Session)),
		log:       logger.Named("node").With(logger.Participant(string(s.Self()))),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.walker != nil {
		s.Attach(n.walker)
	}
	return n
}

// Do runs fn on the loop goroutine and waits for it.
func (n *Node) Do(ctx context.Context, fn func(*session.Session)) error {
	done := make(chan struct{})
	select {
	case n.calls <- func(s *session.Session) { fn(s); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run announces the participant and loops until ctx is done, then marks it
// removed and gives the mesh a moment to deliver that.
func (n *Node) Run(ctx context.Context) error {
	n.announce()

	ticker := time.NewTicker(n.every)
	defer ticker.Stop()
	start := time.Now()
	last := start

	for {
		select {
		case <-ctx.Done():
			n.leave()
			return nil
		case t := <-ticker.C:
			n.session.Tick(t.Sub(start), t.Sub(last))
			last = t
		case e := <-n.transport.Events():
			n.handle(e)
		case cmd, ok := <-n.commands:
			if !ok {
				n.commands = nil
				continue
			}
			n.command(cmd)
		case fn := <-n.calls:
			fn(n.session)
		}
	}
}

func (n *Node) announce() {
	n.doc.Announce()
	if n.username == "" {
		return
	}
	if err := n.doc.SetUsername(n.username); err != nil {
		n.log.Warn("username not written", logger.Err(err))
	}
}

func (n *Node) leave() {
	n.leaving = true
	n.doc.Leave()
	n.transport.Flush(flushWait)
	n.log.Info("left", logger.Tick(n.session.Ticks()))
}

func (n *Node) handle(e mesh.Event) {
	switch e.Kind {
	case mesh.EventLinkUp:
		n.session.Connect(e.Peer, e.Link)
		n.sendSnapshot(e.Link)
		n.log.Info("peer connected", logger.Peer(string(e.Peer)), logger.Count(n.session.Peers()))
	case mesh.EventLinkDown:
		n.session.Disconnect(e.Peer)
		n.log.Info("peer lost", logger.Peer(string(e.Peer)), logger.Count(n.session.Peers()))
	case mesh.EventDirect:
		n.session.Receive(e.Peer, e.Payload)
	case mesh.EventDocument:
		u, err := doc.DecodeUpdate(e.Payload)
		if err != nil {
			n.log.Debug("update dropped", logger.Peer(string(e.Peer)), logger.Err(err))
			return
		}
		applied, rejected := n.doc.Merge(u)
		if rejected > 0 {
			n.log.Debug("writes rejected", logger.Peer(string(e.Peer)), logger.Count(rejected), logger.Int("applied", applied))
		}
		// Only this participant writes its own key, so a removed flag seen
		// while running is a Leave from an earlier run under the same id.
		if n.doc.Removed() && !n.leaving {
			n.log.Info("re-announcing over an earlier leave", logger.Peer(string(e.Peer)))
			n.announce()
		}
	}
}

func (n *Node) sendSnapshot(l *mesh.Link) {
	snap := n.doc.Snapshot()
	if snap.Empty() {
		return
	}
	payload, err := doc.EncodeUpdate(snap)
	if err != nil {
		n.log.Debug("snapshot not encoded", logger.Err(err))
		return
	}
	if err := l.SendDocument(payload); err != nil {
		n.log.Debug("snapshot not sent", logger.Peer(string(l.Peer())), logger.Err(err))
	}
}

func (n *Node) command(cmd ui.Command) {
	switch cmd.Action {
	case ui.ActionCursor:
		if n.walker != nil && cmd.Cursor != nil {
			n.walker.SetCursor(*cmd.Cursor)
		}
	case ui.ActionSay:
		n.session.Say(cmd.Text)
	case ui.ActionWhiteboard:
		if err := n.session.ShareWhiteboard(cmd.URL); err != nil {
			n.log.Warn("whiteboard link refused", logger.Err(err))
		}
	}
}
