// Package mesh is the transport of the mesh: one websocket per peer pair,
// with a participant-id handshake, redial with backoff, LAN discovery over
// mDNS, and fan-out of document updates.
//
// Network goroutines never touch session state. Everything they observe is
// delivered on the Events channel for a single consumer to process in order.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"penguinmesh/internal/doc"
	"penguinmesh/internal/metrics"
	"penguinmesh/internal/observability/logger"
)

// HeaderParticipant carries the participant id in both directions of the
// websocket handshake.
const HeaderParticipant = "X-Participant-Id"

// Path is where the hub expects peer connections.
const Path = "/mesh"

var (
	ErrDuplicateLink = errors.New("peer already linked")
	ErrHandshake     = errors.New("peer handshake failed")
	ErrBackpressure  = errors.New("peer send buffer full")
	ErrClosed        = errors.New("link closed")
)

// EventKind classifies hub events.
type EventKind int

const (
	EventLinkUp EventKind = iota
	EventLinkDown
	EventDirect
	EventDocument
)

func (k EventKind) String() string {
	switch k {
	case EventLinkUp:
		return "link_up"
	case EventLinkDown:
		return "link_down"
	case EventDirect:
		return "direct"
	case EventDocument:
		return "document"
	default:
		return "unknown"
	}
}

// Event is something that happened on a link.
type Event struct {
	Kind    EventKind
	Peer    doc.ParticipantID
	Link    *Link
	Payload []byte
}

// Option configures a Hub.
type Option func(*Hub)

// WithEventBuffer sizes the event channel.
func WithEventBuffer(n int) Option {
	return func(h *Hub) { h.events = make(chan Event, n) }
}

// WithRetry bounds redial attempts and sets the first backoff interval.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(h *Hub) {
		h.maxRetries = maxRetries
		h.initialBackoff = initial
	}
}

// Hub tracks the links of one participant.
type Hub struct {
	self     doc.ParticipantID
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	maxRetries     uint64
	initialBackoff time.Duration

	mu    sync.Mutex
	links map[doc.ParticipantID]*Link

	events chan Event
	closed chan struct{}
	once   sync.Once
	// ctx bounds redials started by the hub itself.
	ctx    context.Context
	cancel context.CancelFunc

	log *zap.Logger
}

// NewHub returns a hub for self.
func NewHub(self doc.ParticipantID, opts ...Option) *Hub {
	h := &Hub{
		self: self,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer:         &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		maxRetries:     8,
		initialBackoff: 250 * time.Millisecond,
		links:          make(map[doc.ParticipantID]*Link),
		events:         make(chan Event, 1024),
		closed:         make(chan struct{}),
		log:            logger.Named("mesh").With(logger.Participant(string(self))),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Self returns the local participant id.
func (h *Hub) Self() doc.ParticipantID { return h.self }

// Events delivers link lifecycle and inbound frames in arrival order.
func (h *Hub) Events() <-chan Event { return h.events }

// ServeHTTP accepts a peer connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer := doc.ParticipantID(strings.TrimSpace(r.Header.Get(HeaderParticipant)))
	if peer == "" || peer == h.self {
		http.Error(w, ErrHandshake.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := h.Link(peer); ok {
		http.Error(w, ErrDuplicateLink.Error(), http.StatusConflict)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, http.Header{HeaderParticipant: {string(h.self)}})
	if err != nil {
		h.log.Debug("upgrade failed", peerField(peer), errField(err))
		return
	}
	if err := h.register(peer, conn, ""); err != nil {
		h.log.Debug("link refused", peerField(peer), errField(err))
	}
}

// Dial opens a link to the hub listening at addr ("host:port" or a ws URL).
func (h *Hub) Dial(ctx context.Context, addr string) (doc.ParticipantID, error) {
	endpoint, err := Endpoint(addr)
	if err != nil {
		return "", err
	}
	hdr := http.Header{}
	hdr.Set(HeaderParticipant, string(h.self))
	conn, resp, err := h.dialer.DialContext(ctx, endpoint, hdr)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return "", ErrDuplicateLink
		}
		return "", fmt.Errorf("dial %s: %w", endpoint, err)
	}
	peer := doc.ParticipantID(strings.TrimSpace(resp.Header.Get(HeaderParticipant)))
	if peer == "" || peer == h.self {
		conn.Close()
		return "", fmt.Errorf("%w: %s answered as %q", ErrHandshake, endpoint, peer)
	}
	return peer, h.register(peer, conn, addr)
}

// DialRetry dials addr until it succeeds, the peer is already linked, the
// retry budget runs out or ctx is done.
func (h *Hub) DialRetry(ctx context.Context, addr string) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = h.initialBackoff
	b := backoff.WithContext(backoff.WithMaxRetries(eb, h.maxRetries), ctx)

	return backoff.Retry(func() error {
		select {
		case <-h.closed:
			return nil
		default:
		}
		peer, err := h.Dial(ctx, addr)
		switch {
		case err == nil:
			h.log.Info("linked", peerField(peer), logger.Addr(addr))
			return nil
		case errors.Is(err, ErrDuplicateLink):
			return nil
		default:
			h.log.Debug("dial failed", logger.Addr(addr), errField(err))
			return err
		}
	}, b)
}

// Discovered handles a peer found by a discovery source. Only the side with
// the lower id dials, so two peers that find each other open one link.
func (h *Hub) Discovered(ctx context.Context, peer doc.ParticipantID, addr string) {
	if peer == "" || peer == h.self || addr == "" {
		return
	}
	if !Dials(h.self, peer) {
		return
	}
	if _, ok := h.Link(peer); ok {
		return
	}
	go func() {
		if err := h.DialRetry(ctx, addr); err != nil {
			h.log.Warn("giving up on peer", peerField(peer), logger.Addr(addr), errField(err))
		}
	}()
}

// Dials reports whether self is the side that opens the link to peer.
func Dials(self, peer doc.ParticipantID) bool { return self < peer }

// Endpoint turns a peer address into the websocket URL of its hub.
func Endpoint(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("peer address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Host == "" {
		return "", fmt.Errorf("peer address %q has no host", addr)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	}
	return u.String(), nil
}

// register adopts an open connection. addr is the address this side dialed,
// empty for accepted connections.
func (h *Hub) register(peer doc.ParticipantID, conn *websocket.Conn, addr string) error {
	h.mu.Lock()
	if _, ok := h.links[peer]; ok {
		h.mu.Unlock()
		conn.Close()
		return ErrDuplicateLink
	}
	select {
	case <-h.closed:
		h.mu.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	l := newLink(h, peer, conn, addr)
	h.links[peer] = l
	h.mu.Unlock()

	metrics.Links.Inc()
	h.emit(Event{Kind: EventLinkUp, Peer: peer, Link: l})
	go l.writePump()
	go l.readPump()
	return nil
}

func (h *Hub) unregister(l *Link, lost bool) {
	h.mu.Lock()
	cur, ok := h.links[l.peer]
	if ok && cur == l {
		delete(h.links, l.peer)
	}
	h.mu.Unlock()
	if ok && cur == l {
		metrics.Links.Dec()
		h.emit(Event{Kind: EventLinkDown, Peer: l.peer, Link: l})
		if lost && l.addr != "" {
			h.redial(l.peer, l.addr)
		}
	}
}

// redial brings back a link this side dialed. The accepting side waits to be
// dialed again.
func (h *Hub) redial(peer doc.ParticipantID, addr string) {
	select {
	case <-h.closed:
		return
	default:
	}
	h.log.Info("redialing", peerField(peer), logger.Addr(addr))
	go func() {
		if err := h.DialRetry(h.ctx, addr); err != nil && h.ctx.Err() == nil {
			h.log.Warn("giving up on peer", peerField(peer), logger.Addr(addr), errField(err))
		}
	}()
}

func (h *Hub) emit(e Event) {
	select {
	case h.events <- e:
	case <-h.closed:
	}
}

// Link returns the open link to peer.
func (h *Hub) Link(peer doc.ParticipantID) (*Link, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.links[peer]
	return l, ok
}

// Peers returns the ids of all linked peers.
func (h *Hub) Peers() []doc.ParticipantID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]doc.ParticipantID, 0, len(h.links))
	for id := range h.links {
		out = append(out, id)
	}
	return out
}

// Publish fans a document update out to every linked peer. It implements
// doc.Publisher.
func (h *Hub) Publish(u doc.Update) {
	payload, err := doc.EncodeUpdate(u)
	if err != nil {
		h.log.Debug("update not encoded", errField(err))
		return
	}
	h.mu.Lock()
	links := make([]*Link, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.Unlock()
	for _, l := range links {
		if err := l.SendDocument(payload); err != nil {
			h.log.Debug("update not sent", peerField(l.peer), errField(err))
		}
	}
}

// Flush waits until every link has handed its queued frames to the socket,
// or timeout passes.
func (h *Hub) Flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pending := 0
		h.mu.Lock()
		for _, l := range h.links {
			pending += len(l.send)
		}
		h.mu.Unlock()
		if pending == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close closes every link and stops event delivery.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.closed)
		h.cancel()
		h.mu.Lock()
		links := make([]*Link, 0, len(h.links))
		for _, l := range h.links {
			links = append(links, l)
		}
		h.mu.Unlock()
		for _, l := range links {
			l.Close()
		}
	})
}

func peerField(id doc.ParticipantID) zap.Field { return logger.Peer(string(id)) }

func errField(err error) zap.Field { return logger.Err(err) }
