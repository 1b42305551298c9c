// Package ui bridges the session to browser clients on the local machine: it
// implements session.Presenter by pushing JSON events to every connected
// browser, and turns their JSON commands into local input.
package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"penguinmesh/internal/doc"
	"penguinmesh/internal/observability/logger"
)

// Event names pushed to browsers.
const (
	EventMirrorCreated   = "mirror_created"
	EventUsername        = "username"
	EventPosition        = "position"
	EventInput           = "input"
	EventChat            = "chat"
	EventMirrorDestroyed = "mirror_destroyed"
	EventWhiteboard      = "whiteboard"
)

// Command actions accepted from browsers.
const (
	ActionCursor     = "cursor"
	ActionSay        = "say"
	ActionWhiteboard = "whiteboard"
)

// Event is one presentation event as sent to browsers.
type Event struct {
	Event    string            `json:"event"`
	ID       doc.ParticipantID `json:"id,omitempty"`
	Username string            `json:"username,omitempty"`
	Position *doc.Position     `json:"position,omitempty"`
	Input    *doc.Input        `json:"input,omitempty"`
	Text     *doc.Text         `json:"text,omitempty"`
	URL      string            `json:"url,omitempty"`
}

// Command is local input from a browser.
type Command struct {
	Action string      `json:"action"`
	Cursor *doc.Cursor `json:"cursor,omitempty"`
	Text   string      `json:"text,omitempty"`
	URL    string      `json:"url,omitempty"`
}

func (c Command) valid() error {
	switch c.Action {
	case ActionCursor:
		if c.Cursor == nil {
			return fmt.Errorf("cursor command without cursor")
		}
	case ActionSay, ActionWhiteboard:
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is a single connected browser.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Bridge holds the connected browsers and broadcasts events to them.
type Bridge struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	commands   chan Command
	done       chan struct{}
	pumps      sync.WaitGroup

	seen *gocache.Cache
	log  *zap.Logger
}

// NewBridge returns a bridge that suppresses repeated chat events for the
// same line within dedupTTL.
func NewBridge(dedupTTL time.Duration) *Bridge {
	return &Bridge{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 1024),
		commands:   make(chan Command, 64),
		done:       make(chan struct{}),
		seen:       gocache.New(dedupTTL, time.Minute),
		log:        logger.Named("ui"),
	}
}

// Commands delivers browser input in arrival order.
func (b *Bridge) Commands() <-chan Command { return b.commands }

// Run fans events out to browsers until ctx is done. It must be called once.
func (b *Bridge) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case c := <-b.register:
			b.clients[c] = true
			b.log.Debug("browser connected", logger.Count(len(b.clients)))
		case c := <-b.unregister:
			if _, ok := b.clients[c]; ok {
				delete(b.clients, c)
				close(c.send)
				b.log.Debug("browser disconnected", logger.Count(len(b.clients)))
			}
		case msg := <-b.broadcast:
			for c := range b.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(b.clients, c)
				}
			}
		case <-ctx.Done():
			for c := range b.clients {
				close(c.send)
				delete(b.clients, c)
			}
			return
		}
	}
}

// Wait blocks until every browser connection has been torn down. Call it
// after Run returns.
func (b *Bridge) Wait() { b.pumps.Wait() }

// Handler serves the browser websocket at /ui and, when staticDir is set,
// the UI files at /.
func (b *Bridge) Handler(staticDir string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ui", b.serveWs)
	if staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return r
}

func (b *Bridge) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug("upgrade failed", logger.Err(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}
	b.pumps.Add(1)
	select {
	case b.register <- c:
	case <-b.done:
		conn.Close()
		b.pumps.Done()
		return
	}
	go c.writePump()
	go c.readPump(b)
}

func (c *client) readPump(b *Bridge) {
	defer func() {
		select {
		case b.unregister <- c:
		case <-b.done:
		}
		c.conn.Close()
		b.pumps.Done()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			b.log.Debug("command not decoded", logger.Err(err))
			continue
		}
		if err := cmd.valid(); err != nil {
			b.log.Debug("command dropped", logger.Err(err))
			continue
		}
		select {
		case b.commands <- cmd:
		case <-b.done:
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (b *Bridge) push(e Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		b.log.Debug("event not encoded", logger.String("event", e.Event), logger.Err(err))
		return
	}
	select {
	case b.broadcast <- msg:
	default:
		b.log.Debug("event dropped", logger.String("event", e.Event))
	}
}

func (b *Bridge) OnMirrorCreated(id doc.ParticipantID) {
	b.push(Event{Event: EventMirrorCreated, ID: id})
}

func (b *Bridge) SetUsername(id doc.ParticipantID, name string) {
	b.push(Event{Event: EventUsername, ID: id, Username: name})
}

func (b *Bridge) ApplyPosition(id doc.ParticipantID, p doc.Position) {
	b.push(Event{Event: EventPosition, ID: id, Position: &p})
}

func (b *Bridge) ApplyInput(id doc.ParticipantID, in doc.Input) {
	b.push(Event{Event: EventInput, ID: id, Input: &in})
}

// OnChat forwards a chat line once; the session re-reports document text on
// every tick.
func (b *Bridge) OnChat(id doc.ParticipantID, t doc.Text) {
	key := fmt.Sprintf("%s|%d|%s", id, t.Timestamp, t.Content)
	if err := b.seen.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
		return
	}
	b.push(Event{Event: EventChat, ID: id, Text: &t})
}

func (b *Bridge) OnMirrorDestroyed(id doc.ParticipantID) {
	b.push(Event{Event: EventMirrorDestroyed, ID: id})
}

func (b *Bridge) OnWhiteboard(url string) {
	b.push(Event{Event: EventWhiteboard, URL: url})
}
