package rendezvous

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"penguinmesh/internal/doc"
	"penguinmesh/internal/observability/logger"
)

// DefaultRefresh is how often a client repeats its announcement so the
// roster does not expire under it.
const DefaultRefresh = 30 * time.Second

// Client announces one participant in a room and reports the others.
type Client struct {
	endpoint string
	self     Announcement
	refresh  time.Duration
	dialer   *websocket.Dialer
	log      *zap.Logger
}

// NewClient returns a client for room on the server at base
// ("http://host:port"). addr is the mesh address peers should dial.
func NewClient(base, room string, self doc.ParticipantID, addr string, refresh time.Duration) (*Client, error) {
	endpoint, err := RoomEndpoint(base, room)
	if err != nil {
		return nil, err
	}
	a := Announcement{ID: self, Addr: addr}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return &Client{
		endpoint: endpoint,
		self:     a,
		refresh:  refresh,
		dialer:   &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		log:      logger.Named("rendezvous").With(logger.Room(room), logger.Participant(string(self))),
	}, nil
}

// RoomEndpoint turns a server base URL into the websocket URL of room.
func RoomEndpoint(base, room string) (string, error) {
	if room == "" {
		return "", fmt.Errorf("rendezvous: empty room")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("rendezvous url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("rendezvous url %q: unsupported scheme", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("rendezvous url %q has no host", base)
	}
	raw := strings.TrimSuffix(u.EscapedPath(), "/") + "/rooms/" + url.PathEscape(room)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rooms/" + room
	u.RawPath = raw
	return u.String(), nil
}

// Run keeps the client in the room until ctx is done, reconnecting with
// backoff. found is called from a network goroutine for every announcement
// about another participant.
func (c *Client) Run(ctx context.Context, found func(Announcement)) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(eb, ctx)

	err := backoff.RetryNotify(func() error {
		return c.session(ctx, eb, found)
	}, b, func(err error, wait time.Duration) {
		c.log.Warn("room connection lost", logger.Err(err), logger.Duration(wait))
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) session(ctx context.Context, eb *backoff.ExponentialBackOff, found func(Announcement)) error {
	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dial %s: %w", c.endpoint, err)
	}
	defer conn.Close()
	eb.Reset()

	if err := c.write(conn, c.self); err != nil {
		return err
	}
	c.log.Info("joined room")

	errc := make(chan error, 1)
	go func() {
		for {
			var a Announcement
			if err := conn.ReadJSON(&a); err != nil {
				errc <- err
				return
			}
			if a.ID == c.self.ID || a.Validate() != nil {
				continue
			}
			found(a)
		}
	}()

	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.write(conn, Announcement{ID: c.self.ID, Left: true})
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		case err := <-errc:
			return fmt.Errorf("room connection: %w", err)
		case <-ticker.C:
			if err := c.write(conn, c.self); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, a Announcement) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(a); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}
