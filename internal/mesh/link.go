package mesh

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"penguinmesh/internal/doc"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 1 << 20
	sendBuffer = 256
)

type frame struct {
	kind int
	data []byte
}

// Link is the websocket to one peer. Text frames carry direct messages,
// binary frames carry document updates.
type Link struct {
	peer doc.ParticipantID
	addr string
	conn *websocket.Conn
	hub  *Hub
	send chan frame

	once sync.Once
	done chan struct{}
}

func newLink(h *Hub, peer doc.ParticipantID, conn *websocket.Conn, addr string) *Link {
	return &Link{
		peer: peer,
		addr: addr,
		conn: conn,
		hub:  h,
		send: make(chan frame, sendBuffer),
		done: make(chan struct{}),
	}
}

// Peer returns the participant at the other end.
func (l *Link) Peer() doc.ParticipantID { return l.peer }

// Send queues a direct message. It never blocks: when the peer is not keeping
// up the frame is dropped and ErrBackpressure returned.
func (l *Link) Send(payload []byte) error {
	return l.enqueue(websocket.TextMessage, payload)
}

// SendDocument queues an encoded document update.
func (l *Link) SendDocument(payload []byte) error {
	return l.enqueue(websocket.BinaryMessage, payload)
}

func (l *Link) enqueue(kind int, payload []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.send <- frame{kind: kind, data: payload}:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close tears the link down. The hub reports it as EventLinkDown once and
// does not redial it.
func (l *Link) Close() { l.close(false) }

// close tears the link down; lost marks a link that failed rather than one
// closed on purpose.
func (l *Link) close(lost bool) {
	l.once.Do(func() {
		close(l.done)
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		l.conn.Close()
		l.hub.unregister(l, lost)
	})
}

func (l *Link) readPump() {
	defer l.close(true)
	l.conn.SetReadLimit(maxFrame)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.hub.log.Debug("link read failed", peerField(l.peer), errField(err))
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			l.hub.emit(Event{Kind: EventDirect, Peer: l.peer, Link: l, Payload: data})
		case websocket.BinaryMessage:
			l.hub.emit(Event{Kind: EventDocument, Peer: l.peer, Link: l, Payload: data})
		}
	}
}

func (l *Link) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.close(true)
	}()
	for {
		select {
		case f := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(f.kind, f.data); err != nil {
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}
