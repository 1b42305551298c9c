package rendezvous

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"penguinmesh/internal/doc"
	"penguinmesh/internal/metrics"
	"penguinmesh/internal/observability/logger"
)

const writeWait = 5 * time.Second

// Server relays room announcements between websocket clients through the
// registry, so that several server instances behind one redis share rooms.
type Server struct {
	reg      *Registry
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewServer returns a server backed by reg.
func NewServer(reg *Registry) *Server {
	return &Server{
		reg: reg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.Named("rendezvous"),
	}
}

// Routes registers the room endpoints on r.
//
//	GET /rooms/{room}         websocket: roster first, then live announcements
//	GET /rooms/{room}/roster  current roster as JSON
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/rooms/{room}", s.handleRoom).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}/roster", s.handleRoster).Methods(http.MethodGet)
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	roster, err := s.reg.Roster(r.Context(), room)
	if err != nil {
		s.log.Error("roster failed", logger.Room(room), logger.Err(err))
		http.Error(w, "roster unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(roster)
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	log := s.log.With(logger.Room(room))

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("upgrade failed", logger.Err(err))
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before reading the roster so nothing announced in between
	// is missed.
	sub, err := s.reg.Subscribe(ctx, room)
	if err != nil {
		log.Error("subscribe failed", logger.Err(err))
		return
	}
	defer sub.Close()

	roster, err := s.reg.Roster(ctx, room)
	if err != nil {
		log.Error("roster failed", logger.Err(err))
		return
	}
	for _, a := range roster {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(a); err != nil {
			return
		}
	}

	go func() {
		for msg := range sub.Channel() {
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				log.Debug("relay failed", logger.Err(err))
				return
			}
		}
	}()

	var joined []Announcement
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var a Announcement
		if err := json.Unmarshal(msg, &a); err != nil {
			log.Debug("announcement not decoded", logger.Err(err))
			continue
		}
		if err := s.reg.Announce(ctx, room, a); err != nil {
			log.Warn("announce failed", logger.Err(err))
			continue
		}
		if a.Left {
			metrics.RoomAnnouncements.WithLabelValues("leave").Inc()
			joined = without(joined, a.ID)
			continue
		}
		metrics.RoomAnnouncements.WithLabelValues("join").Inc()
		joined = appendUnique(joined, a)
	}

	// A client that drops without saying goodbye leaves every id it
	// announced on this connection.
	for _, a := range joined {
		left := Announcement{ID: a.ID, Left: true}
		if err := s.reg.Announce(ctx, room, left); err != nil {
			log.Warn("leave failed", logger.Participant(string(a.ID)), logger.Err(err))
			continue
		}
		metrics.RoomAnnouncements.WithLabelValues("leave").Inc()
	}
}

func without(list []Announcement, id doc.ParticipantID) []Announcement {
	out := list[:0]
	for _, have := range list {
		if have.ID != id {
			out = append(out, have)
		}
	}
	return out
}

func appendUnique(list []Announcement, a Announcement) []Announcement {
	for _, have := range list {
		if have.ID == a.ID {
			return list
		}
	}
	return append(list, a)
}
