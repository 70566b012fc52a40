package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/switchboard/internal/session"
)

// Client-originated event names.
const (
	ClientJoinSession         = "join_session"
	ClientLeaveSession        = "leave_session"
	ClientConversationStarted = "conversation_started"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 20 * time.Second
	maxMessageBytes     = 64 << 10
)

// clientMessage is what browsers send over the socket.
type clientMessage struct {
	Event string `json:"event"`
	Data  struct {
		SessionID string `json:"session_id"`
		CallID    string `json:"conversation_id"`
	} `json:"data"`
}

// Server upgrades HTTP requests to websocket connections and bridges them to
// a Hub.
type Server struct {
	hub          *Hub
	store        *session.Store
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
}

// ServerOpts holds parameters for creating a Server.
type ServerOpts struct {
	Hub   *Hub
	Store *session.Store
	// CheckOrigin decides whether a browser origin may connect. Nil allows all.
	CheckOrigin  func(origin string) bool
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// NewServer validates opts and creates a websocket server.
func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Hub == nil {
		return nil, fmt.Errorf("realtime: hub is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("realtime: store is required")
	}
	s := &Server{
		hub:          opts.Hub,
		store:        opts.Store,
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = defaultWriteTimeout
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}
	check := opts.CheckOrigin
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || check == nil {
				return true
			}
			return check(origin)
		},
	}
	return s, nil
}

// ServeHTTP upgrades the connection and runs it until the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade: %v", err)
		return
	}
	sub := NewSubscriber(DefaultBuffer)
	defer s.hub.LeaveAll(sub)

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.writeLoop(conn, sub, quit); err != nil && !isClosed(err) {
			log.Printf("realtime: write: %v", err)
		}
		// Unblocks the reader when the writer fails first.
		conn.Close()
	}()

	s.hub.Send(sub, Event{Name: EventConnected, Data: payload{"message": "Connected to orchestration server"}})
	if err := s.readLoop(conn, sub); err != nil && !isClosed(err) {
		log.Printf("realtime: read: %v", err)
	}
	close(quit)
	<-done
}

type payload = map[string]any

func (s *Server) readLoop(conn *websocket.Conn, sub *Subscriber) error {
	conn.SetReadLimit(maxMessageBytes)
	pongWait := 2 * s.pingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.hub.Send(sub, Event{Name: EventError, Data: payload{"message": "Invalid message"}})
			continue
		}
		s.handle(sub, msg)
	}
}

func (s *Server) handle(sub *Subscriber, msg clientMessage) {
	id := msg.Data.SessionID
	switch msg.Event {
	case ClientJoinSession:
		rec, err := s.Join(id, sub)
		if err != nil {
			s.hub.Send(sub, Event{Name: EventError, Data: payload{"message": "Invalid session"}})
			return
		}
		s.hub.Send(sub, Event{Name: EventSessionJoined, Data: payload{"session_id": id, "status": rec.Status}})
		log.Printf("realtime: client joined session %s", id)

	case ClientLeaveSession:
		s.hub.Leave(id, sub)
		s.hub.Send(sub, Event{Name: EventSessionLeft, Data: payload{"session_id": id}})

	case ClientConversationStarted:
		if err := s.ConversationStarted(id, msg.Data.CallID); err != nil {
			text := err.Error()
			if errors.Is(err, session.ErrNotFound) {
				text = "Invalid session"
			}
			s.hub.Send(sub, Event{Name: EventError, Data: payload{"message": text}})
		}

	default:
		s.hub.Send(sub, Event{Name: EventError, Data: payload{"message": "Unknown event: " + msg.Event}})
	}
}

// Join adds sub to the session's group and marks the session Active.
func (s *Server) Join(sessionID string, sub *Subscriber) (session.Record, error) {
	rec, err := s.store.SetStatus(sessionID, session.StatusActive)
	if err != nil {
		return session.Record{}, err
	}
	s.hub.Join(sessionID, sub)
	return rec, nil
}

// ConversationStarted binds the client-asserted call id to the session,
// bypassing correlation, and tells the session's group.
func (s *Server) ConversationStarted(sessionID, callID string) error {
	if callID == "" {
		return errors.New("conversation_id is required")
	}
	rec, err := s.store.BindCall(sessionID, callID, session.BindOptions{Activate: true})
	if err != nil {
		return err
	}
	log.Printf("realtime: conversation %s started for session %s", callID, rec.ID)
	s.hub.Publish(sessionID, Event{Name: EventConversationUpdate, Data: payload{
		"session_id":      sessionID,
		"conversation_id": callID,
		"status":          "started",
	}})
	return nil
}

func (s *Server) writeLoop(conn *websocket.Conn, sub *Subscriber, quit <-chan struct{}) error {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.writeTimeout))
			return nil
		case ev := <-sub.C():
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("realtime: marshal %s: %v", ev.Name, err)
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.writeTimeout)); err != nil {
				return err
			}
		}
	}
}

func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed)
}
