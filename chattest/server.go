package chattest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shipchat/api"
	"shipchat/models"
	"shipchat/network"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes a Backend over the JSON REST API and a websocket push
// endpoint at /ws. The bearer token is taken as the caller's user id.
type Server struct {
	*httptest.Server
	backend *Backend
	logger  *zap.Logger
}

// NewServer starts a test server for backend. Close it when done.
func NewServer(backend *Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{backend: backend, logger: logger}
	s.Server = httptest.NewServer(s.Router())
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	apiRouter.HandleFunc("/requests/{requestID}/conversation", s.fetchConversation).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{id}/messages", s.sendMessage).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{id}/messages/{messageID}/reactions", s.toggleReaction).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{id}/read", s.markAsRead).Methods(http.MethodPost)
	return r
}

// PushURL returns the websocket endpoint.
func (s *Server) PushURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	client, ok := s.clientFor(w, r)
	if !ok {
		return
	}
	conversations, err := client.ListConversations(r.Context())
	s.respond(w, http.StatusOK, conversations, err)
}

func (s *Server) fetchConversation(w http.ResponseWriter, r *http.Request) {
	client, ok := s.clientFor(w, r)
	if !ok {
		return
	}
	detail, err := client.FetchConversation(r.Context(), mux.Vars(r)["requestID"])
	s.respond(w, http.StatusOK, detail, err)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	client, ok := s.clientFor(w, r)
	if !ok {
		return
	}
	var body api.SendMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	msg, err := client.SendMessage(r.Context(), mux.Vars(r)["id"], body.Content)
	s.respond(w, http.StatusCreated, msg, err)
}

func (s *Server) toggleReaction(w http.ResponseWriter, r *http.Request) {
	client, ok := s.clientFor(w, r)
	if !ok {
		return
	}
	var body api.ToggleReactionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	vars := mux.Vars(r)
	aggregate, err := client.ToggleReaction(r.Context(), vars["id"], vars["messageID"], body.Emoji)
	s.respond(w, http.StatusOK, models.ReactionEvent{
		ConversationID: vars["id"],
		MessageID:      vars["messageID"],
		Reactions:      aggregate,
	}, err)
}

func (s *Server) markAsRead(w http.ResponseWriter, r *http.Request) {
	client, ok := s.clientFor(w, r)
	if !ok {
		return
	}
	receipt, err := client.MarkAsRead(r.Context(), mux.Vars(r)["id"])
	s.respond(w, http.StatusOK, receipt, err)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if token := bearerToken(r); token != "" && token != userID {
		writeError(w, http.StatusUnauthorized, "unauthorized", "token does not match user")
		return
	}
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "user_id is required")
		return
	}

	s.backend.mu.Lock()
	dialErr := s.backend.dialErr
	s.backend.mu.Unlock()
	if dialErr != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", dialErr.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("upgrade websocket failed", zap.Error(err))
		return
	}

	wp := &wsPeer{conn: conn}
	p := &peer{
		userID:  userID,
		rooms:   make(map[string]struct{}),
		deliver: wp.write,
		drop:    func(error) { _ = conn.Close() },
	}
	s.backend.register(p)
	defer func() {
		s.backend.unregister(p)
		p.close(nil)
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", zap.String("user_id", userID), zap.Error(err))
			}
			return
		}

		var frame network.ControlFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			wp.writeFrame(network.ErrorFrame{Type: network.TypeError, Message: "malformed frame"})
			continue
		}
		switch frame.Type {
		case network.TypeJoin:
			if err := s.backend.join(p, frame.Room); err != nil {
				wp.writeFrame(network.ErrorFrame{Type: network.TypeError, Room: frame.Room, Message: err.Error()})
			}
		case network.TypeLeave:
			s.backend.leave(p, frame.Room)
		default:
			wp.writeFrame(network.ErrorFrame{Type: network.TypeError, Room: frame.Room, Message: "unknown frame type"})
		}
	}
}

func (s *Server) clientFor(w http.ResponseWriter, r *http.Request) (api.Client, bool) {
	userID := bearerToken(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token is required")
		return nil, false
	}
	return s.backend.Client(userID), true
}

func (s *Server) respond(w http.ResponseWriter, status int, body any, err error) {
	if err != nil {
		var statusErr *api.StatusError
		if errors.As(err, &statusErr) {
			writeError(w, statusErr.Status, statusErr.Code, statusErr.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, status, body)
}

type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (wp *wsPeer) write(event network.Event) {
	wp.writeFrame(event)
}

func (wp *wsPeer) writeFrame(frame any) {
	payload, err := network.EncodeJSON(frame)
	if err != nil {
		return
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	_ = wp.conn.SetWriteDeadline(time.Now().Add(network.DefaultWriteTimeout))
	_ = wp.conn.WriteMessage(websocket.TextMessage, payload)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, api.ErrorBody{Error: code, Message: message})
}
