package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/pipeline"
	"github.com/antoniostano/recall/internal/protocol"
	"github.com/antoniostano/recall/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	service  *pipeline.Service
	store    memory.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, service *pipeline.Service, store memory.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		service:  service,
		store:    store,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from
				// the same origin, so other websites cannot drive a
				// user's memory if the service is exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/turns", s.handleTurn)
	r.Get("/v1/context", s.handleContext)
	r.Delete("/v1/facts/{id}", s.handleDeleteFact)
	r.Get("/v1/memory/stats", s.handleMemoryStats)
	r.Get("/v1/chat/ws", s.handleChatWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Stats(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}

	sess, err := s.sessions.Resolve("", req.UserID, req.ClientType)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		ClientType:      sess.ClientType,
		CreatedAt:       sess.CreatedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.Close(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

type turnRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	UserID     string `json:"user_id"`
	ClientType string `json:"client_type,omitempty"`
	Text       string `json:"text"`
	IntentType string `json:"intent_type,omitempty"`
}

type turnResponse struct {
	SessionID    string `json:"session_id"`
	TurnNo       int64  `json:"turn_no"`
	Reply        string `json:"reply"`
	Tier         string `json:"tier"`
	FactID       string `json:"fact_id,omitempty"`
	AlreadyKnown bool   `json:"already_known,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id and text are required")
		return
	}

	res, err := s.service.ProcessTurn(r.Context(), pipeline.TurnRequest{
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		ClientType: req.ClientType,
		Text:       req.Text,
		IntentType: req.IntentType,
	})
	if err != nil {
		s.respondTurnError(w, err)
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))

	respondJSON(w, http.StatusOK, turnResponse{
		SessionID:    res.SessionID,
		TurnNo:       res.TurnNo,
		Reply:        res.Reply,
		Tier:         string(res.Tier),
		FactID:       res.FactID,
		AlreadyKnown: res.AlreadyKnown,
		Degraded:     res.Degraded,
	})
}

func (s *Server) respondTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memory.ErrTurnOrder):
		respondError(w, http.StatusConflict, "turn_order_violation", err.Error())
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrWrongUser):
		// Deliberately indistinguishable: a session owned by someone
		// else looks like no session at all.
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrMissingUserID):
		respondError(w, http.StatusBadRequest, "missing_user_id", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "turn_failed", err.Error())
	}
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if userID == "" || query == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "query parameters user_id and q are required")
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))

	preview := s.service.RetrieveContext(r.Context(), userID, sessionID, query)
	respondJSON(w, http.StatusOK, map[string]any{
		"facts":          preview.Facts,
		"recent_turns":   preview.RecentTurns,
		"memory_context": preview.MemoryContext,
	})
}

func (s *Server) handleDeleteFact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_fact_id", "missing fact id")
		return
	}

	fact, err := s.service.DeleteFact(r.Context(), id)
	if err != nil {
		if errors.Is(err, memory.ErrFactNotFound) {
			respondError(w, http.StatusNotFound, "fact_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, fact)
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"store":           stats,
		"active_sessions": s.sessions.ActiveCount(),
		"stages":          s.metrics.StageSnapshot(),
	})
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	// Turns are processed inline: one connection is one conversation,
	// and in-order processing is what keeps turn_no monotonic.
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.writeWS(conn, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.ClientTurn:
			s.handleWSClientTurn(r, conn, msg)
		case protocol.ClientControl:
			s.handleWSClientControl(conn, msg)
		}
	}
}

func (s *Server) handleWSClientTurn(r *http.Request, conn *websocket.Conn, msg protocol.ClientTurn) {
	res, err := s.service.ProcessTurn(r.Context(), pipeline.TurnRequest{
		SessionID:  msg.SessionID,
		UserID:     msg.UserID,
		ClientType: msg.ClientType,
		Text:       msg.Text,
		IntentType: msg.IntentType,
	})
	if err != nil {
		s.writeWS(conn, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: msg.SessionID,
			Code:      wsErrorCode(err),
			Source:    "pipeline",
			Retryable: !errors.Is(err, memory.ErrTurnOrder),
			Detail:    err.Error(),
		})
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))

	s.writeWS(conn, protocol.AssistantReply{
		Type:      protocol.TypeAssistantReply,
		SessionID: res.SessionID,
		TurnNo:    res.TurnNo,
		Text:      res.Reply,
		Tier:      string(res.Tier),
	})

	if event, ok := memoryEventFor(res); ok {
		s.writeWS(conn, event)
	}
}

func (s *Server) handleWSClientControl(conn *websocket.Conn, msg protocol.ClientControl) {
	if msg.Action != "end_session" {
		s.writeWS(conn, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: msg.SessionID,
			Code:      "unsupported_action",
			Source:    "gateway",
			Retryable: false,
			Detail:    "unknown control action: " + msg.Action,
		})
		return
	}

	if _, err := s.sessions.Close(msg.SessionID); err != nil {
		s.writeWS(conn, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: msg.SessionID,
			Code:      "session_not_found",
			Source:    "gateway",
			Retryable: false,
			Detail:    err.Error(),
		})
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	s.writeWS(conn, protocol.MemoryEvent{
		Type:      protocol.TypeMemoryEvent,
		SessionID: msg.SessionID,
		Code:      "session_ended",
	})
}

func memoryEventFor(res pipeline.TurnResult) (protocol.MemoryEvent, bool) {
	event := protocol.MemoryEvent{
		Type:      protocol.TypeMemoryEvent,
		SessionID: res.SessionID,
		FactID:    res.FactID,
	}
	switch {
	case res.FactID != "" && res.AlreadyKnown:
		event.Code = "fact_duplicate"
	case res.FactID != "" && res.Degraded:
		event.Code = "fact_learned_degraded"
		event.Detail = "stored without embedding; semantic recall deferred"
	case res.FactID != "":
		event.Code = "fact_learned"
	default:
		return protocol.MemoryEvent{}, false
	}
	return event, true
}

func wsErrorCode(err error) string {
	if errors.Is(err, memory.ErrTurnOrder) {
		return "turn_order_violation"
	}
	if errors.Is(err, session.ErrNotFound) {
		return "session_not_found"
	}
	return "turn_failed"
}

func (s *Server) writeWS(conn *websocket.Conn, msg any) {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = conn.WriteJSON(msg)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
