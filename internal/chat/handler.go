package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	myMiddleware "go-messenger/internal/middleware"
	"go-messenger/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// DeliveryWarningHeader is set when a write was stored but not announced live.
const DeliveryWarningHeader = "X-Delivery-Warning"

type Handler struct {
	service    *Service
	streamer   *Streamer
	log        *zap.Logger
	validate   *validator.Validate
	pingPeriod time.Duration
}

func NewHandler(service *Service, streamer *Streamer, log *zap.Logger, pingPeriod time.Duration) *Handler {
	return &Handler{
		service:    service,
		streamer:   streamer,
		log:        log,
		validate:   validator.New(),
		pingPeriod: pingPeriod,
	}
}

// Routes mounts the chat API; callers wrap it in the auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/chats", func(r chi.Router) {
		r.Post("/", h.CreateChat)
		r.Get("/my", h.MyChats)
		r.Get("/{chatID}", h.GetChat)
		r.Get("/{chatID}/members", h.GetMembers)
		r.Post("/{chatID}/invite", h.Invite)
		r.Get("/{chatID}/messages", h.History)
		r.Post("/{chatID}/messages", h.SendMessage)
	})
	r.Post("/api/users/{userID}/notify", h.NotifyUser)

	// WebSocket (Real-time)
	r.Get("/ws/chats/{chatID}", h.ServeChatStream)
	r.Get("/ws/notifications", h.ServeNotifications)
}

func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req CreateChatRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.service.CreateChat(r.Context(), userID, req.Name)
	h.respond(w, http.StatusCreated, c, err)
}

func (h *Handler) MyChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	chats, err := h.service.ChatsOfUser(r.Context(), userID)
	if chats == nil {
		chats = []*Chat{}
	}
	h.respond(w, http.StatusOK, chats, err)
}

func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}

	c, err := h.service.GetChat(r.Context(), chatID)
	h.respond(w, http.StatusOK, c, err)
}

func (h *Handler) GetMembers(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}

	members, err := h.service.GetMembers(r.Context(), chatID)
	if members == nil {
		members = []user.User{}
	}
	h.respond(w, http.StatusOK, members, err)
}

func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	var req InviteRequest
	if !h.decode(w, r, &req) {
		return
	}

	cu, err := h.service.Invite(r.Context(), userID, chatID, req.UserID)
	h.respond(w, http.StatusCreated, cu, err)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	var req SendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg, err := h.service.SendMessage(r.Context(), userID, chatID, req.Text)
	h.respond(w, http.StatusCreated, msg, err)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}

	msgs, err := h.service.History(r.Context(), userID, chatID)
	if msgs == nil {
		msgs = []*Message{}
	}
	h.respond(w, http.StatusOK, msgs, err)
}

func (h *Handler) NotifyUser(w http.ResponseWriter, r *http.Request) {
	fromID, ok := currentUser(w, r)
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req NotifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.NotifyUser(r.Context(), fromID, userID, req.Text); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ServeChatStream upgrades the request and runs a chat Session on it.
// Authorization failures are reported with a close frame after the upgrade.
func (h *Handler) ServeChatStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}

	h.serveStream(w, r, func(c *Client) *Session {
		return h.streamer.ChatSession(c, chatID, userID)
	})
}

func (h *Handler) ServeNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	h.serveStream(w, r, func(c *Client) *Session {
		return h.streamer.UserSession(c, userID)
	})
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, newSession func(*Client) *Session) {
	userID, _ := myMiddleware.UserID(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(conn, userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go client.ReadPump(cancel)
	go client.PingLoop(ctx, h.pingPeriod)

	// Run returns only after the subscription has been released.
	_ = newSession(client).Run(ctx)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// respond writes v with status. A degraded delivery still succeeds, flagged
// by DeliveryWarningHeader.
func (h *Handler) respond(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		if !isDegraded(err) || isNil(v) {
			h.fail(w, err)
			return
		}
		w.Header().Set(DeliveryWarningHeader, "stored but not delivered live")
	}
	writeJSON(w, status, v)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, ErrConflict):
		http.Error(w, "already exists", http.StatusConflict)
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrBrokerUnavailable):
		h.log.Error("request failed", zap.Error(err))
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	default:
		h.log.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func isNil(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case *Chat:
		return t == nil
	case *ChatUser:
		return t == nil
	case *Message:
		return t == nil
	}
	return false
}

func currentUser(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return id, ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
