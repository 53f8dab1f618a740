// Package httpapi exposes the conversation service over JSON/HTTP.
// Mutations go through the service, which commits then fans out over the hub;
// the reads serve the full reconciliation of remote sessions.
package httpapi

import (
	"chat-sync/domain/chat"
	"chat-sync/errors"
	"chat-sync/repositories"
	"chat-sync/services"
	"encoding/json"
	goerrors "errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
)

// UserHeader carries the id of the acting user.
const UserHeader = "X-User-ID"

type CreateConversationRequest struct {
	OtherID   chat.UserID   `json:"otherId,omitempty"`
	IsGroup   bool          `json:"isGroup"`
	Name      string        `json:"name,omitempty"`
	MemberIDs []chat.UserID `json:"memberIds,omitempty"`
}

type PostMessageRequest struct {
	Body  string `json:"body,omitempty"`
	Image string `json:"image,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// sentinels travel as codes so that remote callers can still test with errors.Is.
var sentinels = map[string]error{
	"not_member":             errors.ErrNotMember,
	"empty_message":          errors.ErrEmptyMessage,
	"invalid_group":          errors.ErrInvalidGroup,
	"invalid_direct":         errors.ErrInvalidDirect,
	"invalid_address":        errors.ErrInvalidAddress,
	"conversation_not_found": errors.ErrConversationNotFound,
	"message_not_found":      errors.ErrMessageNotFound,
	"user_not_found":         errors.ErrUserNotFound,
	"user_already_exists":    errors.ErrUserAlreadyExists,
}

func codeOf(err error) string {
	for code, sentinel := range sentinels {
		if goerrors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

type Handler struct {
	log     *slog.Logger
	service services.IConversationService
	users   repositories.IUserRepository
	mux     *http.ServeMux
}

func NewHandler(log *slog.Logger, service services.IConversationService, users repositories.IUserRepository) *Handler {
	h := &Handler{log: log, service: service, users: users, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /api/users", h.registerUser)
	h.mux.HandleFunc("GET /api/conversations", h.listConversations)
	h.mux.HandleFunc("POST /api/conversations", h.createConversation)
	h.mux.HandleFunc("DELETE /api/conversations/{id}", h.deleteConversation)
	h.mux.HandleFunc("GET /api/conversations/{id}/messages", h.listMessages)
	h.mux.HandleFunc("POST /api/conversations/{id}/messages", h.postMessage)
	h.mux.HandleFunc("POST /api/conversations/{id}/seen", h.markSeen)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerUser(w http.ResponseWriter, r *http.Request) {
	var user chat.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.service.RegisterUser(r.Context(), user); err != nil {
		h.fail(w, err)
		return
	}
	h.reply(w, http.StatusCreated, user)
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	details, err := h.service.Conversations(r.Context(), actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.reply(w, http.StatusOK, details)
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.fail(w, err)
		return
	}
	conversation, err := h.service.CreateConversation(r.Context(), chat.CreateConversationCommand{
		Creator:   actor,
		OtherID:   body.OtherID,
		IsGroup:   body.IsGroup,
		Name:      body.Name,
		MemberIDs: body.MemberIDs,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.reply(w, http.StatusOK, conversation)
}

func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteConversation(r.Context(), chat.ConversationID(r.PathValue("id")), actor); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	messages, err := h.service.MemberMessages(r.Context(), chat.ConversationID(r.PathValue("id")), actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.reply(w, http.StatusOK, messages)
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.fail(w, err)
		return
	}
	message, err := h.service.PostMessage(r.Context(), chat.PostMessageCommand{
		ConversationID: chat.ConversationID(r.PathValue("id")),
		Sender:         actor,
		Body:           body.Body,
		Image:          body.Image,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	h.reply(w, http.StatusOK, message)
}

func (h *Handler) markSeen(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	message, err := h.service.MarkSeen(r.Context(), chat.ConversationID(r.PathValue("id")), actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.reply(w, http.StatusOK, message)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (chat.User, bool) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		h.reply(w, http.StatusUnauthorized, errorResponse{Error: "missing " + UserHeader})
		return chat.User{}, false
	}
	user, err := h.users.GetUser(chat.UserID(id))
	if err != nil {
		if goerrors.Is(err, errors.ErrUserNotFound) {
			h.reply(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), Code: codeOf(err)})
		} else {
			h.fail(w, err)
		}
		return chat.User{}, false
	}
	return user, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", "error", err)
	}
	h.reply(w, status, errorResponse{Error: err.Error(), Code: codeOf(err)})
}

func (h *Handler) reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Debug("Response not written", "error", err)
	}
}

// StatusOf maps service errors onto HTTP statuses.
func StatusOf(err error) int {
	var validationErrors validator.ValidationErrors
	var syntaxError *json.SyntaxError
	switch {
	case goerrors.As(err, &validationErrors), goerrors.As(err, &syntaxError), goerrors.Is(err, io.EOF),
		goerrors.Is(err, errors.ErrEmptyMessage),
		goerrors.Is(err, errors.ErrInvalidGroup),
		goerrors.Is(err, errors.ErrInvalidDirect),
		goerrors.Is(err, errors.ErrInvalidAddress):
		return http.StatusBadRequest
	case goerrors.Is(err, errors.ErrNotMember):
		return http.StatusForbidden
	case goerrors.Is(err, errors.ErrConversationNotFound),
		goerrors.Is(err, errors.ErrMessageNotFound),
		goerrors.Is(err, errors.ErrUserNotFound):
		return http.StatusNotFound
	case goerrors.Is(err, errors.ErrUserAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
