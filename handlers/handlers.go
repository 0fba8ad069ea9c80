// Package handlers exposes the HTTP API: authentication, user/group
// directory, message history and the send endpoints that feed the delivery
// engine.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/samber/lo"

	"github.com/pulsechat/pulse/chat"
	"github.com/pulsechat/pulse/domain"
	"github.com/pulsechat/pulse/pkg/password"
	"github.com/pulsechat/pulse/pkg/ticket"
	"github.com/pulsechat/pulse/storage"
)

type contextKey string

const userIDKey contextKey = "userID"

type Handler struct {
	log      *slog.Logger
	store    storage.Store
	engine   *chat.Engine
	issuer   ticket.Issuer
	validate *validator.Validate
}

func New(log *slog.Logger, store storage.Store, engine *chat.Engine, issuer ticket.Issuer) *Handler {
	return &Handler{
		log:      log,
		store:    store,
		engine:   engine,
		issuer:   issuer,
		validate: validator.New(),
	}
}

// Register mounts every route on the router.
func (h *Handler) Register(router *httprouter.Router) {
	router.POST("/api/auth/signup", h.Signup)
	router.POST("/api/auth/login", h.Login)

	router.GET("/api/users", h.auth(h.ListUsers))
	router.PUT("/api/users", h.auth(h.UpdateProfile))

	router.GET("/api/messages/:id", h.auth(h.DirectHistory))
	router.POST("/api/messages/:id", h.auth(h.SendDirect))

	// The unread endpoints live in their own namespace because httprouter
	// cannot register a static segment next to the :id wildcards above.
	router.GET("/api/unread/messages", h.auth(h.UnreadMessages))
	router.GET("/api/unread/groups", h.auth(h.UnreadGroupMessages))

	router.GET("/api/groups", h.auth(h.ListGroups))
	router.POST("/api/groups", h.auth(h.CreateGroup))
	router.PUT("/api/groups/:id", h.auth(h.UpdateGroup))
	router.DELETE("/api/groups/:id", h.auth(h.DeleteGroup))
	router.GET("/api/groups/:id/messages", h.auth(h.GroupHistory))
	router.POST("/api/groups/:id/messages", h.auth(h.SendGroup))

	router.GET("/ws", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h.engine.ServeWS(w, r)
	})
}

// auth verifies the bearer ticket and stashes the caller identity in the
// request context.
func (h *Handler) auth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		userID, err := h.issuer.Verify(token)
		if err != nil || userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next(w, r.WithContext(ctx), ps)
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

type signupRequest struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req signupRequest
	if !h.decode(w, r, &req) {
		return
	}

	hash, err := password.Hash(req.Password)
	if err != nil {
		h.fail(w, "failed to hash password", err)
		return
	}

	user := &domain.User{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Email:     req.Email,
		Password:  hash,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		h.fail(w, "failed to create user", err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	AccessToken string       `json:"accessToken"`
	User        *domain.User `json:"user"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.store.FindUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	match, err := password.Compare(req.Password, user.Password)
	if err != nil || !match {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.issuer.Issue(user.ID)
	if err != nil {
		h.fail(w, "failed to issue ticket", err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{AccessToken: token, User: user})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	users, err := h.store.ListUsers(r.Context(), callerID(r))
	if err != nil {
		h.fail(w, "failed to list users", err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) UnreadMessages(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	unread := false
	msgs, err := h.store.FindMessages(r.Context(), storage.MessageFilter{
		ReceiverID: callerID(r),
		Read:       &unread,
		DirectOnly: true,
	})
	if err != nil {
		h.fail(w, "failed to load unread messages", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// UnreadGroupMessages returns every message in the caller's groups the
// caller has not acknowledged yet, excluding their own.
func (h *Handler) UnreadGroupMessages(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	caller := callerID(r)
	groupIDs, err := h.store.FindGroupIDsForMember(r.Context(), caller)
	if err != nil {
		h.fail(w, "failed to load group membership", err)
		return
	}
	if len(groupIDs) == 0 {
		writeJSON(w, http.StatusOK, []domain.Message{})
		return
	}

	msgs, err := h.store.FindMessages(r.Context(), storage.MessageFilter{
		GroupIDs:      groupIDs,
		ExcludeSender: caller,
		NotReadBy:     caller,
	})
	if err != nil {
		h.fail(w, "failed to load unread group messages", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) DirectHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	msgs, err := h.store.FindMessages(r.Context(), storage.MessageFilter{
		Between: [2]string{callerID(r), ps.ByName("id")},
	})
	if err != nil {
		h.fail(w, "failed to load conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

func (h *Handler) SendDirect(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg, err := h.engine.SendDirectMessage(r.Context(), callerID(r), ps.ByName("id"), req.Text, req.Image)
	if err != nil {
		h.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type createGroupRequest struct {
	Name      string   `json:"name" validate:"required"`
	MemberIDs []string `json:"memberIds" validate:"required,min=1"`
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createGroupRequest
	if !h.decode(w, r, &req) {
		return
	}

	members := req.MemberIDs
	creator := callerID(r)
	if !lo.Contains(members, creator) {
		members = append(members, creator)
	}

	group := &domain.Group{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Members:   members,
		CreatedBy: creator,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateGroup(r.Context(), group); err != nil {
		h.fail(w, "failed to create group", err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

type updateProfileRequest struct {
	Name       string `json:"name"`
	ProfilePic string `json:"profilePic"`
}

// UpdateProfile changes the caller's display name and avatar reference.
// The email stays fixed; it anchors the login index.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req updateProfileRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.store.FindUserByID(r.Context(), callerID(r))
	if err != nil {
		h.sendError(w, err)
		return
	}
	if req.Name != "" {
		user.Name = req.Name
	}
	if req.ProfilePic != "" {
		user.ProfilePic = req.ProfilePic
	}
	if err := h.store.UpdateUser(r.Context(), user); err != nil {
		h.fail(w, "failed to update profile", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type updateGroupRequest struct {
	Name       string   `json:"name"`
	ProfilePic string   `json:"profilePic"`
	MemberIDs  []string `json:"memberIds"`
}

// UpdateGroup lets the creator rename the group, change its avatar or
// replace the member list. The creator always stays a member.
func (h *Handler) UpdateGroup(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req updateGroupRequest
	if !h.decode(w, r, &req) {
		return
	}

	group, err := h.store.FindGroupByID(r.Context(), ps.ByName("id"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	if group.CreatedBy != callerID(r) {
		writeError(w, http.StatusForbidden, "only the creator can update this group")
		return
	}

	if req.Name != "" {
		group.Name = req.Name
	}
	if req.ProfilePic != "" {
		group.ProfilePic = req.ProfilePic
	}
	if req.MemberIDs != nil {
		members := req.MemberIDs
		if !lo.Contains(members, group.CreatedBy) {
			members = append(members, group.CreatedBy)
		}
		group.Members = members
	}

	if err := h.store.UpdateGroup(r.Context(), group); err != nil {
		h.fail(w, "failed to update group", err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	groups, err := h.store.ListGroupsForMember(r.Context(), callerID(r))
	if err != nil {
		h.fail(w, "failed to list groups", err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	group, err := h.store.FindGroupByID(r.Context(), ps.ByName("id"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	if group.CreatedBy != callerID(r) {
		writeError(w, http.StatusForbidden, "only the creator can delete this group")
		return
	}
	if err := h.store.DeleteGroup(r.Context(), group.ID); err != nil {
		h.fail(w, "failed to delete group", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "group deleted"})
}

func (h *Handler) GroupHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	group, err := h.store.FindGroupByID(r.Context(), ps.ByName("id"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	if !group.HasMember(callerID(r)) {
		writeError(w, http.StatusForbidden, "not a group member")
		return
	}

	msgs, err := h.store.FindMessages(r.Context(), storage.MessageFilter{GroupID: group.ID})
	if err != nil {
		h.fail(w, "failed to load group messages", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) SendGroup(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	msg, err := h.engine.SendGroupMessage(r.Context(), callerID(r), ps.ByName("id"), req.Text, req.Image)
	if err != nil {
		h.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// decode unmarshals and validates a JSON request body, writing the error
// response itself. It reports whether the request may proceed.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// sendError maps engine and storage errors onto HTTP status codes.
func (h *Handler) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message cannot be empty")
	case errors.Is(err, chat.ErrNotMember):
		writeError(w, http.StatusForbidden, "not a group member")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		h.fail(w, "request failed", err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	h.log.Error("handlers: "+msg, "err", err)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
