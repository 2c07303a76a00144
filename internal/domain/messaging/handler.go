package messaging

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/messaging/internal/platform/auth"
	"github.com/ehr/messaging/pkg/pagination"
)

type Handler struct {
	svc    *Service
	fanout FanoutDispatcher
	logger zerolog.Logger
}

func NewHandler(svc *Service, fanout FanoutDispatcher, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, fanout: fanout, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin))
	g.POST("/conversations", h.CreateConversation)
	g.GET("/conversations", h.ListConversations)
	g.GET("/conversations/:id", h.GetConversation)
	g.GET("/conversations/:id/roles", h.GetParticipantRoles)
	g.GET("/conversations/:id/messages", h.ListMessages)
	g.POST("/conversations/:id/messages", h.SendMessage)
	g.POST("/conversations/:id/read", h.MarkRead)
	g.GET("/conversations/:id/unread-count", h.UnreadCount)
	g.GET("/messages/search", h.SearchMessages)
	g.GET("/messages/:id", h.GetMessage)
	g.DELETE("/messages/:id", h.DeleteMessage)
	g.GET("/notifications", h.ListNotifications)
}

// httpError maps service errors onto status codes. Persistence details stay
// in the logs.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, PublicMessage(err))
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, PublicMessage(err))
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, PublicMessage(err))
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, PublicMessage(err))
	}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func caller(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

// -- Conversations --

type createConversationRequest struct {
	Participants        []string `json:"participants"`
	Title               *string  `json:"title,omitempty"`
	IsGroupConversation bool     `json:"is_group_conversation"`
}

func (h *Handler) CreateConversation(c echo.Context) error {
	var req createConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	userID := caller(c)
	participants := req.Participants
	if !contains(participants, userID) {
		participants = append([]string{userID}, participants...)
	}
	id, err := h.svc.CreateConversation(c.Request().Context(), CreateConversationInput{
		Participants:        participants,
		InitiatedBy:         userID,
		Title:               req.Title,
		IsGroupConversation: req.IsGroupConversation,
	})
	if err != nil {
		return httpError(err)
	}
	conv, err := h.svc.GetConversation(c.Request().Context(), id, userID)
	if err != nil {
		return c.JSON(http.StatusCreated, map[string]string{"id": id.String()})
	}
	return c.JSON(http.StatusCreated, conv)
}

func (h *Handler) ListConversations(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	role := auth.PrimaryRole(auth.RolesFromContext(ctx))
	items, hasMore, err := h.svc.GetUserConversations(ctx, caller(c), role, pg)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Conversation{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, pg, hasMore))
}

func (h *Handler) GetConversation(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	conv, err := h.svc.GetConversation(c.Request().Context(), id, caller(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *Handler) GetParticipantRoles(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	conv, err := h.svc.GetConversation(ctx, id, caller(c))
	if err != nil {
		return httpError(err)
	}
	current, err := h.svc.CurrentParticipantRoles(ctx, id, caller(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"snapshot": conv.Metadata.ParticipantRoles,
		"current":  current,
	})
}

// -- Messages --

type sendMessageRequest struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func (h *Handler) SendMessage(c echo.Context) error {
	convID, err := pathID(c)
	if err != nil {
		return err
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	id, err := h.svc.SendMessage(ctx, SendMessageInput{
		ConversationID: convID,
		SenderID:       caller(c),
		Content:        req.Content,
		Attachments:    req.Attachments,
	})
	if err != nil {
		return httpError(err)
	}
	if h.fanout != nil {
		if err := h.fanout.Dispatch(ctx, FanoutJob{MessageID: id}); err != nil {
			h.logger.Error().Err(err).Str("message_id", id.String()).Msg("fan-out dispatch failed")
		}
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id.String()})
}

func (h *Handler) ListMessages(c echo.Context) error {
	convID, err := pathID(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	msgs, err := h.svc.ListMessages(c.Request().Context(), convID, caller(c), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

type markReadRequest struct {
	MessageIDs []uuid.UUID `json:"message_ids,omitempty"`
}

func (h *Handler) MarkRead(c echo.Context) error {
	convID, err := pathID(c)
	if err != nil {
		return err
	}
	var req markReadRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	n, err := h.svc.MarkConversationRead(c.Request().Context(), convID, caller(c), req.MessageIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"marked": n})
}

func (h *Handler) UnreadCount(c echo.Context) error {
	convID, err := pathID(c)
	if err != nil {
		return err
	}
	n, err := h.svc.UnreadCount(c.Request().Context(), convID, caller(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"unread": n})
}

func (h *Handler) GetMessage(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetMessage(c.Request().Context(), id, caller(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) DeleteMessage(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteMessage(c.Request().Context(), id, caller(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SearchMessages(c echo.Context) error {
	var convID *uuid.UUID
	if raw := c.QueryParam("conversation_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid conversation_id")
		}
		convID = &id
	}
	msgs, err := h.svc.SearchMessages(c.Request().Context(), caller(c), c.QueryParam("q"), convID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

// -- Notifications --

func (h *Handler) ListNotifications(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, hasMore, err := h.svc.ListNotifications(c.Request().Context(), caller(c), pg)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, pg, hasMore))
}
