package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"permit_server/server/chat/domain"
	"permit_server/server/chat/service"
	"permit_server/server/common/transport/httpresp"
)

func (h *Handler) listNotifications(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	page, pageSize, ok := pageParams(c)
	if !ok {
		c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrPageMustBePositive))
		return
	}
	from, err := optionalTime(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrFromMustBeRFC3339))
		return
	}
	to, err := optionalTime(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrToMustBeRFC3339))
		return
	}
	unreadOnly, _ := strconv.ParseBool(c.DefaultQuery("unread_only", "false"))

	result, err := h.notifications.List(c.Request.Context(), identity.ID, domain.NotificationFilter{
		UnreadOnly: unreadOnly,
		Status:     domain.NotificationStatus(c.Query("status")),
		Type:       domain.NotificationType(c.Query("type")),
		From:       from,
		To:         to,
		Search:     c.Query("search"),
	}, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPageResponse(result.Items, result.Page, result.PageSize, result.Total))
}

func (h *Handler) notificationStats(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	stats, err := h.notifications.Stats(c.Request.Context(), identity.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) markNotificationsRead(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var req struct {
		IDs []string `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrInvalidBody))
		return
	}
	updated, err := h.notifications.MarkRead(c.Request.Context(), identity.ID, req.IDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCountResponse(updated))
}

func (h *Handler) markAllNotificationsRead(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	updated, err := h.notifications.MarkAllRead(c.Request.Context(), identity.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCountResponse(updated))
}

func (h *Handler) updateNotification(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var patch domain.NotificationPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrInvalidBody))
		return
	}
	n, err := h.notifications.Update(c.Request.Context(), c.Param("id"), identity.ID, patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *Handler) deleteNotification(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	if err := h.notifications.Delete(c.Request.Context(), c.Param("id"), identity.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) announce(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var req struct {
		RecipientIDs []string                    `json:"recipient_ids"`
		Roles        []domain.Role               `json:"roles"`
		Title        string                      `json:"title"`
		Message      string                      `json:"message"`
		Priority     domain.NotificationPriority `json:"priority"`
		Metadata     json.RawMessage             `json:"metadata"`
		ActionURL    string                      `json:"action_url"`
		ActionText   string                      `json:"action_text"`
		ExpiresAt    *time.Time                  `json:"expires_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrInvalidBody))
		return
	}
	var metadata domain.AnnouncementMetadata
	if md, err := domain.DecodeMetadata(domain.NotificationSystemAnnouncement, req.Metadata); err != nil {
		writeError(c, err)
		return
	} else if md != nil {
		metadata = md.(domain.AnnouncementMetadata)
	}

	created, err := h.notifications.Announce(c.Request.Context(), service.Announcement{
		RecipientIDs: req.RecipientIDs,
		Roles:        req.Roles,
		Title:        req.Title,
		Message:      req.Message,
		Priority:     req.Priority,
		Metadata:     metadata,
		ActionURL:    req.ActionURL,
		ActionText:   req.ActionText,
		ExpiresAt:    req.ExpiresAt,
	}, &identity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, NewItemsResponse(created))
}

func (h *Handler) cleanupNotifications(c *gin.Context) {
	deleted, err := h.notifications.CleanupExpired(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCountResponse(deleted))
}
