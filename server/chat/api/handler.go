package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"permit_server/server/chat/domain"
	"permit_server/server/chat/realtime"
	"permit_server/server/chat/repository"
	"permit_server/server/chat/service"
	commonlog "permit_server/server/common/log"
	"permit_server/server/common/middleware"
	"permit_server/server/common/transport/httpresp"
)

type tokenAuth interface {
	ParseAuthContext(token string) (userID, email, role string, err error)
}

type Deps struct {
	Messages      *service.MessageService
	Notifications *service.NotificationService
	Broadcast     *service.BroadcastService
	Coordinator   *realtime.Coordinator
	Auth          tokenAuth
	Links         service.LinkSigner
	WS            realtime.WSOptions
	// Checks are pinged by the readiness check.
	Checks map[string]repository.Pinger
}

type Handler struct {
	messages      *service.MessageService
	notifications *service.NotificationService
	broadcast     *service.BroadcastService
	coordinator   *realtime.Coordinator
	auth          tokenAuth
	links         service.LinkSigner
	ws            realtime.WSOptions
	checks        map[string]repository.Pinger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		messages:      d.Messages,
		notifications: d.Notifications,
		broadcast:     d.Broadcast,
		coordinator:   d.Coordinator,
		auth:          d.Auth,
		links:         d.Links,
		ws:            d.WS,
		checks:        d.Checks,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	r.GET("/health/ready", h.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", h.handleWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.POST("/orders/:id/messages", h.sendMessage)
		api.GET("/orders/:id/messages", h.listMessages)
		api.GET("/orders/:id/thread", h.getThread)
		api.POST("/orders/:id/read", h.markThreadRead)
		api.GET("/orders/:id/unread-count", h.getUnreadCount)
		api.DELETE("/messages/:id", h.deleteMessage)
		api.GET("/messages/:id/attachment-url", h.getAttachmentURL)

		api.GET("/notifications", h.listNotifications)
		api.GET("/notifications/stats", h.notificationStats)
		api.POST("/notifications/read", h.markNotificationsRead)
		api.POST("/notifications/read-all", h.markAllNotificationsRead)
		api.PATCH("/notifications/:id", h.updateNotification)
		api.DELETE("/notifications/:id", h.deleteNotification)
		api.POST("/notifications/announcements", middleware.RequireRoles(string(domain.RoleAdmin), string(domain.RoleModerator)), h.announce)
		api.POST("/notifications/cleanup", middleware.RequireRoles(string(domain.RoleAdmin)), h.cleanupNotifications)
	}

	internal := r.Group("/api/internal/v1/events")
	internal.Use(middleware.AuthRequired(h.auth), middleware.RequireRoles(string(domain.RoleAdmin), string(domain.RoleSystem)))
	{
		internal.POST("/order-created", h.orderCreated)
		internal.POST("/order-status", h.orderStatusChanged)
		internal.POST("/order-deleted", h.orderDeleted)
		internal.POST("/file-uploaded", h.fileUploaded)
		internal.POST("/file-deleted", h.fileDeleted)
		internal.POST("/invoice-created", h.invoiceCreated)
	}
}

func (h *Handler) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := ReadinessResponse{Status: "ok", Checks: map[string]string{}}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			commonlog.Warnf("event=readiness action=ping status=failed check=%s error=%v", name, err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	c.JSON(status, resp)
}

// handleWS authenticates before the upgrade so a bad credential is answered
// with a plain 401.
func (h *Handler) handleWS(c *gin.Context) {
	token := middleware.BearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrMissingBearerToken))
		return
	}
	identity, err := h.coordinator.Authenticate(token)
	if err != nil {
		commonlog.Warnf("event=realtime_handshake action=authenticate status=rejected remote=%s error=%v", c.ClientIP(), err)
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrInvalidToken))
		return
	}

	upgrader := h.ws.Upgrader()
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=realtime_handshake action=upgrade status=failed identity_id=%s error=%v", identity.ID, err)
		return
	}
	h.coordinator.Serve(c.Request.Context(), ws, identity, h.ws)
}

func identityFromContext(c *gin.Context) (domain.Identity, error) {
	userID := c.GetString(middleware.ContextUserID)
	role := c.GetString(middleware.ContextRole)
	if userID == "" || role == "" {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	return domain.Identity{ID: userID, Email: c.GetString(middleware.ContextEmail), Role: domain.Role(role)}, nil
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// logged and answered with a generic 500.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, NewErrorResponse(httpresp.ErrNotFound))
	case errors.Is(err, domain.ErrForbidden):
		c.JSON(http.StatusForbidden, NewErrorResponse(httpresp.ErrForbidden))
	case errors.Is(err, domain.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
	case errors.Is(err, domain.ErrConflict):
		c.JSON(http.StatusConflict, NewErrorResponse(err.Error()))
	case errors.Is(err, domain.ErrTransient):
		commonlog.Warnf("event=http_request action=%s status=unavailable path=%s error=%v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
	default:
		commonlog.Errorf("event=http_request action=%s status=failed path=%s error=%v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, NewErrorResponse(httpresp.ErrInternal))
	}
}

func pageParams(c *gin.Context) (int, int, bool) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		return 0, 0, false
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(service.DefaultPageSize)))
	if err != nil || pageSize < 1 || page-1 > math.MaxInt/pageSize {
		return 0, 0, false
	}
	return page, pageSize, true
}

func optionalTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
