package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"permit_server/server/chat/domain"
	"permit_server/server/chat/service"
	"permit_server/server/common/transport/httpresp"
)

func (h *Handler) sendMessage(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	if !h.authorizeOrder(c, c.Param("id"), identity) {
		return
	}
	var req struct {
		Body        string          `json:"body"`
		Attachment  *domain.FileRef `json:"attachment"`
		ClientMsgID string          `json:"client_msg_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrInvalidBody))
		return
	}
	msg, err := h.broadcast.SendMessage(c.Request.Context(), identity, service.ChatMessageInput{
		OrderID:     c.Param("id"),
		Body:        req.Body,
		Attachment:  req.Attachment,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) listMessages(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	if !h.authorizeOrder(c, c.Param("id"), identity) {
		return
	}
	page, pageSize, ok := pageParams(c)
	if !ok {
		c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrPageMustBePositive))
		return
	}
	result, err := h.messages.List(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPageResponse(result.Items, result.Page, result.PageSize, result.Total))
}

func (h *Handler) getThread(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	if !h.authorizeOrder(c, c.Param("id"), identity) {
		return
	}
	thread, err := h.messages.Thread(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (h *Handler) markThreadRead(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	if !h.authorizeOrder(c, c.Param("id"), identity) {
		return
	}
	flagged, err := h.broadcast.MarkThreadRead(c.Request.Context(), c.Param("id"), identity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCountResponse(flagged))
}

func (h *Handler) getUnreadCount(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	orderID := c.Param("id")
	if !h.authorizeOrder(c, orderID, identity) {
		return
	}
	count, err := h.messages.UnreadCount(c.Request.Context(), orderID, identity.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewUnreadCountResponse(orderID, identity.ID, count))
}

func (h *Handler) deleteMessage(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	if err := h.broadcast.DeleteMessage(c.Request.Context(), c.Param("id"), identity); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) getAttachmentURL(c *gin.Context) {
	identity, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	msg, err := h.messages.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.authorizeOrder(c, msg.OrderID, identity) {
		return
	}
	if h.links == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(httpresp.ErrStorageNotAvailable))
		return
	}
	url, err := service.AttachmentURL(c.Request.Context(), h.messages, h.links, c.Param("id"))
	if errors.Is(err, domain.ErrTransient) {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(httpresp.ErrStorageNotAvailable))
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewURLResponse(url))
}

// authorizeOrder writes the error response and returns false when identity may
// not see the order.
func (h *Handler) authorizeOrder(c *gin.Context, orderID string, identity domain.Identity) bool {
	if err := h.messages.Authorize(c.Request.Context(), orderID, identity); err != nil {
		writeError(c, err)
		return false
	}
	return true
}
