package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"permit_server/server/chat/domain"
	"permit_server/server/common/transport/httpresp"
)

// Domain events posted by other back-office processes. The acting identity is
// taken from the body when present, otherwise from the caller's token.

type orderEventRequest struct {
	Order             domain.OrderRef  `json:"order"`
	PreviousStatus    string           `json:"previous_status"`
	ModeratorAssigned bool             `json:"moderator_assigned"`
	File              *domain.FileRef  `json:"file"`
	Actor             *domain.Identity `json:"actor"`
}

type invoiceEventRequest struct {
	Invoice domain.InvoiceRef `json:"invoice"`
	Actor   *domain.Identity  `json:"actor"`
}

func (h *Handler) bindOrderEvent(c *gin.Context, needFile bool) (orderEventRequest, domain.Identity, bool) {
	caller, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return orderEventRequest{}, domain.Identity{}, false
	}
	var req orderEventRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Order.ID == "" || (needFile && req.File == nil) {
		c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrInvalidBody))
		return orderEventRequest{}, domain.Identity{}, false
	}
	actor := caller
	if req.Actor != nil && req.Actor.ID != "" {
		actor = *req.Actor
	}
	return req, actor, true
}

func (h *Handler) orderCreated(c *gin.Context) {
	req, actor, ok := h.bindOrderEvent(c, false)
	if !ok {
		return
	}
	msg, err := h.broadcast.OrderCreated(c.Request.Context(), req.Order, &actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) orderStatusChanged(c *gin.Context) {
	req, actor, ok := h.bindOrderEvent(c, false)
	if !ok {
		return
	}
	msg, err := h.broadcast.OrderStatusChanged(c.Request.Context(), req.Order, req.PreviousStatus, req.ModeratorAssigned, &actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) orderDeleted(c *gin.Context) {
	req, actor, ok := h.bindOrderEvent(c, false)
	if !ok {
		return
	}
	if err := h.broadcast.OrderDeleted(c.Request.Context(), req.Order, &actor); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) fileUploaded(c *gin.Context) {
	req, actor, ok := h.bindOrderEvent(c, true)
	if !ok {
		return
	}
	msg, err := h.broadcast.FileUploaded(c.Request.Context(), req.Order, *req.File, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) fileDeleted(c *gin.Context) {
	req, actor, ok := h.bindOrderEvent(c, true)
	if !ok {
		return
	}
	msg, err := h.broadcast.FileDeleted(c.Request.Context(), req.Order, *req.File, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) invoiceCreated(c *gin.Context) {
	caller, err := identityFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var req invoiceEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(httpresp.ErrInvalidBody))
		return
	}
	actor := caller
	if req.Actor != nil && req.Actor.ID != "" {
		actor = *req.Actor
	}
	if err := h.broadcast.InvoiceCreated(c.Request.Context(), req.Invoice, &actor); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}
