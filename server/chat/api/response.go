package api

import (
	"permit_server/server/common/transport/httpresp"
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse
type URLResponse = httpresp.URLResponse
type CountResponse = httpresp.CountResponse
type PageResponse[T any] = httpresp.PageResponse[T]

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type UnreadCountResponse struct {
	OrderID     string `json:"order_id"`
	UserID      string `json:"user_id"`
	UnreadCount int64  `json:"unread_count"`
}

type ItemsResponse[T any] struct {
	Items []T `json:"items"`
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewOKResponse() OKResponse {
	return httpresp.NewOKResponse()
}

func NewURLResponse(url string) URLResponse {
	return httpresp.NewURLResponse(url)
}

func NewCountResponse(count int64) CountResponse {
	return httpresp.NewCountResponse(count)
}

func NewPageResponse[T any](items []T, page, pageSize int, total int64) PageResponse[T] {
	return httpresp.NewPageResponse(items, page, pageSize, total)
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}

func NewUnreadCountResponse(orderID, userID string, unread int64) UnreadCountResponse {
	return UnreadCountResponse{OrderID: orderID, UserID: userID, UnreadCount: unread}
}

func NewItemsResponse[T any](items []T) ItemsResponse[T] {
	if items == nil {
		items = make([]T, 0)
	}
	return ItemsResponse[T]{Items: items}
}
