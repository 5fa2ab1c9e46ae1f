package service

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"permit_server/server/chat/domain"
	"permit_server/server/common/infra/backoffice"
)

// BackofficeDirectory resolves orders and staff over the back-office internal API.
type BackofficeDirectory struct {
	client *backoffice.Client
}

func NewBackofficeDirectory(client *backoffice.Client) *BackofficeDirectory {
	return &BackofficeDirectory{client: client}
}

func (d *BackofficeDirectory) FindOrder(ctx context.Context, orderID string) (*domain.OrderRef, error) {
	var resp struct {
		ID          string `json:"id"`
		OrderNumber string `json:"order_number"`
		Status      string `json:"status"`
		Owner       struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"owner"`
		Moderator *struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"moderator"`
	}
	err := d.client.Get(ctx, backoffice.BasePath+"/orders/"+url.PathEscape(orderID), nil, &resp)
	if errors.Is(err, backoffice.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	order := &domain.OrderRef{
		ID:         fallback(strings.TrimSpace(resp.ID), orderID),
		Number:     strings.TrimSpace(resp.OrderNumber),
		Status:     strings.ToLower(strings.TrimSpace(resp.Status)),
		OwnerID:    strings.TrimSpace(resp.Owner.ID),
		OwnerEmail: strings.TrimSpace(resp.Owner.Email),
	}
	if resp.Moderator != nil {
		order.ModeratorID = strings.TrimSpace(resp.Moderator.ID)
		order.ModeratorEmail = strings.TrimSpace(resp.Moderator.Email)
	}
	return order, nil
}

func (d *BackofficeDirectory) FindByRoles(ctx context.Context, roles ...domain.Role) ([]domain.Contact, error) {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	var resp struct {
		Items []domain.Contact `json:"items"`
	}
	if err := d.client.Get(ctx, backoffice.BasePath+"/users", url.Values{"roles": {strings.Join(names, ",")}}, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}
