package service

import (
	"context"

	"permit_server/server/chat/domain"
)

// OrderFinder looks up an order. A missing order is (nil, nil).
type OrderFinder interface {
	FindOrder(ctx context.Context, orderID string) (*domain.OrderRef, error)
}

// IdentityDirectory resolves back-office staff for notification fan-out.
type IdentityDirectory interface {
	FindByRoles(ctx context.Context, roles ...domain.Role) ([]domain.Contact, error)
}

type EmailSender interface {
	SendTemplatedEmail(ctx context.Context, template string, data map[string]any, to, subject string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Pusher is the realtime side of the broadcast façade. Calls never block on
// delivery and never fail.
type Pusher interface {
	BroadcastMessage(ctx context.Context, orderID string, message domain.ChatMessage)
	BroadcastOrderUpdate(ctx context.Context, orderID string, update domain.OrderUpdate)
	BroadcastRead(ctx context.Context, orderID string, reader domain.Identity)
	PushNotification(ctx context.Context, recipientID string, n domain.Notification)
}

// SendDeduper claims client supplied message ids so retried sends are stored once.
type SendDeduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string)
}

// LinkSigner produces a download url for stored file metadata.
type LinkSigner interface {
	DownloadURL(ctx context.Context, file domain.FileRef) (string, error)
}
