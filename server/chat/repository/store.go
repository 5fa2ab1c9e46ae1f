package repository

import (
	"context"
	"time"

	"permit_server/server/chat/domain"
)

// MessageStore persists chat messages and the per-order thread aggregate.
// CreateMessage, DeleteMessage and MarkThreadRead each update the thread in the
// same atomic unit as the message rows they touch.
type MessageStore interface {
	// CreateMessage stores msg and upserts its thread: the id is appended, the
	// last message is set and the unread counter incremented.
	CreateMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	// ListMessages returns one page newest-first and the order's message total.
	ListMessages(ctx context.Context, orderID string, offset, limit int) ([]domain.ChatMessage, int64, error)
	GetMessage(ctx context.Context, messageID string) (domain.ChatMessage, error)
	// DeleteMessage removes the message and its thread reference, recomputing
	// the last message when needed. The unread counter is left untouched.
	DeleteMessage(ctx context.Context, messageID string) error
	// MarkThreadRead zeroes the unread counter and flags messages not authored
	// by readerID as read. It returns the number of messages flagged.
	MarkThreadRead(ctx context.Context, orderID, readerID string, at time.Time) (int64, error)
	CountUnread(ctx context.Context, orderID, excludingID string) (int64, error)
	GetThread(ctx context.Context, orderID string) (domain.OrderChatThread, error)
}

// NotificationStore persists notifications. Every recipient-scoped call treats
// a row owned by someone else exactly like a missing row.
type NotificationStore interface {
	CreateNotifications(ctx context.Context, items []domain.Notification) error
	// ListNotifications returns one page newest-first and the filtered total.
	ListNotifications(ctx context.Context, recipientID string, filter domain.NotificationFilter, offset, limit int) ([]domain.Notification, int64, error)
	GetNotification(ctx context.Context, id, recipientID string) (domain.Notification, error)
	MarkRead(ctx context.Context, recipientID string, ids []string, at time.Time) (int64, error)
	MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error)
	SaveNotification(ctx context.Context, n domain.Notification) error
	DeleteNotification(ctx context.Context, id, recipientID string) error
	Stats(ctx context.Context, recipientID string) (domain.NotificationStats, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Pinger is implemented by stores backed by a remote database.
type Pinger interface {
	Ping(ctx context.Context) error
}
