package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"permit_server/server/chat/domain"
	commonlog "permit_server/server/common/log"
	"permit_server/server/common/metrics"
)

const (
	EventMessageCreated     = "message.created"
	EventMessageDeleted     = "message.deleted"
	EventThreadRead         = "thread.read"
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
	EventOrderDeleted       = "order.deleted"
	EventFileUploaded       = "order.file_uploaded"
	EventFileDeleted        = "order.file_deleted"
	EventInvoiceCreated     = "invoice.created"
)

// ChatEvent is the payload published to the message bus for downstream consumers.
type ChatEvent struct {
	OrderID    string              `json:"order_id"`
	ActorID    string              `json:"actor_id,omitempty"`
	MessageID  string              `json:"message_id,omitempty"`
	Status     string              `json:"status,omitempty"`
	Message    *domain.ChatMessage `json:"message,omitempty"`
	File       *domain.FileRef     `json:"file,omitempty"`
	InvoiceID  string              `json:"invoice_id,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

type ChatMessageInput struct {
	OrderID     string
	Body        string
	Attachment  *domain.FileRef
	ClientMsgID string
}

// BroadcastService is the single entry point the rest of the back office uses
// to announce chat and order activity. Persistence always happens before any
// push, and push or bus failures never fail the call.
type BroadcastService struct {
	messages      *MessageService
	notifications *NotificationService
	pusher        Pusher
	orders        *CachedOrderFinder
	events        EventPublisher
	deduper       SendDeduper
	now           func() time.Time
}

func NewBroadcastService(messages *MessageService, notifications *NotificationService, pusher Pusher, orders *CachedOrderFinder) *BroadcastService {
	return &BroadcastService{
		messages:      messages,
		notifications: notifications,
		pusher:        pusher,
		orders:        orders,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (b *BroadcastService) UseEventPublisher(events EventPublisher) {
	b.events = events
}

func (b *BroadcastService) UseDeduper(deduper SendDeduper) {
	b.deduper = deduper
}

func (b *BroadcastService) BroadcastMessage(ctx context.Context, orderID string, message domain.ChatMessage) {
	b.pusher.BroadcastMessage(ctx, orderID, message)
}

func (b *BroadcastService) BroadcastOrderUpdate(ctx context.Context, orderID string, update domain.OrderUpdate) {
	b.pusher.BroadcastOrderUpdate(ctx, orderID, update)
}

func (b *BroadcastService) PushNotification(ctx context.Context, recipientID string, n domain.Notification) {
	b.pusher.PushNotification(ctx, recipientID, n)
}

// SendMessage stores a human message, pushes it to the order room and notifies
// the other party of the order.
func (b *BroadcastService) SendMessage(ctx context.Context, sender domain.Identity, in ChatMessageInput) (domain.ChatMessage, error) {
	var dedupeKey string
	if clientID := strings.TrimSpace(in.ClientMsgID); clientID != "" && b.deduper != nil {
		dedupeKey = sender.ID + ":" + strings.TrimSpace(in.OrderID) + ":" + clientID
		claimed, err := b.deduper.Claim(ctx, dedupeKey)
		if err != nil {
			commonlog.Warnf("event=chat_send action=dedupe_claim status=failed order_id=%s error=%v", in.OrderID, err)
			dedupeKey = ""
		} else if !claimed {
			return domain.ChatMessage{}, fmt.Errorf("%w: message %s was already sent", domain.ErrConflict, clientID)
		}
	}

	senderID := sender.ID
	msg, order, err := b.messages.send(ctx, SendMessageInput{
		OrderID:    in.OrderID,
		SenderID:   &senderID,
		Body:       in.Body,
		SenderType: domain.SenderTypeFor(sender.Role),
		Attachment: in.Attachment,
	})
	if err != nil {
		if dedupeKey != "" {
			b.deduper.Release(ctx, dedupeKey)
		}
		return domain.ChatMessage{}, err
	}

	b.pusher.BroadcastMessage(ctx, msg.OrderID, msg)
	if _, err := b.notifications.NotifyChatMessage(ctx, *order, msg, sender); err != nil {
		b.sideEffectFailed("notification", "message_created", msg.OrderID, err)
	}
	b.publish(ctx, EventMessageCreated, ChatEvent{OrderID: msg.OrderID, ActorID: sender.ID, MessageID: msg.ID, Message: &msg})
	return msg, nil
}

func (b *BroadcastService) DeleteMessage(ctx context.Context, messageID string, requester domain.Identity) error {
	msg, err := b.messages.Delete(ctx, messageID, requester)
	if err != nil {
		return err
	}
	b.pusher.BroadcastOrderUpdate(ctx, msg.OrderID, domain.OrderUpdate{
		OrderID:   msg.OrderID,
		Action:    domain.OrderActionMessageDeleted,
		ActorID:   requester.ID,
		Message:   msg.ID,
		UpdatedAt: b.now(),
	})
	b.publish(ctx, EventMessageDeleted, ChatEvent{OrderID: msg.OrderID, ActorID: requester.ID, MessageID: msg.ID})
	return nil
}

// MarkThreadRead persists the read state and tells the room who read it.
func (b *BroadcastService) MarkThreadRead(ctx context.Context, orderID string, reader domain.Identity) (int64, error) {
	flagged, err := b.messages.markThreadRead(ctx, orderID, reader.ID)
	if err != nil {
		return 0, err
	}
	b.pusher.BroadcastRead(ctx, orderID, reader)
	b.publish(ctx, EventThreadRead, ChatEvent{OrderID: orderID, ActorID: reader.ID})
	return flagged, nil
}

// OrderCreated records the system message that opens the order chat and
// notifies staff.
func (b *BroadcastService) OrderCreated(ctx context.Context, order domain.OrderRef, actor *domain.Identity) (domain.ChatMessage, error) {
	b.orders.Remember(order)
	msg, err := b.systemMessage(ctx, order.ID, fmt.Sprintf("Order %s was created.", orderLabel(order)), nil)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if _, err := b.notifications.NotifyOrderCreated(ctx, order, actor); err != nil {
		b.sideEffectFailed("notification", EventOrderCreated, order.ID, err)
	}
	b.orderUpdated(ctx, order, domain.OrderActionCreated, actor, msg.Body)
	b.publish(ctx, EventOrderCreated, ChatEvent{OrderID: order.ID, ActorID: identityID(actor), Status: order.Status, MessageID: msg.ID})
	return msg, nil
}

// OrderStatusChanged records the transition as a system message, notifies the
// owner and, when a moderator was just assigned, announces them too.
func (b *BroadcastService) OrderStatusChanged(ctx context.Context, order domain.OrderRef, previousStatus string, moderatorAssigned bool, actor *domain.Identity) (domain.ChatMessage, error) {
	b.orders.Remember(order)
	body := fmt.Sprintf("Order status changed from %s to %s.", fallback(previousStatus, "unknown"), order.Status)
	msg, err := b.systemMessage(ctx, order.ID, body, nil)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if _, err := b.notifications.NotifyOrderModerated(ctx, order, previousStatus, actor); err != nil {
		b.sideEffectFailed("notification", EventOrderStatusChanged, order.ID, err)
	}
	if moderatorAssigned {
		if _, err := b.notifications.NotifyModeratorAssigned(ctx, order); err != nil {
			b.sideEffectFailed("notification", "moderator_assigned", order.ID, err)
		}
	}
	b.orderUpdated(ctx, order, domain.OrderActionStatusChanged, actor, body)
	b.publish(ctx, EventOrderStatusChanged, ChatEvent{OrderID: order.ID, ActorID: identityID(actor), Status: order.Status, MessageID: msg.ID})
	return msg, nil
}

func (b *BroadcastService) OrderDeleted(ctx context.Context, order domain.OrderRef, actor *domain.Identity) error {
	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("%w: order id is required", domain.ErrValidation)
	}
	if _, err := b.notifications.NotifyOrderDeleted(ctx, order, actor); err != nil {
		b.sideEffectFailed("notification", EventOrderDeleted, order.ID, err)
	}
	b.orderUpdated(ctx, order, domain.OrderActionDeleted, actor, "")
	b.orders.Forget(order.ID)
	b.publish(ctx, EventOrderDeleted, ChatEvent{OrderID: order.ID, ActorID: identityID(actor)})
	return nil
}

func (b *BroadcastService) FileUploaded(ctx context.Context, order domain.OrderRef, file domain.FileRef, uploader domain.Identity) (domain.ChatMessage, error) {
	return b.fileEvent(ctx, order, file, uploader, true)
}

func (b *BroadcastService) FileDeleted(ctx context.Context, order domain.OrderRef, file domain.FileRef, actor domain.Identity) (domain.ChatMessage, error) {
	return b.fileEvent(ctx, order, file, actor, false)
}

func (b *BroadcastService) fileEvent(ctx context.Context, order domain.OrderRef, file domain.FileRef, actor domain.Identity, uploaded bool) (domain.ChatMessage, error) {
	b.orders.Remember(order)
	name := fallback(file.OriginalName, file.Filename)

	var (
		body       string
		action     string
		routingKey string
		attachment *domain.FileRef
	)
	if uploaded {
		body, action, routingKey = fmt.Sprintf("File %s was uploaded.", name), domain.OrderActionFileUploaded, EventFileUploaded
		f := file
		attachment = &f
	} else {
		body, action, routingKey = fmt.Sprintf("File %s was removed.", name), domain.OrderActionFileDeleted, EventFileDeleted
	}

	msg, err := b.systemMessage(ctx, order.ID, body, attachment)
	if err != nil {
		return domain.ChatMessage{}, err
	}

	var notifyErr error
	if uploaded {
		_, notifyErr = b.notifications.NotifyFileUploaded(ctx, order, file, actor)
	} else {
		_, notifyErr = b.notifications.NotifyFileDeleted(ctx, order, file, actor)
	}
	if notifyErr != nil {
		b.sideEffectFailed("notification", routingKey, order.ID, notifyErr)
	}
	b.orderUpdated(ctx, order, action, &actor, body)
	b.publish(ctx, routingKey, ChatEvent{OrderID: order.ID, ActorID: actor.ID, MessageID: msg.ID, File: &file})
	return msg, nil
}

// InvoiceCreated notifies the invoice owner and, for order invoices, tells the
// order room.
func (b *BroadcastService) InvoiceCreated(ctx context.Context, invoice domain.InvoiceRef, actor *domain.Identity) error {
	if strings.TrimSpace(invoice.ID) == "" {
		return fmt.Errorf("%w: invoice id is required", domain.ErrValidation)
	}
	if _, err := b.notifications.NotifyInvoiceCreated(ctx, invoice, actor); err != nil {
		b.sideEffectFailed("notification", EventInvoiceCreated, invoice.OrderID, err)
	}
	if invoice.OrderID != "" {
		b.pusher.BroadcastOrderUpdate(ctx, invoice.OrderID, domain.OrderUpdate{
			OrderID:   invoice.OrderID,
			Action:    domain.OrderActionInvoiced,
			ActorID:   identityID(actor),
			Message:   fmt.Sprintf("Invoice %s was issued.", fallback(invoice.Number, invoice.ID)),
			UpdatedAt: b.now(),
		})
	}
	b.publish(ctx, EventInvoiceCreated, ChatEvent{OrderID: invoice.OrderID, ActorID: identityID(actor), InvoiceID: invoice.ID})
	return nil
}

func (b *BroadcastService) systemMessage(ctx context.Context, orderID, body string, attachment *domain.FileRef) (domain.ChatMessage, error) {
	msg, _, err := b.messages.send(ctx, SendMessageInput{
		OrderID:    orderID,
		Body:       body,
		SenderType: domain.SenderTypeSystem,
		Attachment: attachment,
	})
	if err != nil {
		return domain.ChatMessage{}, err
	}
	b.pusher.BroadcastMessage(ctx, orderID, msg)
	return msg, nil
}

func (b *BroadcastService) orderUpdated(ctx context.Context, order domain.OrderRef, action string, actor *domain.Identity, message string) {
	b.pusher.BroadcastOrderUpdate(ctx, order.ID, domain.OrderUpdate{
		OrderID:   order.ID,
		Action:    action,
		Status:    order.Status,
		ActorID:   identityID(actor),
		Message:   message,
		UpdatedAt: b.now(),
	})
}

func (b *BroadcastService) publish(ctx context.Context, routingKey string, event ChatEvent) {
	if b.events == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = b.now()
	}
	if err := b.events.Publish(ctx, routingKey, event); err != nil {
		b.sideEffectFailed("event", routingKey, event.OrderID, err)
	}
}

func (b *BroadcastService) sideEffectFailed(effect, action, orderID string, err error) {
	metrics.SideEffectFailures.WithLabelValues(effect).Inc()
	commonlog.Errorf("event=broadcast_%s action=%s status=failed order_id=%s error=%v", effect, action, orderID, err)
}

func identityID(identity *domain.Identity) string {
	if identity == nil {
		return ""
	}
	return identity.ID
}
