package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"permit_server/server/chat/domain"
	"permit_server/server/chat/repository"
	commonlog "permit_server/server/common/log"
	"permit_server/server/common/metrics"
)

const previewLength = 120

type NotificationOptions struct {
	// BaseURL prefixes the action links of generated notifications.
	BaseURL string
}

// NotificationService stores notifications, pushes them to online recipients
// and drives the domain-event fan-out.
type NotificationService struct {
	store     repository.NotificationStore
	pusher    Pusher
	mailer    EmailSender
	directory IdentityDirectory
	links     LinkSigner
	baseURL   string
	now       func() time.Time
}

func NewNotificationService(store repository.NotificationStore, pusher Pusher, mailer EmailSender, directory IdentityDirectory, opts NotificationOptions) *NotificationService {
	return &NotificationService{
		store:     store,
		pusher:    pusher,
		mailer:    mailer,
		directory: directory,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *NotificationService) UseLinkSigner(links LinkSigner) {
	s.links = links
}

// Create stores one notification per recipient, then pushes each to its
// recipient. Push failures never affect the stored rows.
func (s *NotificationService) Create(ctx context.Context, in domain.NotificationInput) ([]domain.Notification, error) {
	if err := in.Normalize(); err != nil {
		return nil, err
	}
	now := s.now()
	items := make([]domain.Notification, 0, len(in.RecipientIDs))
	for _, recipientID := range in.RecipientIDs {
		items = append(items, domain.Notification{
			ID:          uuid.NewString(),
			RecipientID: recipientID,
			SenderID:    in.SenderID,
			Type:        in.Type,
			Status:      domain.StatusUnread,
			Priority:    in.Priority,
			Title:       in.Title,
			Message:     in.Message,
			Metadata:    in.Metadata,
			ActionURL:   in.ActionURL,
			ActionText:  in.ActionText,
			ExpiresAt:   in.ExpiresAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err := s.store.CreateNotifications(ctx, items); err != nil {
		return nil, fmt.Errorf("store notifications: %w", err)
	}
	metrics.NotificationsCreated.WithLabelValues(string(in.Type)).Add(float64(len(items)))

	if s.pusher != nil {
		for _, n := range items {
			s.pusher.PushNotification(ctx, n.RecipientID, n)
		}
	}
	return items, nil
}

func (s *NotificationService) List(ctx context.Context, recipientID string, filter domain.NotificationFilter, page, pageSize int) (domain.NotificationPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.NotificationPage{}, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, filter.Status)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return domain.NotificationPage{}, fmt.Errorf("%w: unknown type %q", domain.ErrValidation, filter.Type)
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return domain.NotificationPage{}, fmt.Errorf("%w: from is after to", domain.ErrValidation)
	}
	page, pageSize = normalizePage(page, pageSize)
	offset, err := pageOffset(page, pageSize)
	if err != nil {
		return domain.NotificationPage{}, err
	}
	items, total, err := s.store.ListNotifications(ctx, recipientID, filter, offset, pageSize)
	if err != nil {
		return domain.NotificationPage{}, fmt.Errorf("list notifications: %w", err)
	}
	return domain.NotificationPage{Items: items, Page: page, PageSize: pageSize, Total: total}, nil
}

// MarkRead moves the recipient's unread notifications among ids to read. Ids
// owned by anyone else are skipped without error.
func (s *NotificationService) MarkRead(ctx context.Context, recipientID string, ids []string) (int64, error) {
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return 0, fmt.Errorf("%w: at least one notification id is required", domain.ErrValidation)
	}
	return s.store.MarkRead(ctx, recipientID, cleaned, s.now())
}

func (s *NotificationService) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	return s.store.MarkAllRead(ctx, recipientID, s.now())
}

func (s *NotificationService) Update(ctx context.Context, id, recipientID string, patch domain.NotificationPatch) (domain.Notification, error) {
	n, err := s.store.GetNotification(ctx, id, recipientID)
	if err != nil {
		return domain.Notification{}, err
	}
	if err := patch.Apply(&n, s.now()); err != nil {
		return domain.Notification{}, err
	}
	if err := s.store.SaveNotification(ctx, n); err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

func (s *NotificationService) Delete(ctx context.Context, id, recipientID string) error {
	return s.store.DeleteNotification(ctx, id, recipientID)
}

func (s *NotificationService) Stats(ctx context.Context, recipientID string) (domain.NotificationStats, error) {
	return s.store.Stats(ctx, recipientID)
}

func (s *NotificationService) CleanupExpired(ctx context.Context) (int64, error) {
	deleted, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	metrics.NotificationsExpired.Add(float64(deleted))
	return deleted, nil
}

// email describes the templated mail that accompanies a fan-out.
type email struct {
	template string
	subject  string
	data     map[string]any
}

// deliver creates the notification for every contact and then sends each
// contact the templated email. Email failures are logged and counted only.
func (s *NotificationService) deliver(ctx context.Context, contacts []domain.Contact, in domain.NotificationInput, mail email) ([]domain.Notification, error) {
	if len(contacts) == 0 {
		return nil, nil
	}
	in.RecipientIDs = make([]string, 0, len(contacts))
	for _, c := range contacts {
		in.RecipientIDs = append(in.RecipientIDs, c.ID)
	}
	created, err := s.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	if s.mailer == nil {
		return created, nil
	}

	data := map[string]any{"title": in.Title, "message": in.Message, "action_url": in.ActionURL}
	for k, v := range mail.data {
		data[k] = v
	}
	for _, c := range contacts {
		if strings.TrimSpace(c.Email) == "" {
			continue
		}
		if err := s.mailer.SendTemplatedEmail(ctx, mail.template, data, c.Email, mail.subject); err != nil {
			metrics.SideEffectFailures.WithLabelValues("email").Inc()
			commonlog.Errorf("event=notification_email action=send status=failed template=%s recipient_id=%s error=%v", mail.template, c.ID, err)
		}
	}
	return created, nil
}

func (s *NotificationService) orderURL(orderID string) string {
	return s.baseURL + "/orders/" + orderID
}

func actorID(actor *domain.Identity) *string {
	if actor == nil || actor.ID == "" {
		return nil
	}
	id := actor.ID
	return &id
}

func excluding(contacts []domain.Contact, actor *domain.Identity) []domain.Contact {
	out := make([]domain.Contact, 0, len(contacts))
	seen := map[string]struct{}{}
	for _, c := range contacts {
		if c.ID == "" || (actor != nil && c.ID == actor.ID) {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func ownerContact(order domain.OrderRef) domain.Contact {
	return domain.Contact{ID: order.OwnerID, Email: order.OwnerEmail, Role: domain.RoleUser}
}

// counterparts returns whichever of the order's owner and moderator did not act.
func counterparts(order domain.OrderRef, actorID string) []domain.Contact {
	out := make([]domain.Contact, 0, 2)
	if order.OwnerID != "" && order.OwnerID != actorID {
		out = append(out, ownerContact(order))
	}
	if order.ModeratorID != "" && order.ModeratorID != actorID {
		out = append(out, domain.Contact{ID: order.ModeratorID, Email: order.ModeratorEmail, Role: domain.RoleModerator})
	}
	return out
}

func orderLabel(order domain.OrderRef) string {
	if order.Number != "" {
		return "#" + order.Number
	}
	return order.ID
}

// NotifyOrderCreated tells every admin and moderator about a new order,
// including a staff member who created it.
func (s *NotificationService) NotifyOrderCreated(ctx context.Context, order domain.OrderRef, actor *domain.Identity) ([]domain.Notification, error) {
	if s.directory == nil {
		return nil, fmt.Errorf("%w: identity directory is not configured", domain.ErrTransient)
	}
	staff, err := s.directory.FindByRoles(ctx, domain.RoleAdmin, domain.RoleModerator)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve staff: %v", domain.ErrTransient, err)
	}
	who := order.OwnerEmail
	if who == "" {
		who = "a customer"
	}
	return s.deliver(ctx, excluding(staff, nil), domain.NotificationInput{
		SenderID:   actorID(actor),
		Type:       domain.NotificationOrderCreated,
		Priority:   domain.PriorityNormal,
		Title:      "New order submitted",
		Message:    fmt.Sprintf("Order %s was submitted by %s.", orderLabel(order), who),
		Metadata:   domain.OrderMetadata{OrderID: order.ID, OrderNumber: order.Number, Status: order.Status},
		ActionURL:  s.orderURL(order.ID),
		ActionText: "Review order",
	}, email{
		template: "order-created",
		subject:  "New order " + orderLabel(order),
		data:     map[string]any{"order_id": order.ID, "order_number": order.Number},
	})
}

// NotifyOrderModerated tells the owner that staff changed the order status.
func (s *NotificationService) NotifyOrderModerated(ctx context.Context, order domain.OrderRef, previousStatus string, actor *domain.Identity) ([]domain.Notification, error) {
	priority := domain.PriorityNormal
	if strings.EqualFold(order.Status, "rejected") || strings.EqualFold(order.Status, "cancelled") {
		priority = domain.PriorityHigh
	}
	return s.deliver(ctx, excluding([]domain.Contact{ownerContact(order)}, actor), domain.NotificationInput{
		SenderID:   actorID(actor),
		Type:       domain.NotificationOrderUpdated,
		Priority:   priority,
		Title:      "Order status updated",
		Message:    fmt.Sprintf("Order %s is now %s.", orderLabel(order), order.Status),
		Metadata:   domain.OrderMetadata{OrderID: order.ID, OrderNumber: order.Number, Status: order.Status, PreviousStatus: previousStatus},
		ActionURL:  s.orderURL(order.ID),
		ActionText: "View order",
	}, email{
		template: "order-status-changed",
		subject:  "Order " + orderLabel(order) + " is " + order.Status,
		data:     map[string]any{"order_id": order.ID, "order_number": order.Number, "status": order.Status, "previous_status": previousStatus},
	})
}

// NotifyModeratorAssigned tells the owner which moderator joined their order.
func (s *NotificationService) NotifyModeratorAssigned(ctx context.Context, order domain.OrderRef) ([]domain.Notification, error) {
	if order.ModeratorID == "" {
		return nil, nil
	}
	return s.deliver(ctx, excluding([]domain.Contact{ownerContact(order)}, &domain.Identity{ID: order.ModeratorID}), domain.NotificationInput{
		SenderID:   &order.ModeratorID,
		Type:       domain.NotificationUserJoined,
		Priority:   domain.PriorityLow,
		Title:      "A moderator joined your order",
		Message:    fmt.Sprintf("%s is now handling order %s.", fallback(order.ModeratorEmail, "A moderator"), orderLabel(order)),
		Metadata:   domain.MemberMetadata{OrderID: order.ID, MemberID: order.ModeratorID, Email: order.ModeratorEmail},
		ActionURL:  s.orderURL(order.ID),
		ActionText: "Open chat",
	}, email{
		template: "moderator-assigned",
		subject:  "Order " + orderLabel(order) + " has a moderator",
		data:     map[string]any{"order_id": order.ID, "moderator_email": order.ModeratorEmail},
	})
}

func (s *NotificationService) NotifyOrderDeleted(ctx context.Context, order domain.OrderRef, actor *domain.Identity) ([]domain.Notification, error) {
	return s.deliver(ctx, excluding([]domain.Contact{ownerContact(order)}, actor), domain.NotificationInput{
		SenderID: actorID(actor),
		Type:     domain.NotificationOrderDeleted,
		Priority: domain.PriorityHigh,
		Title:    "Order deleted",
		Message:  fmt.Sprintf("Order %s was deleted.", orderLabel(order)),
		Metadata: domain.OrderMetadata{OrderID: order.ID, OrderNumber: order.Number, Status: order.Status},
	}, email{
		template: "order-deleted",
		subject:  "Order " + orderLabel(order) + " was deleted",
		data:     map[string]any{"order_id": order.ID, "order_number": order.Number},
	})
}

// NotifyFileUploaded tells the owner or moderator who did not upload the file.
func (s *NotificationService) NotifyFileUploaded(ctx context.Context, order domain.OrderRef, file domain.FileRef, uploader domain.Identity) ([]domain.Notification, error) {
	return s.notifyFile(ctx, domain.NotificationFileUploaded, order, file, uploader)
}

func (s *NotificationService) NotifyFileDeleted(ctx context.Context, order domain.OrderRef, file domain.FileRef, actor domain.Identity) ([]domain.Notification, error) {
	return s.notifyFile(ctx, domain.NotificationFileDeleted, order, file, actor)
}

func (s *NotificationService) notifyFile(ctx context.Context, typ domain.NotificationType, order domain.OrderRef, file domain.FileRef, actor domain.Identity) ([]domain.Notification, error) {
	name := fallback(file.OriginalName, file.Filename)
	in := domain.NotificationInput{
		SenderID:  actorID(&actor),
		Type:      typ,
		Priority:  domain.PriorityNormal,
		Metadata:  domain.FileMetadata{OrderID: order.ID, OrderNumber: order.Number, File: file},
		ActionURL: s.orderURL(order.ID),
	}
	mail := email{data: map[string]any{"order_id": order.ID, "file_name": name}}

	if typ == domain.NotificationFileUploaded {
		in.Title = "New file uploaded"
		in.Message = fmt.Sprintf("%s was uploaded to order %s.", name, orderLabel(order))
		in.ActionText = "Download"
		mail.template = "file-uploaded"
		mail.subject = "New file on order " + orderLabel(order)
		if s.links != nil && file.ObjectKey != "" {
			if url, err := s.links.DownloadURL(ctx, file); err == nil {
				in.ActionURL = url
			} else {
				commonlog.Warnf("event=notification_file action=sign_link status=failed order_id=%s error=%v", order.ID, err)
			}
		}
	} else {
		in.Title = "File removed"
		in.Message = fmt.Sprintf("%s was removed from order %s.", name, orderLabel(order))
		in.ActionText = "View order"
		mail.template = "file-deleted"
		mail.subject = "File removed from order " + orderLabel(order)
	}
	return s.deliver(ctx, counterparts(order, actor.ID), in, mail)
}

// NotifyChatMessage tells the order's other party about a new chat message.
func (s *NotificationService) NotifyChatMessage(ctx context.Context, order domain.OrderRef, msg domain.ChatMessage, sender domain.Identity) ([]domain.Notification, error) {
	preview := msg.Body
	if utf8.RuneCountInString(preview) > previewLength {
		preview = string([]rune(preview)[:previewLength]) + "..."
	}
	if preview == "" && msg.Attachment != nil {
		preview = "Attachment: " + fallback(msg.Attachment.OriginalName, msg.Attachment.Filename)
	}
	return s.deliver(ctx, counterparts(order, sender.ID), domain.NotificationInput{
		SenderID:   actorID(&sender),
		Type:       domain.NotificationNewMessage,
		Priority:   domain.PriorityNormal,
		Title:      "New message on order " + orderLabel(order),
		Message:    preview,
		Metadata:   domain.MessageMetadata{OrderID: order.ID, OrderNumber: order.Number, MessageID: msg.ID, Preview: preview},
		ActionURL:  s.orderURL(order.ID) + "#chat",
		ActionText: "Reply",
	}, email{
		template: "new-message",
		subject:  "New message on order " + orderLabel(order),
		data:     map[string]any{"order_id": order.ID, "message_id": msg.ID, "sender_email": sender.Email},
	})
}

func (s *NotificationService) NotifyInvoiceCreated(ctx context.Context, invoice domain.InvoiceRef, actor *domain.Identity) ([]domain.Notification, error) {
	label := fallback(invoice.Number, invoice.ID)
	return s.deliver(ctx, excluding([]domain.Contact{{ID: invoice.OwnerID, Email: invoice.OwnerEmail, Role: domain.RoleUser}}, actor), domain.NotificationInput{
		SenderID:   actorID(actor),
		Type:       domain.NotificationInvoiceCreated,
		Priority:   domain.PriorityHigh,
		Title:      "New invoice",
		Message:    fmt.Sprintf("Invoice %s for %.2f %s is ready.", label, invoice.Amount, invoice.Currency),
		Metadata:   domain.InvoiceMetadata{InvoiceID: invoice.ID, InvoiceNumber: invoice.Number, OrderID: invoice.OrderID, Amount: invoice.Amount, Currency: invoice.Currency},
		ActionURL:  s.baseURL + "/invoices/" + invoice.ID,
		ActionText: "View invoice",
	}, email{
		template: "invoice-created",
		subject:  "Invoice " + label,
		data:     map[string]any{"invoice_id": invoice.ID, "invoice_number": invoice.Number, "amount": invoice.Amount, "currency": invoice.Currency},
	})
}

type Announcement struct {
	RecipientIDs []string
	Roles        []domain.Role
	Title        string
	Message      string
	Priority     domain.NotificationPriority
	Metadata     domain.AnnouncementMetadata
	ActionURL    string
	ActionText   string
	ExpiresAt    *time.Time
}

// Announce sends a system announcement to explicit recipients and to every
// identity holding one of the given roles.
func (s *NotificationService) Announce(ctx context.Context, a Announcement, sender *domain.Identity) ([]domain.Notification, error) {
	contacts := make([]domain.Contact, 0, len(a.RecipientIDs))
	for _, id := range a.RecipientIDs {
		contacts = append(contacts, domain.Contact{ID: strings.TrimSpace(id)})
	}
	if len(a.Roles) > 0 {
		if s.directory == nil {
			return nil, fmt.Errorf("%w: identity directory is not configured", domain.ErrTransient)
		}
		byRole, err := s.directory.FindByRoles(ctx, a.Roles...)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve recipients: %v", domain.ErrTransient, err)
		}
		contacts = append(contacts, byRole...)
	}
	contacts = excluding(contacts, nil)
	if len(contacts) == 0 {
		return nil, fmt.Errorf("%w: announcement has no recipients", domain.ErrValidation)
	}

	in := domain.NotificationInput{
		SenderID:   actorID(sender),
		Type:       domain.NotificationSystemAnnouncement,
		Priority:   a.Priority,
		Title:      a.Title,
		Message:    a.Message,
		ActionURL:  a.ActionURL,
		ActionText: a.ActionText,
		ExpiresAt:  a.ExpiresAt,
	}
	if len(a.Metadata) > 0 {
		in.Metadata = a.Metadata
	}
	return s.deliver(ctx, contacts, in, email{template: "system-announcement", subject: a.Title})
}

func fallback(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
