package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"permit_server/server/chat/domain"
	"permit_server/server/chat/repository"
	"permit_server/server/common/metrics"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
	MaxBodyLength   = 4000
)

type SendMessageInput struct {
	OrderID    string
	SenderID   *string
	Body       string
	SenderType domain.SenderType
	Attachment *domain.FileRef
}

// MessageService owns chat messages and the per-order thread aggregate.
type MessageService struct {
	store  repository.MessageStore
	orders OrderFinder
	now    func() time.Time
}

func NewMessageService(store repository.MessageStore, orders OrderFinder) *MessageService {
	return &MessageService{store: store, orders: orders, now: func() time.Time { return time.Now().UTC() }}
}

// Send validates the target order and stores the message together with its
// thread update.
func (s *MessageService) Send(ctx context.Context, in SendMessageInput) (domain.ChatMessage, error) {
	msg, _, err := s.send(ctx, in)
	return msg, err
}

func (s *MessageService) send(ctx context.Context, in SendMessageInput) (domain.ChatMessage, *domain.OrderRef, error) {
	in.OrderID = strings.TrimSpace(in.OrderID)
	in.Body = strings.TrimSpace(in.Body)

	switch {
	case in.OrderID == "":
		return domain.ChatMessage{}, nil, fmt.Errorf("%w: order_id is required", domain.ErrValidation)
	case in.Body == "" && in.Attachment == nil:
		return domain.ChatMessage{}, nil, fmt.Errorf("%w: body is required", domain.ErrValidation)
	case utf8.RuneCountInString(in.Body) > MaxBodyLength:
		return domain.ChatMessage{}, nil, fmt.Errorf("%w: body exceeds %d characters", domain.ErrValidation, MaxBodyLength)
	case !in.SenderType.Valid():
		return domain.ChatMessage{}, nil, fmt.Errorf("%w: unknown sender type %q", domain.ErrValidation, in.SenderType)
	}

	messageType := domain.MessageTypeText
	if in.SenderType == domain.SenderTypeSystem {
		in.SenderID = nil
		messageType = domain.MessageTypeSystem
	} else if in.SenderID == nil || strings.TrimSpace(*in.SenderID) == "" {
		return domain.ChatMessage{}, nil, fmt.Errorf("%w: sender is required", domain.ErrValidation)
	}

	order, err := s.orders.FindOrder(ctx, in.OrderID)
	if err != nil {
		return domain.ChatMessage{}, nil, fmt.Errorf("find order %s: %w", in.OrderID, err)
	}
	if order == nil {
		return domain.ChatMessage{}, nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, in.OrderID)
	}

	now := s.now()
	msg := domain.ChatMessage{
		ID:          uuid.NewString(),
		OrderID:     in.OrderID,
		SenderID:    in.SenderID,
		Body:        in.Body,
		MessageType: messageType,
		SenderType:  in.SenderType,
		Attachment:  in.Attachment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := s.store.CreateMessage(ctx, msg)
	if err != nil {
		return domain.ChatMessage{}, nil, fmt.Errorf("store message: %w", err)
	}
	metrics.MessagesCreated.WithLabelValues(string(created.SenderType)).Inc()
	return created, order, nil
}

// Authorize reports whether identity may see the order's chat. Staff and
// system callers see every order; a user sees only orders they own. A user
// asking for someone else's order gets ErrNotFound.
func (s *MessageService) Authorize(ctx context.Context, orderID string, identity domain.Identity) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order_id is required", domain.ErrValidation)
	}
	if identity.Role != domain.RoleUser {
		return nil
	}
	order, err := s.orders.FindOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("find order %s: %w", orderID, err)
	}
	if order == nil || order.OwnerID != identity.ID {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	return nil
}

// List returns one page of the order's history. Page 1 holds the newest
// messages; each page is ordered oldest to newest.
func (s *MessageService) List(ctx context.Context, orderID string, page, pageSize int) (domain.MessagePage, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.MessagePage{}, fmt.Errorf("%w: order_id is required", domain.ErrValidation)
	}
	page, pageSize = normalizePage(page, pageSize)
	offset, err := pageOffset(page, pageSize)
	if err != nil {
		return domain.MessagePage{}, err
	}

	items, total, err := s.store.ListMessages(ctx, orderID, offset, pageSize)
	if err != nil {
		return domain.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return domain.MessagePage{Items: items, Page: page, PageSize: pageSize, Total: total}, nil
}

func (s *MessageService) Get(ctx context.Context, messageID string) (domain.ChatMessage, error) {
	return s.store.GetMessage(ctx, strings.TrimSpace(messageID))
}

// MarkThreadRead resets the thread's unread counter and flags the messages
// other participants wrote as read.
func (s *MessageService) MarkThreadRead(ctx context.Context, orderID, readerID string) error {
	_, err := s.markThreadRead(ctx, orderID, readerID)
	return err
}

func (s *MessageService) markThreadRead(ctx context.Context, orderID, readerID string) (int64, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" || strings.TrimSpace(readerID) == "" {
		return 0, fmt.Errorf("%w: order_id and reader are required", domain.ErrValidation)
	}
	flagged, err := s.store.MarkThreadRead(ctx, orderID, readerID, s.now())
	if err != nil {
		return 0, fmt.Errorf("mark thread read: %w", err)
	}
	return flagged, nil
}

// Delete removes a message on behalf of its sender. Anyone else gets
// ErrForbidden and nothing changes.
func (s *MessageService) Delete(ctx context.Context, messageID string, requester domain.Identity) (domain.ChatMessage, error) {
	msg, err := s.store.GetMessage(ctx, strings.TrimSpace(messageID))
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if !msg.SentBy(requester.ID) {
		return domain.ChatMessage{}, fmt.Errorf("%w: only the sender may delete message %s", domain.ErrForbidden, msg.ID)
	}
	if err := s.store.DeleteMessage(ctx, msg.ID); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("delete message: %w", err)
	}
	return msg, nil
}

func (s *MessageService) UnreadCount(ctx context.Context, orderID, excludingID string) (int64, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, fmt.Errorf("%w: order_id is required", domain.ErrValidation)
	}
	return s.store.CountUnread(ctx, orderID, excludingID)
}

// Thread returns the order's thread, or an empty one if nobody has written yet.
func (s *MessageService) Thread(ctx context.Context, orderID string) (domain.OrderChatThread, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderChatThread{}, fmt.Errorf("%w: order_id is required", domain.ErrValidation)
	}
	thread, err := s.store.GetThread(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.OrderChatThread{OrderID: orderID, MessageIDs: []string{}}, nil
	}
	return thread, err
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// pageOffset converts a normalized page into a row offset. Pages whose offset
// would not fit in an int are rejected.
func pageOffset(page, pageSize int) (int, error) {
	if page-1 > math.MaxInt/pageSize {
		return 0, fmt.Errorf("%w: page %d is out of range", domain.ErrValidation, page)
	}
	return (page - 1) * pageSize, nil
}
