package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"permit_server/server/chat/domain"
)

type messageRecord struct {
	msg domain.ChatMessage
	seq int64
}

// MessageStore is an in-process MessageStore. A single mutex makes every
// compound update atomic.
type MessageStore struct {
	mu       sync.RWMutex
	seq      int64
	messages map[string]*messageRecord
	byOrder  map[string][]string
	threads  map[string]*domain.OrderChatThread
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages: map[string]*messageRecord{},
		byOrder:  map[string][]string{},
		threads:  map[string]*domain.OrderChatThread{},
	}
}

func (s *MessageStore) CreateMessage(_ context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return domain.ChatMessage{}, fmt.Errorf("message %s already exists", msg.ID)
	}
	s.seq++
	s.messages[msg.ID] = &messageRecord{msg: msg, seq: s.seq}
	s.byOrder[msg.OrderID] = append(s.byOrder[msg.OrderID], msg.ID)

	thread, ok := s.threads[msg.OrderID]
	if !ok {
		thread = &domain.OrderChatThread{OrderID: msg.OrderID, CreatedAt: msg.CreatedAt}
		s.threads[msg.OrderID] = thread
	}
	thread.MessageIDs = append(thread.MessageIDs, msg.ID)
	if s.supersedesLast(thread, msg) {
		id := msg.ID
		thread.LastMessageID = &id
	}
	thread.UnreadCount++
	thread.UpdatedAt = msg.CreatedAt
	return msg, nil
}

// supersedesLast reports whether msg is at least as recent as the thread's
// current last message. Expects s.mu to be held.
func (s *MessageStore) supersedesLast(thread *domain.OrderChatThread, msg domain.ChatMessage) bool {
	if thread.LastMessageID == nil {
		return true
	}
	last, ok := s.messages[*thread.LastMessageID]
	return !ok || !last.msg.CreatedAt.After(msg.CreatedAt)
}

// newestFirst expects s.mu to be held.
func (s *MessageStore) newestFirst(orderID string) []*messageRecord {
	ids := s.byOrder[orderID]
	out := make([]*messageRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].msg.CreatedAt.Equal(out[j].msg.CreatedAt) {
			return out[i].msg.CreatedAt.After(out[j].msg.CreatedAt)
		}
		return out[i].seq > out[j].seq
	})
	return out
}

func (s *MessageStore) ListMessages(_ context.Context, orderID string, offset, limit int) ([]domain.ChatMessage, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.newestFirst(orderID)
	total := int64(len(all))
	if offset < 0 {
		offset = 0
	}
	items := make([]domain.ChatMessage, 0, limit)
	for i := offset; i < len(all) && len(items) < limit; i++ {
		items = append(items, all[i].msg)
	}
	return items, total, nil
}

func (s *MessageStore) GetMessage(_ context.Context, messageID string) (domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.messages[messageID]
	if !ok {
		return domain.ChatMessage{}, fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	return rec.msg, nil
}

func (s *MessageStore) DeleteMessage(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	orderID := rec.msg.OrderID
	delete(s.messages, messageID)
	s.byOrder[orderID] = without(s.byOrder[orderID], messageID)
	if len(s.byOrder[orderID]) == 0 {
		delete(s.byOrder, orderID)
	}

	thread, ok := s.threads[orderID]
	if !ok {
		return nil
	}
	thread.MessageIDs = without(thread.MessageIDs, messageID)
	if thread.LastMessageID != nil && *thread.LastMessageID == messageID {
		thread.LastMessageID = nil
		if remaining := s.newestFirst(orderID); len(remaining) > 0 {
			id := remaining[0].msg.ID
			thread.LastMessageID = &id
		}
	}
	thread.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MessageStore) MarkThreadRead(_ context.Context, orderID, readerID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flagged int64
	for _, id := range s.byOrder[orderID] {
		rec := s.messages[id]
		if rec.msg.IsRead || rec.msg.SentBy(readerID) {
			continue
		}
		rec.msg.IsRead = true
		rec.msg.UpdatedAt = at
		flagged++
	}
	if thread, ok := s.threads[orderID]; ok {
		thread.UnreadCount = 0
		thread.UpdatedAt = at
	}
	return flagged, nil
}

func (s *MessageStore) CountUnread(_ context.Context, orderID, excludingID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, id := range s.byOrder[orderID] {
		msg := s.messages[id].msg
		if !msg.IsRead && !msg.SentBy(excludingID) {
			count++
		}
	}
	return count, nil
}

func (s *MessageStore) GetThread(_ context.Context, orderID string) (domain.OrderChatThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[orderID]
	if !ok {
		return domain.OrderChatThread{}, fmt.Errorf("%w: thread for order %s", domain.ErrNotFound, orderID)
	}
	out := *thread
	out.MessageIDs = append([]string{}, thread.MessageIDs...)
	if thread.LastMessageID != nil {
		if rec, ok := s.messages[*thread.LastMessageID]; ok {
			last := rec.msg
			out.LastMessage = &last
		}
	}
	return out, nil
}

func without(ids []string, target string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
