package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"permit_server/server/chat/domain"
)

type NotificationStore struct {
	mu    sync.RWMutex
	seq   int64
	items map[string]*notificationRecord
}

type notificationRecord struct {
	n   domain.Notification
	seq int64
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{items: map[string]*notificationRecord{}}
}

func (s *NotificationStore) CreateNotifications(_ context.Context, items []domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range items {
		if _, ok := s.items[n.ID]; ok {
			return fmt.Errorf("notification %s already exists", n.ID)
		}
	}
	for _, n := range items {
		s.seq++
		s.items[n.ID] = &notificationRecord{n: n, seq: s.seq}
	}
	return nil
}

func (s *NotificationStore) ListNotifications(_ context.Context, recipientID string, filter domain.NotificationFilter, offset, limit int) ([]domain.Notification, int64, error) {
	s.mu.RLock()
	matched := make([]*notificationRecord, 0)
	for _, rec := range s.items {
		if rec.n.RecipientID == recipientID && filter.Matches(rec.n) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].n.CreatedAt.Equal(matched[j].n.CreatedAt) {
			return matched[i].n.CreatedAt.After(matched[j].n.CreatedAt)
		}
		return matched[i].seq > matched[j].seq
	})
	if offset < 0 {
		offset = 0
	}
	items := make([]domain.Notification, 0, limit)
	for i := offset; i < len(matched) && len(items) < limit; i++ {
		items = append(items, matched[i].n)
	}
	return items, int64(len(matched)), nil
}

func (s *NotificationStore) GetNotification(_ context.Context, id, recipientID string) (domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok || rec.n.RecipientID != recipientID {
		return domain.Notification{}, fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
	}
	return rec.n, nil
}

func (s *NotificationStore) MarkRead(_ context.Context, recipientID string, ids []string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated int64
	for _, id := range ids {
		rec, ok := s.items[id]
		if !ok || rec.n.RecipientID != recipientID || rec.n.Status != domain.StatusUnread {
			continue
		}
		if err := rec.n.TransitionTo(domain.StatusRead, at); err == nil {
			updated++
		}
	}
	return updated, nil
}

func (s *NotificationStore) MarkAllRead(_ context.Context, recipientID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated int64
	for _, rec := range s.items {
		if rec.n.RecipientID != recipientID || rec.n.Status != domain.StatusUnread {
			continue
		}
		if err := rec.n.TransitionTo(domain.StatusRead, at); err == nil {
			updated++
		}
	}
	return updated, nil
}

func (s *NotificationStore) SaveNotification(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[n.ID]
	if !ok || rec.n.RecipientID != n.RecipientID {
		return fmt.Errorf("%w: notification %s", domain.ErrNotFound, n.ID)
	}
	if rec.n.ReadAt != nil {
		n.ReadAt = rec.n.ReadAt
	}
	rec.n = n
	return nil
}

func (s *NotificationStore) DeleteNotification(_ context.Context, id, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok || rec.n.RecipientID != recipientID {
		return fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
	}
	delete(s.items, id)
	return nil
}

func (s *NotificationStore) Stats(_ context.Context, recipientID string) (domain.NotificationStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := domain.NotificationStats{
		ByType:     map[domain.NotificationType]int64{},
		ByPriority: map[domain.NotificationPriority]int64{},
	}
	for _, rec := range s.items {
		if rec.n.RecipientID != recipientID {
			continue
		}
		stats.Total++
		if rec.n.Status == domain.StatusUnread {
			stats.Unread++
		}
		stats.ByType[rec.n.Type]++
		stats.ByPriority[rec.n.Priority]++
	}
	return stats, nil
}

func (s *NotificationStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, rec := range s.items {
		if rec.n.ExpiredAt(now) {
			delete(s.items, id)
			deleted++
		}
	}
	return deleted, nil
}
