package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type NotificationType string
type NotificationStatus string
type NotificationPriority string

const (
	NotificationOrderCreated       NotificationType = "order_created"
	NotificationOrderUpdated       NotificationType = "order_updated"
	NotificationOrderDeleted       NotificationType = "order_deleted"
	NotificationNewMessage         NotificationType = "new_message"
	NotificationUserJoined         NotificationType = "user_joined"
	NotificationFileUploaded       NotificationType = "file_uploaded"
	NotificationFileDeleted        NotificationType = "file_deleted"
	NotificationInvoiceCreated     NotificationType = "invoice_created"
	NotificationSystemAnnouncement NotificationType = "system_announcement"
)

const (
	StatusUnread   NotificationStatus = "unread"
	StatusRead     NotificationStatus = "read"
	StatusArchived NotificationStatus = "archived"
)

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationOrderCreated, NotificationOrderUpdated, NotificationOrderDeleted,
		NotificationNewMessage, NotificationUserJoined, NotificationFileUploaded,
		NotificationFileDeleted, NotificationInvoiceCreated, NotificationSystemAnnouncement:
		return true
	}
	return false
}

func (s NotificationStatus) rank() int {
	switch s {
	case StatusUnread:
		return 0
	case StatusRead:
		return 1
	case StatusArchived:
		return 2
	default:
		return -1
	}
}

func (s NotificationStatus) Valid() bool {
	return s.rank() >= 0
}

// CanTransitionTo reports whether moving to next keeps the lifecycle monotonic.
func (s NotificationStatus) CanTransitionTo(next NotificationStatus) bool {
	return s.Valid() && next.Valid() && next.rank() >= s.rank()
}

func (p NotificationPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Notification struct {
	ID          string               `json:"id"`
	RecipientID string               `json:"recipient_id"`
	SenderID    *string              `json:"sender_id,omitempty"`
	Type        NotificationType     `json:"type"`
	Status      NotificationStatus   `json:"status"`
	Priority    NotificationPriority `json:"priority"`
	Title       string               `json:"title"`
	Message     string               `json:"message"`
	Metadata    NotificationMetadata `json:"metadata"`
	ActionURL   string               `json:"action_url,omitempty"`
	ActionText  string               `json:"action_text,omitempty"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
	ReadAt      *time.Time           `json:"read_at,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// TransitionTo moves the notification to next. ReadAt is stamped the first
// time the notification reaches read and never cleared afterwards.
func (n *Notification) TransitionTo(next NotificationStatus, now time.Time) error {
	if !n.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: status %s cannot move to %s", ErrValidation, n.Status, next)
	}
	if n.Status == next {
		return nil
	}
	if next == StatusRead && n.ReadAt == nil {
		at := now
		n.ReadAt = &at
	}
	n.Status = next
	n.UpdatedAt = now
	return nil
}

// ExpiredAt reports whether the expiry lies strictly before now. A
// notification expiring exactly at now is still live.
func (n Notification) ExpiredAt(now time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	type alias Notification
	aux := struct {
		*alias
		Metadata json.RawMessage `json:"metadata"`
	}{alias: (*alias)(n)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	md, err := DecodeMetadata(n.Type, aux.Metadata)
	if err != nil {
		return err
	}
	n.Metadata = md
	return nil
}

// NotificationInput describes one notification addressed to one or more
// recipients. Each recipient gets its own stored row.
type NotificationInput struct {
	RecipientIDs []string             `json:"recipient_ids"`
	SenderID     *string              `json:"sender_id,omitempty"`
	Type         NotificationType     `json:"type"`
	Priority     NotificationPriority `json:"priority,omitempty"`
	Title        string               `json:"title"`
	Message      string               `json:"message"`
	Metadata     NotificationMetadata `json:"metadata,omitempty"`
	ActionURL    string               `json:"action_url,omitempty"`
	ActionText   string               `json:"action_text,omitempty"`
	ExpiresAt    *time.Time           `json:"expires_at,omitempty"`
}

// Normalize trims the input, deduplicates recipients and applies the default
// priority. It returns ErrValidation for inputs that cannot be stored.
func (in *NotificationInput) Normalize() error {
	recipients := make([]string, 0, len(in.RecipientIDs))
	seen := map[string]struct{}{}
	for _, id := range in.RecipientIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}
	in.RecipientIDs = recipients
	in.Title = strings.TrimSpace(in.Title)
	in.Message = strings.TrimSpace(in.Message)
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}

	switch {
	case len(in.RecipientIDs) == 0:
		return fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	case !in.Type.Valid():
		return fmt.Errorf("%w: unknown notification type %q", ErrValidation, in.Type)
	case !in.Priority.Valid():
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, in.Priority)
	case in.Title == "":
		return fmt.Errorf("%w: title is required", ErrValidation)
	case in.Message == "":
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	return CheckMetadata(in.Type, in.Metadata)
}

type NotificationPatch struct {
	Status     *NotificationStatus   `json:"status,omitempty"`
	Priority   *NotificationPriority `json:"priority,omitempty"`
	ActionURL  *string               `json:"action_url,omitempty"`
	ActionText *string               `json:"action_text,omitempty"`
	ExpiresAt  *time.Time            `json:"expires_at,omitempty"`
}

// Apply validates the patch and applies it to n in place.
func (p NotificationPatch) Apply(n *Notification, now time.Time) error {
	if p.Priority != nil && !p.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, *p.Priority)
	}
	if p.Status != nil {
		if err := n.TransitionTo(*p.Status, now); err != nil {
			return err
		}
	}
	if p.Priority != nil {
		n.Priority = *p.Priority
	}
	if p.ActionURL != nil {
		n.ActionURL = strings.TrimSpace(*p.ActionURL)
	}
	if p.ActionText != nil {
		n.ActionText = strings.TrimSpace(*p.ActionText)
	}
	if p.ExpiresAt != nil {
		at := *p.ExpiresAt
		n.ExpiresAt = &at
	}
	n.UpdatedAt = now
	return nil
}

// NotificationFilter predicates are conjunctive.
type NotificationFilter struct {
	UnreadOnly bool
	Status     NotificationStatus
	Type       NotificationType
	From       *time.Time
	To         *time.Time
	Search     string
}

func (f NotificationFilter) Matches(n Notification) bool {
	if f.UnreadOnly && n.Status != StatusUnread {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.From != nil && n.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && n.CreatedAt.After(*f.To) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(n.Title), q) && !strings.Contains(strings.ToLower(n.Message), q) {
			return false
		}
	}
	return true
}

type NotificationPage struct {
	Items    []Notification `json:"items"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Total    int64          `json:"total"`
}

type NotificationStats struct {
	Total      int64                          `json:"total"`
	Unread     int64                          `json:"unread"`
	ByType     map[NotificationType]int64     `json:"by_type"`
	ByPriority map[NotificationPriority]int64 `json:"by_priority"`
}
