package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// Identity is the authenticated principal decoded from an access token.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

func (i Identity) IsStaff() bool {
	return i.Role == RoleAdmin || i.Role == RoleModerator
}

type MessageType string
type SenderType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeSystem MessageType = "system"
)

const (
	SenderTypeUser   SenderType = "user"
	SenderTypeAdmin  SenderType = "admin"
	SenderTypeSystem SenderType = "system"
)

func (t SenderType) Valid() bool {
	switch t {
	case SenderTypeUser, SenderTypeAdmin, SenderTypeSystem:
		return true
	}
	return false
}

// SenderTypeFor maps a human sender's role onto the sender type stored on the message.
func SenderTypeFor(role Role) SenderType {
	switch role {
	case RoleAdmin, RoleModerator:
		return SenderTypeAdmin
	case RoleSystem:
		return SenderTypeSystem
	default:
		return SenderTypeUser
	}
}

// FileRef is file metadata produced by the external blob store. The chat core
// never inspects the referenced content.
type FileRef struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalname"`
	ContentType  string `json:"content_type,omitempty"`
	Size         int64  `json:"size,omitempty"`
	ObjectKey    string `json:"object_key,omitempty"`
}

type ChatMessage struct {
	ID          string      `json:"id"`
	OrderID     string      `json:"order_id"`
	SenderID    *string     `json:"sender_id"`
	Body        string      `json:"body"`
	MessageType MessageType `json:"message_type"`
	SenderType  SenderType  `json:"sender_type"`
	Attachment  *FileRef    `json:"attachment,omitempty"`
	IsRead      bool        `json:"is_read"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (m ChatMessage) SentBy(identityID string) bool {
	return m.SenderID != nil && *m.SenderID == identityID
}

// OrderChatThread is the per-order aggregate. UnreadCount is a single shared
// counter, not a per-reader value.
type OrderChatThread struct {
	OrderID       string       `json:"order_id"`
	MessageIDs    []string     `json:"message_ids"`
	LastMessageID *string      `json:"last_message_id"`
	LastMessage   *ChatMessage `json:"last_message,omitempty"`
	UnreadCount   int64        `json:"unread_count"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type MessagePage struct {
	Items    []ChatMessage `json:"items"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Total    int64         `json:"total"`
}

// OrderRef is the slice of an order the chat core reads from the back office.
type OrderRef struct {
	ID             string `json:"id"`
	Number         string `json:"order_number"`
	Status         string `json:"status"`
	OwnerID        string `json:"owner_id"`
	OwnerEmail     string `json:"owner_email"`
	ModeratorID    string `json:"moderator_id,omitempty"`
	ModeratorEmail string `json:"moderator_email,omitempty"`
}

type InvoiceRef struct {
	ID         string  `json:"id"`
	Number     string  `json:"invoice_number"`
	OrderID    string  `json:"order_id,omitempty"`
	OwnerID    string  `json:"owner_id"`
	OwnerEmail string  `json:"owner_email"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency,omitempty"`
}

// Contact is a directory entry used to address notifications and email.
type Contact struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// OrderUpdate is pushed to an order room for non-chat state changes.
type OrderUpdate struct {
	OrderID   string    `json:"order_id"`
	Action    string    `json:"action"`
	Status    string    `json:"status,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	OrderActionCreated        = "created"
	OrderActionStatusChanged  = "status_changed"
	OrderActionDeleted        = "deleted"
	OrderActionFileUploaded   = "file_uploaded"
	OrderActionFileDeleted    = "file_deleted"
	OrderActionInvoiced       = "invoice_created"
	OrderActionMessageDeleted = "message_deleted"
)
