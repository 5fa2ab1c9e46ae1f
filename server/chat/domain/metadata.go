package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NotificationMetadata is the typed payload attached to a notification. The
// concrete type is fixed by the notification type; see MetadataKind.
type NotificationMetadata interface {
	metadataKind() string
}

type OrderMetadata struct {
	OrderID        string `json:"order_id"`
	OrderNumber    string `json:"order_number,omitempty"`
	Status         string `json:"status,omitempty"`
	PreviousStatus string `json:"previous_status,omitempty"`
}

type MessageMetadata struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number,omitempty"`
	MessageID   string `json:"message_id"`
	Preview     string `json:"preview,omitempty"`
}

type MemberMetadata struct {
	OrderID  string `json:"order_id"`
	MemberID string `json:"member_id"`
	Email    string `json:"email,omitempty"`
}

type FileMetadata struct {
	OrderID     string  `json:"order_id"`
	OrderNumber string  `json:"order_number,omitempty"`
	File        FileRef `json:"file"`
}

type InvoiceMetadata struct {
	InvoiceID     string  `json:"invoice_id"`
	InvoiceNumber string  `json:"invoice_number,omitempty"`
	OrderID       string  `json:"order_id,omitempty"`
	Amount        float64 `json:"amount,omitempty"`
	Currency      string  `json:"currency,omitempty"`
}

// AnnouncementMetadata is an open bag, only valid on system announcements.
type AnnouncementMetadata map[string]any

func (OrderMetadata) metadataKind() string        { return "order" }
func (MessageMetadata) metadataKind() string      { return "message" }
func (MemberMetadata) metadataKind() string       { return "member" }
func (FileMetadata) metadataKind() string         { return "file" }
func (InvoiceMetadata) metadataKind() string      { return "invoice" }
func (AnnouncementMetadata) metadataKind() string { return "announcement" }

// MetadataKind names the metadata shape a notification type carries.
func MetadataKind(t NotificationType) string {
	switch t {
	case NotificationOrderCreated, NotificationOrderUpdated, NotificationOrderDeleted:
		return "order"
	case NotificationNewMessage:
		return "message"
	case NotificationUserJoined:
		return "member"
	case NotificationFileUploaded, NotificationFileDeleted:
		return "file"
	case NotificationInvoiceCreated:
		return "invoice"
	case NotificationSystemAnnouncement:
		return "announcement"
	default:
		return ""
	}
}

// CheckMetadata rejects metadata whose shape does not belong to t. Nil metadata
// is always accepted.
func CheckMetadata(t NotificationType, md NotificationMetadata) error {
	if md == nil {
		return nil
	}
	if want := MetadataKind(t); md.metadataKind() != want {
		return fmt.Errorf("%w: %s metadata on %s notification", ErrValidation, md.metadataKind(), t)
	}
	return nil
}

// DecodeMetadata decodes raw JSON into the metadata shape owned by t.
func DecodeMetadata(t NotificationType, raw []byte) (NotificationMetadata, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}")) {
		return nil, nil
	}

	var (
		md  NotificationMetadata
		err error
	)
	switch MetadataKind(t) {
	case "order":
		var v OrderMetadata
		err = json.Unmarshal(raw, &v)
		md = v
	case "message":
		var v MessageMetadata
		err = json.Unmarshal(raw, &v)
		md = v
	case "member":
		var v MemberMetadata
		err = json.Unmarshal(raw, &v)
		md = v
	case "file":
		var v FileMetadata
		err = json.Unmarshal(raw, &v)
		md = v
	case "invoice":
		var v InvoiceMetadata
		err = json.Unmarshal(raw, &v)
		md = v
	case "announcement":
		v := AnnouncementMetadata{}
		err = json.Unmarshal(raw, &v)
		md = v
	default:
		return nil, fmt.Errorf("%w: unknown notification type %q", ErrValidation, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: metadata for %s: %v", ErrValidation, t, err)
	}
	return md, nil
}

// MetadataOrderID extracts the related order id, if the shape has one.
func MetadataOrderID(md NotificationMetadata) string {
	switch v := md.(type) {
	case OrderMetadata:
		return v.OrderID
	case MessageMetadata:
		return v.OrderID
	case MemberMetadata:
		return v.OrderID
	case FileMetadata:
		return v.OrderID
	case InvoiceMetadata:
		return v.OrderID
	}
	return ""
}
