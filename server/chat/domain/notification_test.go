package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionStampsReadAtOnce(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := Notification{Status: StatusUnread}

	require.NoError(t, n.TransitionTo(StatusRead, t0))
	require.NotNil(t, n.ReadAt)
	assert.Equal(t, t0, *n.ReadAt)

	require.NoError(t, n.TransitionTo(StatusRead, t0.Add(time.Hour)))
	assert.Equal(t, t0, *n.ReadAt)

	require.NoError(t, n.TransitionTo(StatusArchived, t0.Add(2*time.Hour)))
	assert.Equal(t, StatusArchived, n.Status)
	assert.Equal(t, t0, *n.ReadAt)

	err := n.TransitionTo(StatusRead, t0.Add(3*time.Hour))
	assert.ErrorIs(t, err, ErrValidation)
	err = n.TransitionTo(StatusUnread, t0.Add(3*time.Hour))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestArchiveFromUnreadLeavesReadAtNil(t *testing.T) {
	n := Notification{Status: StatusUnread}
	require.NoError(t, n.TransitionTo(StatusArchived, time.Now()))
	assert.Nil(t, n.ReadAt)
}

func TestPatchRejectsBackwardsStatus(t *testing.T) {
	read := StatusRead
	unread := StatusUnread
	n := Notification{Status: StatusUnread, Priority: PriorityNormal}

	require.NoError(t, NotificationPatch{Status: &read}.Apply(&n, time.Now()))
	err := NotificationPatch{Status: &unread}.Apply(&n, time.Now())
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, StatusRead, n.Status)
}

func TestNormalizeInput(t *testing.T) {
	in := NotificationInput{
		RecipientIDs: []string{" A1 ", "M1", "A1", ""},
		Type:         NotificationOrderCreated,
		Title:        " New order ",
		Message:      "ORD-1 created",
		Metadata:     OrderMetadata{OrderID: "ORD-1"},
	}
	require.NoError(t, in.Normalize())
	assert.Equal(t, []string{"A1", "M1"}, in.RecipientIDs)
	assert.Equal(t, PriorityNormal, in.Priority)
	assert.Equal(t, "New order", in.Title)

	bad := in
	bad.Metadata = InvoiceMetadata{InvoiceID: "INV-1"}
	assert.ErrorIs(t, bad.Normalize(), ErrValidation)

	empty := NotificationInput{Type: NotificationOrderCreated, Title: "x", Message: "y"}
	assert.ErrorIs(t, empty.Normalize(), ErrValidation)
}

func TestMetadataDecodesByType(t *testing.T) {
	md, err := DecodeMetadata(NotificationFileUploaded, []byte(`{"order_id":"ORD-1","file":{"filename":"a.pdf","originalname":"permit.pdf"}}`))
	require.NoError(t, err)
	file, ok := md.(FileMetadata)
	require.True(t, ok)
	assert.Equal(t, "permit.pdf", file.File.OriginalName)
	assert.Equal(t, "ORD-1", MetadataOrderID(md))

	md, err = DecodeMetadata(NotificationSystemAnnouncement, []byte(`{"banner":"maintenance"}`))
	require.NoError(t, err)
	assert.Equal(t, AnnouncementMetadata{"banner": "maintenance"}, md)

	md, err = DecodeMetadata(NotificationNewMessage, []byte(`null`))
	require.NoError(t, err)
	assert.Nil(t, md)

	_, err = DecodeMetadata(NotificationType("bogus"), []byte(`{"a":1}`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNotificationJSONKeepsTypedMetadata(t *testing.T) {
	src := Notification{
		ID:       "N1",
		Type:     NotificationInvoiceCreated,
		Status:   StatusUnread,
		Priority: PriorityHigh,
		Metadata: InvoiceMetadata{InvoiceID: "INV-9", Amount: 120.5},
	}
	raw, err := json.Marshal(src)
	require.NoError(t, err)

	var got Notification
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, InvoiceMetadata{InvoiceID: "INV-9", Amount: 120.5}, got.Metadata)
}

func TestFilterIsConjunctive(t *testing.T) {
	now := time.Now()
	n := Notification{Type: NotificationNewMessage, Status: StatusUnread, Title: "New message on ORD-1", CreatedAt: now}

	assert.True(t, NotificationFilter{UnreadOnly: true, Type: NotificationNewMessage, Search: "ord-1"}.Matches(n))
	assert.False(t, NotificationFilter{UnreadOnly: true, Type: NotificationOrderCreated}.Matches(n))
	future := now.Add(time.Minute)
	assert.False(t, NotificationFilter{From: &future}.Matches(n))
	assert.False(t, NotificationFilter{Search: "invoice"}.Matches(n))
}

func TestExpiredAtIsStrict(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	n := Notification{}
	assert.False(t, n.ExpiredAt(now))

	at := now
	n.ExpiresAt = &at
	assert.False(t, n.ExpiredAt(now))
	assert.True(t, n.ExpiredAt(now.Add(time.Nanosecond)))
}
