package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permit_server/server/chat/domain"
	"permit_server/server/chat/realtime"
)

func TestHelloWorldConversation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	hello, err := f.broadcast.SendMessage(ctx, owner, ChatMessageInput{OrderID: "ORD-1", Body: "hello"})
	require.NoError(t, err)
	world, err := f.broadcast.SendMessage(ctx, moderator, ChatMessageInput{OrderID: "ORD-1", Body: "world"})
	require.NoError(t, err)
	assert.Equal(t, domain.SenderTypeUser, hello.SenderType)
	assert.Equal(t, domain.SenderTypeAdmin, world.SenderType)

	pushed := f.pusher.byKind("message")
	require.Len(t, pushed, 2)
	assert.Equal(t, "ORD-1", pushed[0].target)
	assert.Equal(t, "hello", pushed[0].message.Body)
	assert.Equal(t, "world", pushed[1].message.Body)

	thread, err := f.messages.Thread(ctx, "ORD-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, thread.UnreadCount)
	require.NotNil(t, thread.LastMessage)
	assert.Equal(t, "world", thread.LastMessage.Body)

	modNotes, err := f.notes.List(ctx, "M1", domain.NotificationFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, modNotes.Items, 1)
	assert.Equal(t, domain.NotificationNewMessage, modNotes.Items[0].Type)
	ownerNotes, err := f.notes.List(ctx, "U1", domain.NotificationFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, ownerNotes.Items, 1)

	flagged, err := f.broadcast.MarkThreadRead(ctx, "ORD-1", owner)
	require.NoError(t, err)
	assert.EqualValues(t, 1, flagged)
	reads := f.pusher.byKind("read")
	require.Len(t, reads, 1)
	assert.Equal(t, "U1", reads[0].reader.ID)

	assert.Equal(t, []string{EventMessageCreated, EventMessageCreated, EventThreadRead}, f.events.keys())
}

func TestSendMessageIsDurableBeforePush(t *testing.T) {
	f := newFixture()
	f.pusher.onPush = func(c pushCall) {
		if c.kind != "message" {
			return
		}
		_, err := f.messageStore.GetMessage(context.Background(), c.message.ID)
		assert.NoError(t, err, "message must be stored before it is pushed")
	}
	_, err := f.broadcast.SendMessage(context.Background(), owner, ChatMessageInput{OrderID: "ORD-1", Body: "hi"})
	require.NoError(t, err)
}

func TestSendMessageFailureSkipsSideEffects(t *testing.T) {
	f := newFixture()
	_, err := f.broadcast.SendMessage(context.Background(), owner, ChatMessageInput{OrderID: "ORD-404", Body: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.pusher.byKind("message"))
	assert.Empty(t, f.events.keys())
}

func TestSideEffectFailuresDoNotFailSend(t *testing.T) {
	f := newFixture()
	f.mailer.err = errBoom
	f.events.err = errBoom
	msg, err := f.broadcast.SendMessage(context.Background(), owner, ChatMessageInput{OrderID: "ORD-1", Body: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
}

func TestSendMessageDeduplicatesClientID(t *testing.T) {
	f := newFixture()
	f.broadcast.UseDeduper(&memoryDeduper{})
	ctx := context.Background()

	_, err := f.broadcast.SendMessage(ctx, owner, ChatMessageInput{OrderID: "ORD-1", Body: "hi", ClientMsgID: "c-1"})
	require.NoError(t, err)
	_, err = f.broadcast.SendMessage(ctx, owner, ChatMessageInput{OrderID: "ORD-1", Body: "hi", ClientMsgID: "c-1"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.broadcast.SendMessage(ctx, owner, ChatMessageInput{OrderID: "ORD-404", Body: "hi", ClientMsgID: "c-2"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	f.upstream.mu.Lock()
	f.upstream.orders["ORD-404"] = domain.OrderRef{ID: "ORD-404", OwnerID: "U1"}
	f.upstream.mu.Unlock()
	_, err = f.broadcast.SendMessage(ctx, owner, ChatMessageInput{OrderID: "ORD-404", Body: "hi", ClientMsgID: "c-2"})
	require.NoError(t, err, "a failed send releases its client id")

	thread, err := f.messages.Thread(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Len(t, thread.MessageIDs, 1)
}

func TestDeleteMessagePushesOrderUpdate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	msg, err := f.broadcast.SendMessage(ctx, owner, ChatMessageInput{OrderID: "ORD-1", Body: "oops"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.broadcast.DeleteMessage(ctx, msg.ID, moderator), domain.ErrForbidden)
	assert.Empty(t, f.pusher.byKind("order"))

	require.NoError(t, f.broadcast.DeleteMessage(ctx, msg.ID, owner))
	updates := f.pusher.byKind("order")
	require.Len(t, updates, 1)
	assert.Equal(t, domain.OrderActionMessageDeleted, updates[0].update.Action)
	assert.Equal(t, msg.ID, updates[0].update.Message)
}

func TestOrderCreatedWritesSystemMessageAndNotifiesStaff(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order := domain.OrderRef{ID: "ORD-2", Number: "1002", Status: "draft", OwnerID: "U1", OwnerEmail: "owner@example.com"}

	msg, err := f.broadcast.OrderCreated(ctx, order, &owner)
	require.NoError(t, err)
	assert.Equal(t, domain.SenderTypeSystem, msg.SenderType)
	assert.Nil(t, msg.SenderID)

	stats, err := f.notes.Stats(ctx, "A1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ByType[domain.NotificationOrderCreated])

	updates := f.pusher.byKind("order")
	require.Len(t, updates, 1)
	assert.Equal(t, domain.OrderActionCreated, updates[0].update.Action)
	assert.Contains(t, f.events.keys(), EventOrderCreated)
}

func TestOrderStatusChangedAnnouncesModerator(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order := testOrder
	order.Status = "in_review"

	_, err := f.broadcast.OrderStatusChanged(ctx, order, "pending", true, &moderator)
	require.NoError(t, err)

	stats, err := f.notes.Stats(ctx, "U1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ByType[domain.NotificationOrderUpdated])
	assert.EqualValues(t, 1, stats.ByType[domain.NotificationUserJoined])

	cached, err := f.orders.FindOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "in_review", cached.Status)
}

func TestOrderDeletedForgetsOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	order := domain.OrderRef{ID: "ORD-3", OwnerID: "U1"}
	_, err := f.broadcast.OrderCreated(ctx, order, nil)
	require.NoError(t, err)

	require.NoError(t, f.broadcast.OrderDeleted(ctx, order, &admin))
	found, err := f.orders.FindOrder(ctx, "ORD-3")
	require.NoError(t, err)
	assert.Nil(t, found)

	stats, err := f.notes.Stats(ctx, "U1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ByType[domain.NotificationOrderDeleted])
}

func TestFileUploadedStoresAttachmentMessage(t *testing.T) {
	f := newFixture()
	file := domain.FileRef{Filename: "a1.pdf", OriginalName: "permit.pdf", ContentType: "application/pdf", Size: 2048}

	msg, err := f.broadcast.FileUploaded(context.Background(), testOrder, file, moderator)
	require.NoError(t, err)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "permit.pdf", msg.Attachment.OriginalName)

	stats, err := f.notes.Stats(context.Background(), "U1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ByType[domain.NotificationFileUploaded])

	_, err = f.broadcast.FileDeleted(context.Background(), testOrder, file, owner)
	require.NoError(t, err)
	stats, err = f.notes.Stats(context.Background(), "M1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ByType[domain.NotificationFileDeleted])
}

func TestInvoiceCreatedNotifiesOwner(t *testing.T) {
	f := newFixture()
	invoice := domain.InvoiceRef{ID: "INV-1", Number: "2026-01", OrderID: "ORD-1", OwnerID: "U1", OwnerEmail: "owner@example.com", Amount: 120.5, Currency: "EUR"}

	require.NoError(t, f.broadcast.InvoiceCreated(context.Background(), invoice, &admin))
	page, err := f.notes.List(context.Background(), "U1", domain.NotificationFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, domain.PriorityHigh, page.Items[0].Priority)
	updates := f.pusher.byKind("order")
	require.Len(t, updates, 1)
	assert.Equal(t, domain.OrderActionInvoiced, updates[0].update.Action)

	assert.ErrorIs(t, f.broadcast.InvoiceCreated(context.Background(), domain.InvoiceRef{}, nil), domain.ErrValidation)
}

type sinkConn struct{ id string }

func (c sinkConn) ID() string               { return c.id }
func (c sinkConn) Send(realtime.Event) bool { return true }
func (c sinkConn) Close()                   {}

func TestSocketMarkReadPublishesThreadRead(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.broadcast.SendMessage(ctx, owner, ChatMessageInput{OrderID: "ORD-1", Body: "hello"})
	require.NoError(t, err)

	coordinator := realtime.NewCoordinator(realtime.NewHub(), nil, realtime.Options{PersistMarkRead: true})
	coordinator.UseReadMarker(f.broadcast)
	session := coordinator.Connect(moderator, sinkConn{id: "conn-1"})
	coordinator.Handle(ctx, session, []byte(`{"type":"join-order-room","order_id":"ORD-1"}`))
	coordinator.Handle(ctx, session, []byte(`{"type":"mark-read","order_id":"ORD-1"}`))

	assert.Contains(t, f.events.keys(), EventThreadRead)
	reads := f.pusher.byKind("read")
	require.Len(t, reads, 1)
	assert.Equal(t, moderator.ID, reads[0].reader.ID)

	thread, err := f.messages.Thread(ctx, "ORD-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, thread.UnreadCount)
}
