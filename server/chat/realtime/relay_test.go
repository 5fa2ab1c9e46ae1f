package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permit_server/server/chat/domain"
)

func newRelayHub(t *testing.T, mr *miniredis.Miniredis) *Hub {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })

	hub := NewHub()
	hub.UseRedis(client)
	require.NoError(t, hub.StartRedisSubscriber(context.Background()))
	t.Cleanup(hub.StopRedisSubscriber)
	return hub
}

func waitForSubscribers(t *testing.T, mr *miniredis.Miniredis, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(realtimeEventsChannel)[realtimeEventsChannel] == n
	}, 3*time.Second, 10*time.Millisecond)
}

func eventually(t *testing.T, conn *fakeConn, eventType string, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.ofType(eventType)) >= n }, 3*time.Second, 10*time.Millisecond)
	return conn.ofType(eventType)
}

func TestRedisRelayDeliversAcrossHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	nodeA := newRelayHub(t, mr)
	nodeB := newRelayHub(t, mr)
	waitForSubscribers(t, mr, 2)

	ownerConn := newFakeConn("a-1")
	nodeA.Register(owner, ownerConn)
	nodeA.JoinRoom("ORD-1", owner.ID, ownerConn.ID())

	modConn := newFakeConn("b-1")
	nodeB.Register(moderator, modConn)
	nodeB.JoinRoom("ORD-1", moderator.ID, modConn.ID())

	ctx := context.Background()
	nodeA.BroadcastMessage(ctx, "ORD-1", domain.ChatMessage{ID: "m1", OrderID: "ORD-1", Body: "hello"})

	onB := eventually(t, modConn, EventNewMessage, 1)
	raw, ok := onB[0].Data.(json.RawMessage)
	require.True(t, ok)
	var signal MessageSignal
	require.NoError(t, json.Unmarshal(raw, &signal))
	assert.Equal(t, "ORD-1", signal.OrderID)
	assert.Equal(t, "hello", signal.Message.Body)
	eventually(t, ownerConn, EventNewMessage, 1)

	nodeB.PushNotification(ctx, owner.ID, domain.Notification{ID: "n1", RecipientID: owner.ID, Type: domain.NotificationNewMessage})
	eventually(t, ownerConn, EventNotification, 1)
	assert.Empty(t, modConn.ofType(EventNotification))
}

func TestRedisRelayHonoursRoomExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	nodeA := newRelayHub(t, mr)
	nodeB := newRelayHub(t, mr)
	waitForSubscribers(t, mr, 2)

	readerConn := newFakeConn("a-1")
	nodeA.Register(moderator, readerConn)
	nodeA.JoinRoom("ORD-1", moderator.ID, readerConn.ID())
	peerConn := newFakeConn("b-1")
	nodeB.Register(owner, peerConn)
	nodeB.JoinRoom("ORD-1", owner.ID, peerConn.ID())

	ctx := context.Background()
	nodeA.BroadcastRead(ctx, "ORD-1", moderator)
	nodeA.EmitRoom(ctx, "ORD-1", "", Event{Type: EventPong})

	eventually(t, peerConn, EventMessageRead, 1)
	eventually(t, readerConn, EventPong, 1)
	assert.Empty(t, readerConn.ofType(EventMessageRead))
}

func TestHubFallsBackToLocalDeliveryWithoutSubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })

	hub := NewHub()
	hub.UseRedis(client)
	conn := newFakeConn("c1")
	hub.Register(owner, conn)

	hub.PushIdentity(context.Background(), owner.ID, Event{Type: EventPong})
	assert.Len(t, conn.ofType(EventPong), 1)

	require.NoError(t, hub.StartRedisSubscriber(context.Background()))
	waitForSubscribers(t, mr, 1)
	hub.StopRedisSubscriber()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(realtimeEventsChannel)[realtimeEventsChannel] == 0
	}, 3*time.Second, 10*time.Millisecond)

	hub.PushIdentity(context.Background(), owner.ID, Event{Type: EventPong})
	assert.Len(t, conn.ofType(EventPong), 2)
}

func TestStartRedisSubscriberRequiresClient(t *testing.T) {
	assert.Error(t, NewHub().StartRedisSubscriber(context.Background()))
}
