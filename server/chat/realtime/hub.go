package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"permit_server/server/chat/domain"
	commonlog "permit_server/server/common/log"
	"permit_server/server/common/metrics"
)

const realtimeEventsChannel = "permit:realtime:events"

const (
	relayKindRoom     = "room"
	relayKindIdentity = "identity"
)

// Hub owns the connection registry and the room tracker and delivers events to
// the connections held by this process. With Redis attached, room and identity
// pushes are relayed through one pub/sub channel so every instance delivers to
// its own connections.
type Hub struct {
	registry *Registry
	rooms    *Rooms

	mu        sync.RWMutex
	redis     *redis.Client
	redisSub  *redis.PubSub
	subCancel context.CancelFunc
}

type relayEvent struct {
	Kind       string `json:"kind"`
	OrderID    string `json:"order_id,omitempty"`
	IdentityID string `json:"identity_id,omitempty"`
	Exclude    string `json:"exclude,omitempty"`
	Event      Event  `json:"event"`
}

type relayedEvent struct {
	Kind       string `json:"kind"`
	OrderID    string `json:"order_id,omitempty"`
	IdentityID string `json:"identity_id,omitempty"`
	Exclude    string `json:"exclude,omitempty"`
	Event      struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data,omitempty"`
	} `json:"event"`
}

func NewHub() *Hub {
	return &Hub{registry: NewRegistry(), rooms: NewRooms()}
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) Rooms() *Rooms { return h.rooms }

func (h *Hub) UseRedis(client *redis.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redis = client
}

func (h *Hub) StartRedisSubscriber(ctx context.Context) error {
	h.mu.Lock()
	if h.redis == nil {
		h.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if h.redisSub != nil {
		h.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := h.redis.Subscribe(subCtx, realtimeEventsChannel)
	h.redisSub = sub
	h.subCancel = cancel
	h.mu.Unlock()

	go h.consumeEvents(subCtx, sub)
	return nil
}

func (h *Hub) StopRedisSubscriber() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subCancel != nil {
		h.subCancel()
		h.subCancel = nil
	}
	if h.redisSub != nil {
		_ = h.redisSub.Close()
		h.redisSub = nil
	}
}

func (h *Hub) Register(identity domain.Identity, conn Conn) {
	h.registry.Register(identity, conn)
	metrics.ConnectionsOpen.Set(float64(h.registry.Count()))
}

func (h *Hub) Unregister(identityID, connID string) bool {
	offline := h.registry.Unregister(identityID, connID)
	metrics.ConnectionsOpen.Set(float64(h.registry.Count()))
	return offline
}

func (h *Hub) JoinRoom(orderID, identityID, connID string) bool {
	entered := h.rooms.Join(orderID, identityID, connID)
	metrics.RoomsActive.Set(float64(h.rooms.Len()))
	return entered
}

func (h *Hub) LeaveRoom(orderID, identityID, connID string) bool {
	left := h.rooms.Leave(orderID, identityID, connID)
	metrics.RoomsActive.Set(float64(h.rooms.Len()))
	return left
}

func (h *Hub) IsOnline(identityID string) bool {
	return h.registry.IsOnline(identityID)
}

// BroadcastMessage pushes a stored chat message to every live connection of
// every identity in the order's room.
func (h *Hub) BroadcastMessage(ctx context.Context, orderID string, message domain.ChatMessage) {
	h.EmitRoom(ctx, orderID, "", Event{Type: EventNewMessage, Data: MessageSignal{
		OrderID:   orderID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}})
}

func (h *Hub) BroadcastOrderUpdate(ctx context.Context, orderID string, update domain.OrderUpdate) {
	h.EmitRoom(ctx, orderID, "", Event{Type: EventOrderUpdated, Data: OrderSignal{
		OrderID:   orderID,
		Update:    update,
		Timestamp: time.Now().UTC(),
	}})
}

// BroadcastRead tells the reader's room peers that the thread was read.
func (h *Hub) BroadcastRead(ctx context.Context, orderID string, reader domain.Identity) {
	h.EmitRoom(ctx, orderID, reader.ID, Event{Type: EventMessageRead, Data: MemberSignal{
		Identity:  reader,
		OrderID:   orderID,
		Timestamp: time.Now().UTC(),
	}})
}

// PushNotification reaches every connection of the recipient regardless of rooms.
func (h *Hub) PushNotification(ctx context.Context, recipientID string, n domain.Notification) {
	h.PushIdentity(ctx, recipientID, Event{Type: EventNotification, Data: n})
}

// EmitRoom delivers ev to the room's members except excludeIdentity.
func (h *Hub) EmitRoom(ctx context.Context, orderID, excludeIdentity string, ev Event) {
	if h.publish(ctx, relayEvent{Kind: relayKindRoom, OrderID: orderID, Exclude: excludeIdentity, Event: ev}) {
		return
	}
	fanout := h.emitRoomLocal(orderID, excludeIdentity, ev)
	commonlog.Debugf("event=realtime_hub action=local_dispatch kind=%s type=%s order_id=%s fanout_count=%d", relayKindRoom, ev.Type, orderID, fanout)
}

func (h *Hub) PushIdentity(ctx context.Context, identityID string, ev Event) {
	if h.publish(ctx, relayEvent{Kind: relayKindIdentity, IdentityID: identityID, Event: ev}) {
		return
	}
	fanout := h.pushIdentityLocal(identityID, ev)
	commonlog.Debugf("event=realtime_hub action=local_dispatch kind=%s type=%s identity_id=%s fanout_count=%d", relayKindIdentity, ev.Type, identityID, fanout)
}

// CloseAll closes every connection held by this process.
func (h *Hub) CloseAll() {
	for _, conn := range h.registry.all() {
		conn.Close()
	}
}

func (h *Hub) emitRoomLocal(orderID, excludeIdentity string, ev Event) int {
	count := 0
	for _, identityID := range h.rooms.MembersOf(orderID) {
		if identityID == excludeIdentity {
			continue
		}
		count += h.pushIdentityLocal(identityID, ev)
	}
	return count
}

func (h *Hub) pushIdentityLocal(identityID string, ev Event) int {
	count := 0
	for _, conn := range h.registry.ConnectionsFor(identityID) {
		if conn.Send(ev) {
			count++
		} else {
			metrics.FramesDropped.Inc()
		}
	}
	return count
}

func (h *Hub) publish(ctx context.Context, event relayEvent) bool {
	h.mu.RLock()
	redisClient := h.redis
	subscribed := h.redisSub != nil
	h.mu.RUnlock()
	if redisClient == nil || !subscribed {
		return false
	}
	b, err := json.Marshal(event)
	if err != nil {
		commonlog.Errorf("event=realtime_hub action=publish status=failed kind=%s type=%s error=%v", event.Kind, event.Event.Type, err)
		return false
	}
	if err := redisClient.Publish(context.WithoutCancel(ctx), realtimeEventsChannel, b).Err(); err != nil {
		commonlog.Warnf("event=realtime_hub action=publish status=failed kind=%s type=%s error=%v", event.Kind, event.Event.Type, err)
		return false
	}
	return true
}

func (h *Hub) consumeEvents(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				commonlog.Warnf("event=realtime_hub action=consume status=stopped error=%v", err)
			}
			return
		}
		var event relayedEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			commonlog.Warnf("event=realtime_hub action=consume status=invalid error=%v", err)
			continue
		}
		ev := Event{Type: event.Event.Type}
		if len(event.Event.Data) > 0 {
			ev.Data = event.Event.Data
		}
		switch event.Kind {
		case relayKindRoom:
			fanout := h.emitRoomLocal(event.OrderID, event.Exclude, ev)
			commonlog.Debugf("event=realtime_hub action=consume status=ok kind=%s type=%s order_id=%s fanout_count=%d", event.Kind, ev.Type, event.OrderID, fanout)
		case relayKindIdentity:
			fanout := h.pushIdentityLocal(event.IdentityID, ev)
			commonlog.Debugf("event=realtime_hub action=consume status=ok kind=%s type=%s identity_id=%s fanout_count=%d", event.Kind, ev.Type, event.IdentityID, fanout)
		}
	}
}
