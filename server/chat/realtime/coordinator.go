package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"permit_server/server/chat/domain"
	commonlog "permit_server/server/common/log"
	"permit_server/server/common/metrics"
)

const (
	defaultMaxRoomsPerConn = 50
	defaultEventsPerSecond = 20
	defaultEventBurst      = 40
)

type tokenAuth interface {
	ParseAuthContext(token string) (userID, email, role string, err error)
}

// ReadMarker persists a thread read and relays message-read to the room
// itself. Used only when mark-read signals are configured to be durable.
type ReadMarker interface {
	MarkThreadRead(ctx context.Context, orderID string, reader domain.Identity) (int64, error)
}

// OrderAccess decides whether an identity may see an order's chat room.
type OrderAccess interface {
	Authorize(ctx context.Context, orderID string, identity domain.Identity) error
}

type Options struct {
	MaxRoomsPerConn int
	EventsPerSecond float64
	EventBurst      int
	PersistMarkRead bool
}

type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unauthenticated"
	}
}

// Session is the per-connection state machine. Events of one session are
// handled by a single goroutine, so peers observe them in the order sent.
type Session struct {
	identity domain.Identity
	conn     Conn
	limiter  *rate.Limiter

	mu    sync.Mutex
	state SessionState
	rooms map[string]struct{}
}

func (s *Session) Identity() domain.Identity { return s.identity }

func (s *Session) ConnID() string { return s.conn.ID() }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for orderID := range s.rooms {
		out = append(out, orderID)
	}
	return out
}

func (s *Session) inRoom(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[orderID]
	return ok
}

// Coordinator drives handshake, room membership, typing and read signals on
// top of the hub.
type Coordinator struct {
	hub    *Hub
	auth   tokenAuth
	opts   Options
	marker ReadMarker
	access OrderAccess
}

func NewCoordinator(hub *Hub, auth tokenAuth, opts Options) *Coordinator {
	if opts.MaxRoomsPerConn <= 0 {
		opts.MaxRoomsPerConn = defaultMaxRoomsPerConn
	}
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = defaultEventsPerSecond
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = defaultEventBurst
	}
	return &Coordinator{hub: hub, auth: auth, opts: opts}
}

func (c *Coordinator) UseReadMarker(marker ReadMarker) {
	c.marker = marker
}

func (c *Coordinator) UseOrderAccess(access OrderAccess) {
	c.access = access
}

func (c *Coordinator) Hub() *Hub { return c.hub }

// Authenticate verifies the bearer credential presented at handshake.
func (c *Coordinator) Authenticate(token string) (domain.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing bearer credential", domain.ErrUnauthenticated)
	}
	userID, email, role, err := c.auth.ParseAuthContext(token)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(role) == "" {
		return domain.Identity{}, fmt.Errorf("%w: credential lacks id or role", domain.ErrUnauthenticated)
	}
	return domain.Identity{ID: userID, Email: email, Role: domain.Role(role)}, nil
}

// Connect registers an authenticated connection and greets it.
func (c *Coordinator) Connect(identity domain.Identity, conn Conn) *Session {
	s := &Session{
		identity: identity,
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(c.opts.EventsPerSecond), c.opts.EventBurst),
		state:    StateAuthenticated,
		rooms:    map[string]struct{}{},
	}
	c.hub.Register(identity, conn)
	conn.Send(Event{Type: EventConnected, Data: ConnectedSignal{ConnectionID: conn.ID(), Identity: identity}})
	commonlog.Infof("event=realtime_session action=connect status=ok identity_id=%s role=%s conn_id=%s", identity.ID, identity.Role, conn.ID())
	return s
}

// Handle processes one raw inbound frame. Failures are logged and reported to
// the sender; the connection stays open.
func (c *Coordinator) Handle(ctx context.Context, s *Session, raw []byte) {
	if s.State() != StateAuthenticated {
		return
	}
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		c.reject(s, "", "", "invalid_frame", "malformed event frame")
		return
	}
	in.Type = strings.TrimSpace(in.Type)
	in.OrderID = strings.TrimSpace(in.OrderID)

	if !s.limiter.Allow() {
		c.reject(s, in.Type, in.OrderID, "rate_limited", "too many events")
		return
	}

	switch in.Type {
	case EventJoinOrderRoom:
		c.join(ctx, s, in.OrderID)
	case EventLeaveOrderRoom:
		c.leave(s, in.OrderID)
	case EventTypingStart, EventTypingStop:
		c.typing(ctx, s, in.OrderID, in.Type == EventTypingStart)
	case EventMarkRead:
		c.markRead(ctx, s, in.OrderID)
	case EventPing:
		s.conn.Send(Event{Type: EventPong, Data: map[string]time.Time{"timestamp": time.Now().UTC()}})
		metrics.EventsReceived.WithLabelValues(in.Type, "ok").Inc()
	default:
		c.reject(s, in.Type, in.OrderID, "unknown", "unknown event type")
	}
}

func (c *Coordinator) join(ctx context.Context, s *Session, orderID string) {
	if orderID == "" {
		commonlog.Warnf("event=realtime_room action=join status=ignored reason=missing_order_id identity_id=%s conn_id=%s", s.identity.ID, s.conn.ID())
		metrics.EventsReceived.WithLabelValues(EventJoinOrderRoom, "ignored").Inc()
		return
	}
	if c.access != nil {
		if err := c.access.Authorize(ctx, orderID, s.identity); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				c.reject(s, EventJoinOrderRoom, orderID, "not_found", "order not found")
				return
			}
			commonlog.Errorf("event=realtime_room action=authorize status=failed identity_id=%s order_id=%s error=%v", s.identity.ID, orderID, err)
			c.reject(s, EventJoinOrderRoom, orderID, "failed", "failed to verify order access")
			return
		}
	}
	s.mu.Lock()
	if _, ok := s.rooms[orderID]; ok {
		s.mu.Unlock()
		metrics.EventsReceived.WithLabelValues(EventJoinOrderRoom, "ok").Inc()
		return
	}
	if len(s.rooms) >= c.opts.MaxRoomsPerConn {
		s.mu.Unlock()
		c.reject(s, EventJoinOrderRoom, orderID, "room_limit", fmt.Sprintf("a connection may join at most %d rooms", c.opts.MaxRoomsPerConn))
		return
	}
	s.rooms[orderID] = struct{}{}
	s.mu.Unlock()

	if c.hub.JoinRoom(orderID, s.identity.ID, s.conn.ID()) {
		c.hub.EmitRoom(ctx, orderID, s.identity.ID, Event{Type: EventUserJoinedOrder, Data: MemberSignal{
			Identity:  s.identity,
			OrderID:   orderID,
			Timestamp: time.Now().UTC(),
		}})
	}
	metrics.EventsReceived.WithLabelValues(EventJoinOrderRoom, "ok").Inc()
	commonlog.Debugf("event=realtime_room action=join status=ok identity_id=%s conn_id=%s order_id=%s", s.identity.ID, s.conn.ID(), orderID)
}

func (c *Coordinator) leave(s *Session, orderID string) {
	if orderID == "" {
		commonlog.Warnf("event=realtime_room action=leave status=ignored reason=missing_order_id identity_id=%s conn_id=%s", s.identity.ID, s.conn.ID())
		metrics.EventsReceived.WithLabelValues(EventLeaveOrderRoom, "ignored").Inc()
		return
	}
	s.mu.Lock()
	_, ok := s.rooms[orderID]
	delete(s.rooms, orderID)
	s.mu.Unlock()
	if ok {
		c.leaveRoom(s, orderID)
	}
	metrics.EventsReceived.WithLabelValues(EventLeaveOrderRoom, "ok").Inc()
}

func (c *Coordinator) leaveRoom(s *Session, orderID string) {
	if !c.hub.LeaveRoom(orderID, s.identity.ID, s.conn.ID()) {
		return
	}
	c.hub.EmitRoom(context.Background(), orderID, s.identity.ID, Event{Type: EventUserLeftOrder, Data: MemberSignal{
		Identity:  s.identity,
		OrderID:   orderID,
		Timestamp: time.Now().UTC(),
	}})
	commonlog.Debugf("event=realtime_room action=leave status=ok identity_id=%s conn_id=%s order_id=%s", s.identity.ID, s.conn.ID(), orderID)
}

func (c *Coordinator) typing(ctx context.Context, s *Session, orderID string, isTyping bool) {
	eventType := EventTypingStop
	if isTyping {
		eventType = EventTypingStart
	}
	if !c.requireRoom(s, eventType, orderID) {
		return
	}
	c.hub.EmitRoom(ctx, orderID, s.identity.ID, Event{Type: EventUserTyping, Data: TypingSignal{
		Identity: s.identity,
		OrderID:  orderID,
		IsTyping: isTyping,
	}})
	metrics.EventsReceived.WithLabelValues(eventType, "ok").Inc()
}

func (c *Coordinator) markRead(ctx context.Context, s *Session, orderID string) {
	if !c.requireRoom(s, EventMarkRead, orderID) {
		return
	}
	if c.opts.PersistMarkRead && c.marker != nil {
		if _, err := c.marker.MarkThreadRead(ctx, orderID, s.identity); err != nil {
			commonlog.Errorf("event=realtime_read action=persist status=failed identity_id=%s order_id=%s error=%v", s.identity.ID, orderID, err)
			c.reject(s, EventMarkRead, orderID, "failed", "failed to mark thread read")
			return
		}
		metrics.EventsReceived.WithLabelValues(EventMarkRead, "ok").Inc()
		return
	}
	c.hub.EmitRoom(ctx, orderID, s.identity.ID, Event{Type: EventMessageRead, Data: MemberSignal{
		Identity:  s.identity,
		OrderID:   orderID,
		Timestamp: time.Now().UTC(),
	}})
	metrics.EventsReceived.WithLabelValues(EventMarkRead, "ok").Inc()
}

func (c *Coordinator) requireRoom(s *Session, eventType, orderID string) bool {
	if orderID == "" {
		c.reject(s, eventType, orderID, "invalid", "order_id is required")
		return false
	}
	if !s.inRoom(orderID) {
		c.reject(s, eventType, orderID, "not_joined", "join the order room first")
		return false
	}
	return true
}

func (c *Coordinator) reject(s *Session, eventType, orderID, outcome, message string) {
	label := eventType
	if label == "" {
		label = "unknown"
	}
	metrics.EventsReceived.WithLabelValues(label, outcome).Inc()
	commonlog.Warnf("event=realtime_session action=handle status=%s type=%s identity_id=%s conn_id=%s order_id=%s", outcome, eventType, s.identity.ID, s.conn.ID(), orderID)
	s.conn.Send(errorEvent(eventType, orderID, message))
}

// Disconnect unregisters the connection and leaves every room it held. Peers
// of each room the identity fully left get exactly one user-left-order.
func (c *Coordinator) Disconnect(s *Session) {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	rooms := make([]string, 0, len(s.rooms))
	for orderID := range s.rooms {
		rooms = append(rooms, orderID)
	}
	s.rooms = map[string]struct{}{}
	s.mu.Unlock()

	for _, orderID := range rooms {
		c.leaveRoom(s, orderID)
	}
	offline := c.hub.Unregister(s.identity.ID, s.conn.ID())
	commonlog.Infof("event=realtime_session action=disconnect status=ok identity_id=%s conn_id=%s rooms=%d offline=%t", s.identity.ID, s.conn.ID(), len(rooms), offline)
}

// NewConnID returns a fresh connection id.
func NewConnID() string {
	return uuid.NewString()
}
