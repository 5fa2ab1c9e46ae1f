package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permit_server/server/chat/domain"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []Event
	closed bool
	full   bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.full {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) ofType(eventType string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range f.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

type stubAuth map[string]domain.Identity

func (s stubAuth) ParseAuthContext(token string) (string, string, string, error) {
	identity, ok := s[token]
	if !ok {
		return "", "", "", errors.New("unknown token")
	}
	return identity.ID, identity.Email, string(identity.Role), nil
}

var (
	owner     = domain.Identity{ID: "U1", Email: "owner@example.com", Role: domain.RoleUser}
	moderator = domain.Identity{ID: "M1", Email: "mod@example.com", Role: domain.RoleModerator}
	admin     = domain.Identity{ID: "A1", Email: "admin@example.com", Role: domain.RoleAdmin}
)

func newCoordinator(opts Options) *Coordinator {
	return NewCoordinator(NewHub(), stubAuth{"owner": owner, "mod": moderator, "admin": admin}, opts)
}

func send(c *Coordinator, s *Session, frame string) {
	c.Handle(context.Background(), s, []byte(frame))
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")

	r.Register(owner, c2)
	r.Register(owner, c1)
	r.Register(owner, c1)
	assert.True(t, r.IsOnline(owner.ID))
	assert.Equal(t, 2, r.Count())

	conns := r.ConnectionsFor(owner.ID)
	require.Len(t, conns, 2)
	assert.Equal(t, "c1", conns[0].ID())

	identity, ok := r.IdentityOf("c2")
	require.True(t, ok)
	assert.Equal(t, owner.ID, identity.ID)

	assert.False(t, r.Unregister(owner.ID, "c1"))
	assert.True(t, r.Unregister(owner.ID, "c2"))
	assert.False(t, r.IsOnline(owner.ID))
	assert.Empty(t, r.conns)
	_, ok = r.IdentityOf("c2")
	assert.False(t, ok)
}

func TestRoomsTrackIdentityAcrossConnections(t *testing.T) {
	r := NewRooms()

	assert.True(t, r.Join("ORD-1", "U1", "c1"))
	assert.False(t, r.Join("ORD-1", "U1", "c2"))
	assert.False(t, r.Join("ORD-1", "U1", "c2"))
	assert.True(t, r.Join("ORD-1", "M1", "c3"))
	assert.Equal(t, []string{"M1", "U1"}, r.MembersOf("ORD-1"))

	assert.False(t, r.Leave("ORD-1", "U1", "c1"))
	assert.True(t, r.IsMember("ORD-1", "U1"))
	assert.True(t, r.Leave("ORD-1", "U1", "c2"))
	assert.False(t, r.Leave("ORD-1", "U1", "c2"))
	assert.Equal(t, []string{"M1"}, r.MembersOf("ORD-1"))

	assert.True(t, r.Leave("ORD-1", "M1", "c3"))
	assert.False(t, r.HasRoom("ORD-1"))
	assert.Equal(t, 0, r.Len())
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	c := newCoordinator(Options{})

	_, err := c.Authenticate("")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	_, err = c.Authenticate("forged")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	identity, err := c.Authenticate("mod")
	require.NoError(t, err)
	assert.Equal(t, moderator, identity)
}

func TestConnectGreetsAndRegisters(t *testing.T) {
	c := newCoordinator(Options{})
	conn := newFakeConn("c1")

	s := c.Connect(owner, conn)
	assert.Equal(t, StateAuthenticated, s.State())
	assert.True(t, c.Hub().IsOnline(owner.ID))
	require.Len(t, conn.ofType(EventConnected), 1)
}

func TestJoinNotifiesExistingMembersOnly(t *testing.T) {
	c := newCoordinator(Options{})
	ownerConn, modConn := newFakeConn("c1"), newFakeConn("c2")
	so := c.Connect(owner, ownerConn)
	sm := c.Connect(moderator, modConn)

	send(c, so, `{"type":"join-order-room","order_id":"ORD-1"}`)
	send(c, sm, `{"type":"join-order-room","order_id":"ORD-1"}`)

	assert.Empty(t, modConn.ofType(EventUserJoinedOrder))
	joined := ownerConn.ofType(EventUserJoinedOrder)
	require.Len(t, joined, 1)
	signal := joined[0].Data.(MemberSignal)
	assert.Equal(t, moderator.ID, signal.Identity.ID)
	assert.Equal(t, "ORD-1", signal.OrderID)

	// a second tab of the same identity does not re-announce it
	modTab := newFakeConn("c3")
	sm2 := c.Connect(moderator, modTab)
	send(c, sm2, `{"type":"join-order-room","order_id":"ORD-1"}`)
	assert.Len(t, ownerConn.ofType(EventUserJoinedOrder), 1)
}

func TestJoinWithoutOrderIDIsIgnored(t *testing.T) {
	c := newCoordinator(Options{})
	conn := newFakeConn("c1")
	s := c.Connect(owner, conn)

	send(c, s, `{"type":"join-order-room"}`)
	assert.Empty(t, conn.ofType(EventError))
	assert.Empty(t, s.Rooms())
}

func TestTypingRelaysToPeersOnly(t *testing.T) {
	c := newCoordinator(Options{})
	ownerConn, modConn := newFakeConn("c1"), newFakeConn("c2")
	so := c.Connect(owner, ownerConn)
	sm := c.Connect(moderator, modConn)
	send(c, so, `{"type":"join-order-room","order_id":"ORD-1"}`)
	send(c, sm, `{"type":"join-order-room","order_id":"ORD-1"}`)

	send(c, so, `{"type":"typing-start","order_id":"ORD-1"}`)
	send(c, so, `{"type":"typing-stop","order_id":"ORD-1"}`)

	assert.Empty(t, ownerConn.ofType(EventUserTyping))
	typing := modConn.ofType(EventUserTyping)
	require.Len(t, typing, 2)
	assert.True(t, typing[0].Data.(TypingSignal).IsTyping)
	assert.False(t, typing[1].Data.(TypingSignal).IsTyping)
}

func TestTypingOutsideRoomIsRejected(t *testing.T) {
	c := newCoordinator(Options{})
	conn := newFakeConn("c1")
	s := c.Connect(owner, conn)

	send(c, s, `{"type":"typing-start","order_id":"ORD-9"}`)
	require.Len(t, conn.ofType(EventError), 1)
	assert.Equal(t, StateAuthenticated, s.State())
}

func TestDisconnectEmitsOneLeavePerRoom(t *testing.T) {
	c := newCoordinator(Options{})
	ownerConn, peer1, peer2 := newFakeConn("c1"), newFakeConn("c2"), newFakeConn("c3")
	so := c.Connect(owner, ownerConn)
	s1 := c.Connect(moderator, peer1)
	s2 := c.Connect(admin, peer2)

	send(c, so, `{"type":"join-order-room","order_id":"R1"}`)
	send(c, so, `{"type":"join-order-room","order_id":"R2"}`)
	send(c, s1, `{"type":"join-order-room","order_id":"R1"}`)
	send(c, s2, `{"type":"join-order-room","order_id":"R2"}`)

	c.Disconnect(so)
	c.Disconnect(so)

	left1 := peer1.ofType(EventUserLeftOrder)
	left2 := peer2.ofType(EventUserLeftOrder)
	require.Len(t, left1, 1)
	require.Len(t, left2, 1)
	assert.Equal(t, "R1", left1[0].Data.(MemberSignal).OrderID)
	assert.Equal(t, "R2", left2[0].Data.(MemberSignal).OrderID)

	assert.False(t, c.Hub().IsOnline(owner.ID))
	assert.Equal(t, []string{moderator.ID}, c.Hub().Rooms().MembersOf("R1"))
	assert.Empty(t, c.Hub().Rooms().RoomsOf(owner.ID))
	assert.Equal(t, StateDisconnected, so.State())
}

func TestDisconnectOfOneTabKeepsMembership(t *testing.T) {
	c := newCoordinator(Options{})
	tab1, tab2, peer := newFakeConn("c1"), newFakeConn("c2"), newFakeConn("c3")
	s1 := c.Connect(owner, tab1)
	s2 := c.Connect(owner, tab2)
	sp := c.Connect(moderator, peer)
	send(c, sp, `{"type":"join-order-room","order_id":"ORD-1"}`)
	send(c, s1, `{"type":"join-order-room","order_id":"ORD-1"}`)
	send(c, s2, `{"type":"join-order-room","order_id":"ORD-1"}`)

	c.Disconnect(s1)
	assert.Empty(t, peer.ofType(EventUserLeftOrder))
	assert.True(t, c.Hub().Rooms().IsMember("ORD-1", owner.ID))

	c.Disconnect(s2)
	assert.Len(t, peer.ofType(EventUserLeftOrder), 1)
}

func TestRoomLimit(t *testing.T) {
	c := newCoordinator(Options{MaxRoomsPerConn: 1})
	conn := newFakeConn("c1")
	s := c.Connect(owner, conn)

	send(c, s, `{"type":"join-order-room","order_id":"R1"}`)
	send(c, s, `{"type":"join-order-room","order_id":"R2"}`)

	assert.Equal(t, []string{"R1"}, s.Rooms())
	require.Len(t, conn.ofType(EventError), 1)
}

func TestRateLimitAnswersWithError(t *testing.T) {
	c := newCoordinator(Options{EventsPerSecond: 0.001, EventBurst: 2})
	conn := newFakeConn("c1")
	s := c.Connect(owner, conn)

	for i := 0; i < 4; i++ {
		send(c, s, `{"type":"ping"}`)
	}
	assert.Len(t, conn.ofType(EventPong), 2)
	assert.Len(t, conn.ofType(EventError), 2)
}

func TestMalformedFrameKeepsSessionOpen(t *testing.T) {
	c := newCoordinator(Options{})
	conn := newFakeConn("c1")
	s := c.Connect(owner, conn)

	send(c, s, `{not json`)
	send(c, s, `{"type":"dance"}`)
	assert.Len(t, conn.ofType(EventError), 2)
	assert.Equal(t, StateAuthenticated, s.State())
}

type recordingMarker struct {
	hub   *Hub
	calls []string
	err   error
}

func (m *recordingMarker) MarkThreadRead(ctx context.Context, orderID string, reader domain.Identity) (int64, error) {
	m.calls = append(m.calls, orderID+"/"+reader.ID)
	if m.err != nil {
		return 0, m.err
	}
	if m.hub != nil {
		m.hub.BroadcastRead(ctx, orderID, reader)
	}
	return 1, nil
}

func TestMarkReadRelayAndOptionalPersist(t *testing.T) {
	marker := &recordingMarker{}

	relayOnly := newCoordinator(Options{})
	relayOnly.UseReadMarker(marker)
	a, b := newFakeConn("c1"), newFakeConn("c2")
	sa := relayOnly.Connect(owner, a)
	sb := relayOnly.Connect(moderator, b)
	send(relayOnly, sa, `{"type":"join-order-room","order_id":"ORD-1"}`)
	send(relayOnly, sb, `{"type":"join-order-room","order_id":"ORD-1"}`)
	send(relayOnly, sb, `{"type":"mark-read","order_id":"ORD-1"}`)

	require.Len(t, a.ofType(EventMessageRead), 1)
	assert.Empty(t, b.ofType(EventMessageRead))
	assert.Empty(t, marker.calls)

	durable := newCoordinator(Options{PersistMarkRead: true})
	durableMarker := &recordingMarker{hub: durable.Hub()}
	durable.UseReadMarker(durableMarker)
	peer, reader := newFakeConn("c3"), newFakeConn("c4")
	sp := durable.Connect(owner, peer)
	sr := durable.Connect(moderator, reader)
	send(durable, sp, `{"type":"join-order-room","order_id":"ORD-2"}`)
	send(durable, sr, `{"type":"join-order-room","order_id":"ORD-2"}`)
	send(durable, sr, `{"type":"mark-read","order_id":"ORD-2"}`)

	assert.Equal(t, []string{"ORD-2/M1"}, durableMarker.calls)
	assert.Len(t, peer.ofType(EventMessageRead), 1)
	assert.Empty(t, reader.ofType(EventMessageRead))

	durableMarker.err = errors.New("store down")
	send(durable, sr, `{"type":"mark-read","order_id":"ORD-2"}`)
	assert.Len(t, peer.ofType(EventMessageRead), 1)
	assert.NotEmpty(t, reader.ofType(EventError))
}

func TestHubRoomBroadcastReachesEveryConnection(t *testing.T) {
	c := newCoordinator(Options{})
	tab1, tab2, mod, outsider := newFakeConn("c1"), newFakeConn("c2"), newFakeConn("c3"), newFakeConn("c4")
	s1 := c.Connect(owner, tab1)
	s2 := c.Connect(owner, tab2)
	sm := c.Connect(moderator, mod)
	c.Connect(admin, outsider)
	for _, s := range []*Session{s1, s2, sm} {
		send(c, s, `{"type":"join-order-room","order_id":"ORD-1"}`)
	}

	msg := domain.ChatMessage{ID: "m1", OrderID: "ORD-1", Body: "hello"}
	c.Hub().BroadcastMessage(context.Background(), "ORD-1", msg)
	c.Hub().BroadcastOrderUpdate(context.Background(), "ORD-1", domain.OrderUpdate{OrderID: "ORD-1", Action: domain.OrderActionStatusChanged})

	for _, conn := range []*fakeConn{tab1, tab2, mod} {
		got := conn.ofType(EventNewMessage)
		require.Len(t, got, 1)
		assert.Equal(t, "hello", got[0].Data.(MessageSignal).Message.Body)
		assert.Len(t, conn.ofType(EventOrderUpdated), 1)
	}
	assert.Empty(t, outsider.ofType(EventNewMessage))
}

func TestHubPushNotificationIgnoresRooms(t *testing.T) {
	c := newCoordinator(Options{})
	tab1, tab2 := newFakeConn("c1"), newFakeConn("c2")
	c.Connect(owner, tab1)
	c.Connect(owner, tab2)
	tab2.full = true

	c.Hub().PushNotification(context.Background(), owner.ID, domain.Notification{ID: "N1", RecipientID: owner.ID})
	c.Hub().PushNotification(context.Background(), "offline-user", domain.Notification{ID: "N2"})

	assert.Len(t, tab1.ofType(EventNotification), 1)
	assert.Empty(t, tab2.ofType(EventNotification))
}

func TestCloseAll(t *testing.T) {
	c := newCoordinator(Options{})
	conn := newFakeConn("c1")
	c.Connect(owner, conn)
	conn.reset()

	c.Hub().CloseAll()
	assert.True(t, conn.closed)
	assert.False(t, conn.Send(Event{Type: EventPong}))
}

type ownerOnlyAccess map[string]string

func (a ownerOnlyAccess) Authorize(_ context.Context, orderID string, identity domain.Identity) error {
	if identity.Role != domain.RoleUser {
		return nil
	}
	if a[orderID] != identity.ID {
		return domain.ErrNotFound
	}
	return nil
}

func TestJoinRequiresOrderAccess(t *testing.T) {
	c := newCoordinator(Options{})
	c.UseOrderAccess(ownerOnlyAccess{"ORD-1": owner.ID})

	ownerConn, strangerConn, modConn := newFakeConn("c1"), newFakeConn("c2"), newFakeConn("c3")
	so := c.Connect(owner, ownerConn)
	ss := c.Connect(domain.Identity{ID: "U2", Role: domain.RoleUser}, strangerConn)
	sm := c.Connect(moderator, modConn)

	send(c, so, `{"type":"join-order-room","order_id":"ORD-1"}`)
	send(c, ss, `{"type":"join-order-room","order_id":"ORD-1"}`)
	send(c, sm, `{"type":"join-order-room","order_id":"ORD-1"}`)

	assert.ElementsMatch(t, []string{owner.ID, moderator.ID}, c.Hub().Rooms().MembersOf("ORD-1"))
	errs := strangerConn.ofType(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "order not found", errs[0].Data.(ErrorSignal).Message)
	assert.Empty(t, ss.Rooms())
	assert.Len(t, ownerConn.ofType(EventUserJoinedOrder), 1)
}
