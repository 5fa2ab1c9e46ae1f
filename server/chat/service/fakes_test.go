package service

import (
	"context"
	"errors"
	"sync"

	"permit_server/server/chat/domain"
	"permit_server/server/chat/repository/memory"
)

type pushCall struct {
	kind    string
	target  string
	message domain.ChatMessage
	update  domain.OrderUpdate
	reader  domain.Identity
	note    domain.Notification
}

type recordingPusher struct {
	mu    sync.Mutex
	calls []pushCall
	// onPush runs before a call is recorded.
	onPush func(pushCall)
}

func (p *recordingPusher) record(c pushCall) {
	if p.onPush != nil {
		p.onPush(c)
	}
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()
}

func (p *recordingPusher) BroadcastMessage(_ context.Context, orderID string, m domain.ChatMessage) {
	p.record(pushCall{kind: "message", target: orderID, message: m})
}

func (p *recordingPusher) BroadcastOrderUpdate(_ context.Context, orderID string, u domain.OrderUpdate) {
	p.record(pushCall{kind: "order", target: orderID, update: u})
}

func (p *recordingPusher) BroadcastRead(_ context.Context, orderID string, reader domain.Identity) {
	p.record(pushCall{kind: "read", target: orderID, reader: reader})
}

func (p *recordingPusher) PushNotification(_ context.Context, recipientID string, n domain.Notification) {
	p.record(pushCall{kind: "notification", target: recipientID, note: n})
}

func (p *recordingPusher) byKind(kind string) []pushCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pushCall, 0)
	for _, c := range p.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type sentMail struct {
	template string
	to       string
}

type stubMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *stubMailer) SendTemplatedEmail(_ context.Context, template string, _ map[string]any, to, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{template: template, to: to})
	return m.err
}

type stubDirectory struct {
	contacts []domain.Contact
	err      error
}

func (d stubDirectory) FindByRoles(_ context.Context, roles ...domain.Role) ([]domain.Contact, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make([]domain.Contact, 0)
	for _, c := range d.contacts {
		for _, r := range roles {
			if c.Role == r {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

type stubOrders struct {
	mu     sync.Mutex
	orders map[string]domain.OrderRef
	err    error
	calls  int
}

func (s *stubOrders) FindOrder(_ context.Context, orderID string) (*domain.OrderRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

type publishedEvent struct {
	key     string
	payload any
}

type stubPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *stubPublisher) Publish(_ context.Context, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{key: key, payload: payload})
	return p.err
}

func (p *stubPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.key)
	}
	return out
}

type memoryDeduper struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func (d *memoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed == nil {
		d.claimed = map[string]bool{}
	}
	if d.claimed[key] {
		return false, nil
	}
	d.claimed[key] = true
	return true, nil
}

func (d *memoryDeduper) Release(_ context.Context, key string) {
	d.mu.Lock()
	delete(d.claimed, key)
	d.mu.Unlock()
}

var errBoom = errors.New("boom")

var testOrder = domain.OrderRef{
	ID:             "ORD-1",
	Number:         "1001",
	Status:         "pending",
	OwnerID:        "U1",
	OwnerEmail:     "owner@example.com",
	ModeratorID:    "M1",
	ModeratorEmail: "mod@example.com",
}

var (
	owner     = domain.Identity{ID: "U1", Email: "owner@example.com", Role: domain.RoleUser}
	moderator = domain.Identity{ID: "M1", Email: "mod@example.com", Role: domain.RoleModerator}
	admin     = domain.Identity{ID: "A1", Email: "admin@example.com", Role: domain.RoleAdmin}
)

type fixture struct {
	messageStore *memory.MessageStore
	noteStore    *memory.NotificationStore
	pusher       *recordingPusher
	mailer       *stubMailer
	upstream     *stubOrders
	orders       *CachedOrderFinder
	messages     *MessageService
	notes        *NotificationService
	broadcast    *BroadcastService
	events       *stubPublisher
}

func newFixture() *fixture {
	f := &fixture{
		messageStore: memory.NewMessageStore(),
		noteStore:    memory.NewNotificationStore(),
		pusher:       &recordingPusher{},
		mailer:       &stubMailer{},
		upstream:     &stubOrders{orders: map[string]domain.OrderRef{testOrder.ID: testOrder}},
		events:       &stubPublisher{},
	}
	directory := stubDirectory{contacts: []domain.Contact{
		{ID: admin.ID, Email: admin.Email, Role: domain.RoleAdmin},
		{ID: moderator.ID, Email: moderator.Email, Role: domain.RoleModerator},
		{ID: "M2", Email: "mod2@example.com", Role: domain.RoleModerator},
		{ID: owner.ID, Email: owner.Email, Role: domain.RoleUser},
	}}
	f.orders = NewCachedOrderFinder(f.upstream, 0)
	f.messages = NewMessageService(f.messageStore, f.orders)
	f.notes = NewNotificationService(f.noteStore, f.pusher, f.mailer, directory, NotificationOptions{BaseURL: "https://permits.example.com/"})
	f.broadcast = NewBroadcastService(f.messages, f.notes, f.pusher, f.orders)
	f.broadcast.UseEventPublisher(f.events)
	return f
}

func strPtr(s string) *string { return &s }
