package service

import (
	"context"
	"strings"
	"time"

	commonlog "permit_server/server/common/log"
)

const MailRoutingKey = "mail.templated"

type templatedMail struct {
	Template string         `json:"template"`
	To       string         `json:"to"`
	Subject  string         `json:"subject"`
	Data     map[string]any `json:"data"`
	QueuedAt time.Time      `json:"queued_at"`
}

// QueueMailer hands templated emails to the mail worker over the message bus.
type QueueMailer struct {
	publisher EventPublisher
}

func NewQueueMailer(publisher EventPublisher) *QueueMailer {
	return &QueueMailer{publisher: publisher}
}

func (m *QueueMailer) SendTemplatedEmail(ctx context.Context, template string, data map[string]any, to, subject string) error {
	return m.publisher.Publish(ctx, MailRoutingKey, templatedMail{
		Template: template,
		To:       strings.TrimSpace(to),
		Subject:  subject,
		Data:     data,
		QueuedAt: time.Now().UTC(),
	})
}

// LogMailer only logs. Used when no message bus is configured.
type LogMailer struct{}

func (LogMailer) SendTemplatedEmail(_ context.Context, template string, _ map[string]any, to, subject string) error {
	commonlog.Infof("event=mail action=send status=skipped template=%s to=%s subject=%q", template, to, subject)
	return nil
}
