package service

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"

	"permit_server/server/chat/domain"
	"permit_server/server/common/infra/object"
)

const defaultAttachmentURLTTL = 15 * time.Minute

// AttachmentLinks signs download urls for files kept in the object store.
type AttachmentLinks struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

func NewAttachmentLinks(client *minio.Client, bucket string, ttl time.Duration) *AttachmentLinks {
	if ttl <= 0 {
		ttl = defaultAttachmentURLTTL
	}
	return &AttachmentLinks{client: client, bucket: bucket, ttl: ttl}
}

func (l *AttachmentLinks) DownloadURL(ctx context.Context, file domain.FileRef) (string, error) {
	if file.ObjectKey == "" {
		return "", fmt.Errorf("%w: file has no object key", domain.ErrNotFound)
	}
	return object.PresignDownload(ctx, l.client, l.bucket, file.ObjectKey, fallback(file.OriginalName, file.Filename), l.ttl)
}

// AttachmentURL returns a download link for the attachment of a message.
func AttachmentURL(ctx context.Context, messages *MessageService, links LinkSigner, messageID string) (string, error) {
	if links == nil {
		return "", fmt.Errorf("%w: object storage is not configured", domain.ErrTransient)
	}
	msg, err := messages.Get(ctx, messageID)
	if err != nil {
		return "", err
	}
	if msg.Attachment == nil {
		return "", fmt.Errorf("%w: message %s has no attachment", domain.ErrNotFound, msg.ID)
	}
	return links.DownloadURL(ctx, *msg.Attachment)
}
