package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"permit_server/server/chat/domain"
)

const messageColumns = `message_id, order_id, sender_id, body, message_type, sender_type, attachment, is_read, created_at, updated_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *MessageRepository) CreateMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	attachment, err := jsonParam(msg.Attachment)
	if err != nil {
		return domain.ChatMessage{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO chat_messages(message_id, order_id, sender_id, body, message_type, sender_type, attachment, is_read, created_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, msg.ID, msg.OrderID, msg.SenderID, msg.Body, string(msg.MessageType), string(msg.SenderType), attachment, msg.IsRead, msg.CreatedAt, msg.UpdatedAt); err != nil {
		return domain.ChatMessage{}, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO order_chat_threads(order_id, message_ids, last_message_id, last_message_at, unread_count, created_at, updated_at)
		VALUES($1, ARRAY[$2::TEXT], $2, $3, 1, $3, $3)
		ON CONFLICT (order_id) DO UPDATE
		SET message_ids = array_append(order_chat_threads.message_ids, EXCLUDED.last_message_id),
		    last_message_id = CASE
		        WHEN order_chat_threads.last_message_at IS NULL
		          OR order_chat_threads.last_message_at <= EXCLUDED.last_message_at
		        THEN EXCLUDED.last_message_id
		        ELSE order_chat_threads.last_message_id
		    END,
		    last_message_at = GREATEST(order_chat_threads.last_message_at, EXCLUDED.last_message_at),
		    unread_count = order_chat_threads.unread_count + 1,
		    updated_at = EXCLUDED.updated_at
	`, msg.OrderID, msg.ID, msg.CreatedAt); err != nil {
		return domain.ChatMessage{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ChatMessage{}, err
	}
	return msg, nil
}

func (r *MessageRepository) ListMessages(ctx context.Context, orderID string, offset, limit int) ([]domain.ChatMessage, int64, error) {
	if offset < 0 {
		offset = 0
	}
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chat_messages WHERE order_id=$1`, orderID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE order_id=$1
		ORDER BY created_at DESC, seq DESC
		OFFSET $2 LIMIT $3
	`, orderID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]domain.ChatMessage, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, msg)
	}
	return items, total, rows.Err()
}

func (r *MessageRepository) GetMessage(ctx context.Context, messageID string) (domain.ChatMessage, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE message_id=$1`, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		return domain.ChatMessage{}, notFound(err, "message "+messageID)
	}
	return msg, nil
}

func (r *MessageRepository) DeleteMessage(ctx context.Context, messageID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var orderID string
	if err := tx.QueryRow(ctx, `DELETE FROM chat_messages WHERE message_id=$1 RETURNING order_id`, messageID).Scan(&orderID); err != nil {
		return notFound(err, "message "+messageID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE order_chat_threads
		SET message_ids = array_remove(message_ids, $2),
		    last_message_id = CASE
		        WHEN last_message_id = $2 THEN (
		            SELECT message_id FROM chat_messages
		            WHERE order_id = $1
		            ORDER BY created_at DESC, seq DESC
		            LIMIT 1
		        )
		        ELSE last_message_id
		    END,
		    last_message_at = CASE
		        WHEN last_message_id = $2 THEN (
		            SELECT created_at FROM chat_messages
		            WHERE order_id = $1
		            ORDER BY created_at DESC, seq DESC
		            LIMIT 1
		        )
		        ELSE last_message_at
		    END,
		    updated_at = $3
		WHERE order_id = $1
	`, orderID, messageID, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *MessageRepository) MarkThreadRead(ctx context.Context, orderID, readerID string, at time.Time) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE chat_messages
		SET is_read = TRUE, updated_at = $3
		WHERE order_id = $1
		  AND is_read = FALSE
		  AND (sender_id IS NULL OR sender_id <> $2)
	`, orderID, readerID, at)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `UPDATE order_chat_threads SET unread_count = 0, updated_at = $2 WHERE order_id = $1`, orderID, at); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *MessageRepository) CountUnread(ctx context.Context, orderID, excludingID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM chat_messages
		WHERE order_id = $1
		  AND is_read = FALSE
		  AND (sender_id IS NULL OR sender_id <> $2)
	`, orderID, excludingID).Scan(&count)
	return count, err
}

func (r *MessageRepository) GetThread(ctx context.Context, orderID string) (domain.OrderChatThread, error) {
	var thread domain.OrderChatThread
	err := r.pool.QueryRow(ctx, `
		SELECT order_id, message_ids, last_message_id, unread_count, created_at, updated_at
		FROM order_chat_threads
		WHERE order_id = $1
	`, orderID).Scan(&thread.OrderID, &thread.MessageIDs, &thread.LastMessageID, &thread.UnreadCount, &thread.CreatedAt, &thread.UpdatedAt)
	if err != nil {
		return domain.OrderChatThread{}, notFound(err, "thread for order "+orderID)
	}
	if thread.MessageIDs == nil {
		thread.MessageIDs = []string{}
	}
	if thread.LastMessageID != nil {
		last, err := r.GetMessage(ctx, *thread.LastMessageID)
		if err == nil {
			thread.LastMessage = &last
		}
	}
	return thread, nil
}

func scanMessage(row scanner) (domain.ChatMessage, error) {
	var (
		msg         domain.ChatMessage
		messageType string
		senderType  string
		attachment  []byte
	)
	if err := row.Scan(&msg.ID, &msg.OrderID, &msg.SenderID, &msg.Body, &messageType, &senderType, &attachment, &msg.IsRead, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return domain.ChatMessage{}, err
	}
	msg.MessageType = domain.MessageType(messageType)
	msg.SenderType = domain.SenderType(senderType)
	if len(attachment) > 0 {
		var ref domain.FileRef
		if err := json.Unmarshal(attachment, &ref); err != nil {
			return domain.ChatMessage{}, fmt.Errorf("decode attachment of message %s: %w", msg.ID, err)
		}
		msg.Attachment = &ref
	}
	return msg, nil
}

// jsonParam encodes v for a JSONB column, mapping nil values to SQL NULL.
func jsonParam[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
