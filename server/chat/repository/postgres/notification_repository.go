package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"permit_server/server/chat/domain"
)

const notificationColumns = `notification_id, recipient_id, sender_id, type, status, priority, title, message, metadata, action_url, action_text, expires_at, read_at, created_at, updated_at`

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) CreateNotifications(ctx context.Context, items []domain.Notification) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, n := range items {
		metadata, err := metadataParam(n.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO notifications(notification_id, recipient_id, sender_id, type, status, priority, title, message, metadata, action_url, action_text, expires_at, read_at, created_at, updated_at)
			VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, n.ID, n.RecipientID, n.SenderID, string(n.Type), string(n.Status), string(n.Priority), n.Title, n.Message, metadata, n.ActionURL, n.ActionText, n.ExpiresAt, n.ReadAt, n.CreatedAt, n.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *NotificationRepository) ListNotifications(ctx context.Context, recipientID string, filter domain.NotificationFilter, offset, limit int) ([]domain.Notification, int64, error) {
	if offset < 0 {
		offset = 0
	}
	where, args := filterClause(recipientID, filter)

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM notifications
		WHERE %s
		ORDER BY created_at DESC, seq DESC
		OFFSET $%d LIMIT $%d`, notificationColumns, where, len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, query, append(args, offset, limit)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]domain.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func filterClause(recipientID string, filter domain.NotificationFilter) (string, []any) {
	clauses := []string{"recipient_id = $1"}
	args := []any{recipientID}
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}

	if filter.UnreadOnly {
		clauses = append(clauses, "status = 'unread'")
	}
	if filter.Status != "" {
		add("status = ?", string(filter.Status))
	}
	if filter.Type != "" {
		add("type = ?", string(filter.Type))
	}
	if filter.From != nil {
		add("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= ?", *filter.To)
	}
	if q := strings.TrimSpace(filter.Search); q != "" {
		add("(to_tsvector('simple', title || ' ' || message) @@ plainto_tsquery('simple', ?) OR title ILIKE '%' || ? || '%' OR message ILIKE '%' || ? || '%')", q)
	}
	return strings.Join(clauses, " AND "), args
}

func (r *NotificationRepository) GetNotification(ctx context.Context, id, recipientID string) (domain.Notification, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE notification_id=$1 AND recipient_id=$2`, id, recipientID)
	n, err := scanNotification(row)
	if err != nil {
		return domain.Notification{}, notFound(err, "notification "+id)
	}
	return n, nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, recipientID string, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'read', read_at = COALESCE(read_at, $3), updated_at = $3
		WHERE recipient_id = $1 AND notification_id = ANY($2) AND status = 'unread'
	`, recipientID, ids, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *NotificationRepository) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'read', read_at = COALESCE(read_at, $2), updated_at = $2
		WHERE recipient_id = $1 AND status = 'unread'
	`, recipientID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *NotificationRepository) SaveNotification(ctx context.Context, n domain.Notification) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = $3,
		    priority = $4,
		    action_url = $5,
		    action_text = $6,
		    expires_at = $7,
		    read_at = COALESCE(read_at, $8),
		    updated_at = $9
		WHERE notification_id = $1 AND recipient_id = $2
	`, n.ID, n.RecipientID, string(n.Status), string(n.Priority), n.ActionURL, n.ActionText, n.ExpiresAt, n.ReadAt, n.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %s", domain.ErrNotFound, n.ID)
	}
	return nil
}

func (r *NotificationRepository) DeleteNotification(ctx context.Context, id, recipientID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM notifications WHERE notification_id=$1 AND recipient_id=$2`, id, recipientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
	}
	return nil
}

func (r *NotificationRepository) Stats(ctx context.Context, recipientID string) (domain.NotificationStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT type, priority, status, COUNT(*)
		FROM notifications
		WHERE recipient_id = $1
		GROUP BY type, priority, status
	`, recipientID)
	if err != nil {
		return domain.NotificationStats{}, err
	}
	defer rows.Close()

	stats := domain.NotificationStats{
		ByType:     map[domain.NotificationType]int64{},
		ByPriority: map[domain.NotificationPriority]int64{},
	}
	for rows.Next() {
		var (
			typ, priority, status string
			count                 int64
		)
		if err := rows.Scan(&typ, &priority, &status, &count); err != nil {
			return domain.NotificationStats{}, err
		}
		stats.Total += count
		if domain.NotificationStatus(status) == domain.StatusUnread {
			stats.Unread += count
		}
		stats.ByType[domain.NotificationType(typ)] += count
		stats.ByPriority[domain.NotificationPriority(priority)] += count
	}
	return stats, rows.Err()
}

func (r *NotificationRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanNotification(row scanner) (domain.Notification, error) {
	var (
		n                     domain.Notification
		typ, status, priority string
		metadata              []byte
	)
	if err := row.Scan(&n.ID, &n.RecipientID, &n.SenderID, &typ, &status, &priority, &n.Title, &n.Message, &metadata, &n.ActionURL, &n.ActionText, &n.ExpiresAt, &n.ReadAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return domain.Notification{}, err
	}
	n.Type = domain.NotificationType(typ)
	n.Status = domain.NotificationStatus(status)
	n.Priority = domain.NotificationPriority(priority)
	md, err := domain.DecodeMetadata(n.Type, metadata)
	if err != nil {
		return domain.Notification{}, err
	}
	n.Metadata = md
	return n, nil
}

func metadataParam(md domain.NotificationMetadata) (any, error) {
	if md == nil {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
