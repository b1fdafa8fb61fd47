package store

import (
	"context"
	"embed"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/swiftdrop/driverlink/internal/domain"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Archive keeps a local relational copy of normalized chat traffic so
// history stays searchable while the socket is down.
type Archive struct {
	db *sqlx.DB
}

func NewArchive(db *sqlx.DB) *Archive {
	return &Archive{db: db}
}

func (a *Archive) SaveMessage(ctx context.Context, msg *domain.ChatMessage) error {
	query := `
		INSERT INTO chat_messages (
			message_id,
			room_id,
			sender_id,
			content,
			kind,
			correlation_id,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id, message_id) DO NOTHING;
	`

	_, err := a.db.ExecContext(ctx, query,
		msg.MessageID, msg.RoomID, msg.SenderID, msg.Content,
		string(msg.Kind), msg.CorrelationID, msg.Timestamp,
	)
	return err
}

func (a *Archive) UpsertRoom(ctx context.Context, room *domain.ChatRoom) error {
	query := `
		INSERT INTO chat_rooms (id, type, order_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at;
	`

	_, err := a.db.ExecContext(ctx, query,
		room.ID, string(room.Type), room.OrderID, room.CreatedAt, room.UpdatedAt,
	)
	return err
}

func (a *Archive) RecentMessages(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error) {
	query := `
		SELECT message_id, room_id, sender_id, content, kind, correlation_id, created_at
		FROM chat_messages
		WHERE room_id = $1
		ORDER BY created_at DESC
		LIMIT $2;
	`

	rows, err := a.db.QueryxContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.ChatMessage
	for rows.Next() {
		var (
			msg  domain.ChatMessage
			kind string
			ts   time.Time
		)
		if err := rows.Scan(
			&msg.MessageID, &msg.RoomID, &msg.SenderID, &msg.Content,
			&kind, &msg.CorrelationID, &ts,
		); err != nil {
			return nil, err
		}
		msg.Kind = domain.MessageKind(kind)
		msg.Timestamp = ts
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (a *Archive) ClearRoom(ctx context.Context, roomID string) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE room_id = $1;`, roomID)
	return err
}
