package storage

import (
	"context"
	"errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
)

const messageColumns = `m.id, m.chat_id, m.user_id, m.content, m.created_at, m.deleted, m.deleted_at,
	   u.id, u.username, u.avatar`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Content, &m.CreatedAt, &m.Deleted, &m.DeletedAt,
		&m.User.ID, &m.User.Username, &m.User.Avatar)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotExist
		}
		return Message{}, err
	}
	return m, nil
}

func messageByID(ctx context.Context, q querier, id int64) (Message, error) {
	sql := "select " + messageColumns + " from messages m join users u on u.id = m.user_id where m.id = $1"
	return scanMessage(q.QueryRow(ctx, sql, id))
}

// CreateMessage stamps chat's last message time and inserts the message in one transaction
func (s *Store) CreateMessage(ctx context.Context, nm NewMessage) (Message, error) {
	s.logger.Debugf("Creating message from user (id: %d) in chat (id: %d)", nm.UserID, nm.ChatID)

	if nm.CreatedAt.IsZero() {
		nm.CreatedAt = s.now()
	}

	var m Message
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "update chats set last_message_sending_at = $2 where id = $1", nm.ChatID, nm.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrChatNotExist
		}

		var id int64
		sql := "insert into messages (chat_id, user_id, content, created_at) values ($1, $2, $3, $4) returning id"
		err = tx.QueryRow(ctx, sql, nm.ChatID, nm.UserID, nm.Content, nm.CreatedAt).Scan(&id)
		if err != nil {
			if code, _, ok := pgErrCode(err); ok && code == pgerrcode.ForeignKeyViolation {
				return ErrUserNotExist
			}
			return err
		}

		m, err = messageByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return Message{}, err
	}

	return m, nil
}

// MessageByID returns message with its author
func (s *Store) MessageByID(ctx context.Context, id int64) (Message, error) {
	return messageByID(ctx, s.db, id)
}

// MessagesByChatID returns list of all chat messages, tombstones included, sorted by message creation time
// (from earliest to latest)
func (s *Store) MessagesByChatID(ctx context.Context, chatID int64) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for chat (id: %d)", chatID)

	// check if chat exists
	var i int8
	err := s.db.QueryRow(ctx, "select 1 from chats where id = $1", chatID).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotExist
		}
		return nil, err
	}

	sql := `select ` + messageColumns + `
			  from messages m
			  join users u
				on u.id = m.user_id
			 where m.chat_id = $1
			 order by m.created_at asc, m.id asc`

	rows, err := s.db.Query(ctx, sql, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}
