package storage

import (
	"context"
	"errors"
	"github.com/jackc/pgx/v4"
	"time"
)

// Users and messages are never removed from the database. The methods below are the only
// deletion paths for them and rewrite the delete into a tombstone update. Chats are the only
// rows that are physically deleted, and deleteChatTx tombstones their messages first.

const (
	tombstoneMessageSQL = `update messages
							  set deleted = true, deleted_at = $2, content = $3
							where id = $1`
	tombstoneChatMessagesSQL = `update messages
								   set deleted = true, deleted_at = $2, content = $3
								 where chat_id = $1 and not deleted`
)

// SoftDeleteMessage replaces message content with a placeholder and marks it deleted
func (s *Store) SoftDeleteMessage(ctx context.Context, id int64) (Message, error) {
	s.logger.Debugf("Tombstoning message (id: %d)", id)

	var m Message
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, tombstoneMessageSQL, id, s.now(), MessagePlaceholder)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrMessageNotExist
		}

		m, err = messageByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return Message{}, err
	}

	return m, nil
}

// SoftDeleteUser marks the user deleted and empties its chat list. Chats the user leaves
// without members are deleted in the same transaction.
func (s *Store) SoftDeleteUser(ctx context.Context, userID int64) (UserRemoval, error) {
	s.logger.Debugf("Tombstoning user (id: %d)", userID)

	var out UserRemoval
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.now()

		var deleted bool
		err := tx.QueryRow(ctx, "select deleted from users where id = $1 for update", userID).Scan(&deleted)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotExist
			}
			return err
		}
		if deleted {
			return ErrUserDeleted
		}

		// lock chats in id order so concurrent removals cannot deadlock
		rows, err := tx.Query(ctx, `select c.id from chats c
									  join chat_users cu on cu.chat_id = c.id
									 where cu.user_id = $1
									 order by c.id
									   for update of c`, userID)
		if err != nil {
			return err
		}
		var chatIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			chatIDs = append(chatIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, chatID := range chatIDs {
			r, err := removeMemberTx(ctx, tx, chatID, userID, now)
			if err != nil {
				return err
			}
			if r.ChatDeleted {
				out.DeletedChats = append(out.DeletedChats, r.Chat)
			} else {
				out.LeftChats = append(out.LeftChats, r.Chat)
			}
		}

		_, err = tx.Exec(ctx, "update users set deleted = true, deleted_at = $2, connected = false where id = $1", userID, now)
		if err != nil {
			return err
		}

		out.User, err = userByID(ctx, tx, userID)
		return err
	})
	if err != nil {
		return UserRemoval{}, err
	}

	return out, nil
}

// deleteChatTx tombstones chat messages, detaches members and deletes the chat row
func deleteChatTx(ctx context.Context, tx pgx.Tx, chatID int64, at time.Time) error {
	if _, err := tx.Exec(ctx, tombstoneChatMessagesSQL, chatID, at, MessagePlaceholder); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, "delete from chat_users where chat_id = $1", chatID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, "delete from chats where id = $1", chatID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChatNotExist
	}

	return nil
}
