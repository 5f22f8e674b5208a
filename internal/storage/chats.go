package storage

import (
	"context"
	"errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"time"
)

const chatColumns = `c.id, c.title, c.description, c.avatar, c.created_by, c.last_message_sending_at, c.created_at,
	   array(select cu.user_id from chat_users cu where cu.chat_id = c.id order by cu.joined_at, cu.user_id)`

func scanChat(row pgx.Row) (Chat, error) {
	var (
		c       Chat
		userIDs pgtype.Int8Array
	)
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.Avatar, &c.CreatedBy, &c.LastMessageSendingAt, &c.CreatedAt, &userIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Chat{}, ErrChatNotExist
		}
		return Chat{}, err
	}

	c.UserIDs = make([]int64, 0, len(userIDs.Elements))
	if err := userIDs.AssignTo(&c.UserIDs); err != nil {
		return Chat{}, err
	}

	return c, nil
}

// scanChatWithPreview scans chatColumns followed by the latest message content, time and author
func scanChatWithPreview(row pgx.Row) (Chat, error) {
	var (
		c        Chat
		userIDs  pgtype.Int8Array
		content  pgtype.Text
		sentAt   pgtype.Timestamptz
		username pgtype.Text
	)
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.Avatar, &c.CreatedBy, &c.LastMessageSendingAt, &c.CreatedAt, &userIDs,
		&content, &sentAt, &username)
	if err != nil {
		return Chat{}, err
	}

	c.UserIDs = make([]int64, 0, len(userIDs.Elements))
	if err := userIDs.AssignTo(&c.UserIDs); err != nil {
		return Chat{}, err
	}

	if content.Status == pgtype.Present {
		c.LastMessage = &MessagePreview{
			Content:   content.String,
			CreatedAt: sentAt.Time,
			User:      PreviewAuthor{Username: username.String},
		}
	}

	return c, nil
}

func chatByID(ctx context.Context, q querier, id int64) (Chat, error) {
	sql := "select " + chatColumns + " from chats c where c.id = $1"
	return scanChat(q.QueryRow(ctx, sql, id))
}

// lockChat takes a row lock on the chat, serializing membership changes of that chat
func lockChat(ctx context.Context, tx pgx.Tx, id int64) error {
	var locked int64
	err := tx.QueryRow(ctx, "select id from chats where id = $1 for update", id).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrChatNotExist
		}
		return err
	}
	return nil
}

// CreateChat performs two-step transaction to create chat
// (1. insert chat record; 2. insert creator membership) and returns it
func (s *Store) CreateChat(ctx context.Context, nc NewChat) (Chat, error) {
	s.logger.Debugf("Creating chat (%s) for user (id: %d)", nc.Title, nc.CreatorID)

	c := Chat{
		Title:       nc.Title,
		Description: nc.Description,
		Avatar:      nc.Avatar,
		CreatedBy:   nc.CreatedBy,
		UserIDs:     []int64{nc.CreatorID},
		CreatedAt:   s.now(),
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sql := `insert into chats (title, description, avatar, created_by, created_at)
				values ($1, $2, $3, $4, $5) returning id`
		err := tx.QueryRow(ctx, sql, c.Title, c.Description, c.Avatar, c.CreatedBy, c.CreatedAt).Scan(&c.ID)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, "insert into chat_users (chat_id, user_id, joined_at) values ($1, $2, $3)", c.ID, nc.CreatorID, c.CreatedAt)
		if err != nil {
			if code, _, ok := pgErrCode(err); ok && code == pgerrcode.ForeignKeyViolation {
				return ErrUserNotExist
			}
			return err
		}

		return nil
	})
	if err != nil {
		return Chat{}, err
	}

	s.logger.Debugf("Created chat (%s) with id %d", c.Title, c.ID)

	return c, nil
}

// ChatByID returns chat with its member ids
func (s *Store) ChatByID(ctx context.Context, id int64) (Chat, error) {
	return chatByID(ctx, s.db, id)
}

// ChatsByUserID returns a list of all user chats sorted by the time of the last message in the chat
// (from latest to oldest), chats without messages go last
func (s *Store) ChatsByUserID(ctx context.Context, userID int64) ([]Chat, error) {
	s.logger.Debugf("Retrieving chats for user (id: %d)", userID)

	// check if user exists
	var i int8
	err := s.db.QueryRow(ctx, "select 1 from users where id = $1", userID).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotExist
		}
		return nil, err
	}

	sql := `select ` + chatColumns + `, lm.content, lm.created_at, lm.username
			  from chats c
			  left join lateral (select m.content, m.created_at, u.username
								   from messages m
								   join users u on u.id = m.user_id
								  where m.chat_id = c.id
								  order by m.created_at desc, m.id desc
								  limit 1) lm on true
			 where exists (select 1 from chat_users m where m.chat_id = c.id and m.user_id = $1)
			 order by c.last_message_sending_at desc nulls last, c.created_at desc`

	rows, err := s.db.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		c, err := scanChatWithPreview(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Debugf("Retrieved %d chats", len(chats))

	return chats, nil
}

// UpdateChat changes provided fields and returns updated chat
func (s *Store) UpdateChat(ctx context.Context, id int64, upd ChatUpdate) (Chat, error) {
	sql := `update chats
			   set title = coalesce($2, title),
				   description = coalesce($3, description),
				   avatar = coalesce($4, avatar)
			 where id = $1`
	tag, err := s.db.Exec(ctx, sql, id, upd.Title, upd.Description, upd.Avatar)
	if err != nil {
		return Chat{}, err
	}

	if tag.RowsAffected() == 0 {
		return Chat{}, ErrChatNotExist
	}

	return s.ChatByID(ctx, id)
}

// AddMember inserts a single membership row, so both sides of the relation change in one write.
// Concurrent duplicates are rejected by the primary key.
func (s *Store) AddMember(ctx context.Context, chatID, userID int64) (Chat, error) {
	s.logger.Debugf("Adding user (id: %d) to chat (id: %d)", userID, chatID)

	// "for share" waits for a concurrent tombstone and rechecks "not deleted" once it commits
	sql := `insert into chat_users (chat_id, user_id, joined_at)
			select $1, u.id, $3
			  from users u
			 where u.id = $2 and not u.deleted
			   for share of u`
	tag, err := s.db.Exec(ctx, sql, chatID, userID, s.now())
	if err != nil {
		code, constraint, ok := pgErrCode(err)
		if !ok {
			return Chat{}, err
		}
		switch code {
		case pgerrcode.UniqueViolation:
			return Chat{}, ErrAlreadyMember
		case pgerrcode.ForeignKeyViolation:
			switch constraint {
			case "chat_users_chat_id_fkey":
				return Chat{}, ErrChatNotExist
			case "chat_users_user_id_fkey":
				return Chat{}, ErrUserNotExist
			}
		}
		return Chat{}, err
	}

	if tag.RowsAffected() == 0 {
		var deleted bool
		err := s.db.QueryRow(ctx, "select deleted from users where id = $1", userID).Scan(&deleted)
		if errors.Is(err, pgx.ErrNoRows) {
			return Chat{}, ErrUserNotExist
		}
		if err != nil {
			return Chat{}, err
		}
		return Chat{}, ErrUserDeleted
	}

	return s.ChatByID(ctx, chatID)
}

// RemoveMember deletes the membership row. When the chat is left without members
// it is deleted in the same transaction and its messages are tombstoned.
func (s *Store) RemoveMember(ctx context.Context, chatID, userID int64) (Removal, error) {
	s.logger.Debugf("Removing user (id: %d) from chat (id: %d)", userID, chatID)

	var r Removal
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockChat(ctx, tx, chatID); err != nil {
			return err
		}

		var err error
		r, err = removeMemberTx(ctx, tx, chatID, userID, s.now())
		return err
	})
	if err != nil {
		return Removal{}, err
	}

	if r.ChatDeleted {
		s.logger.Debugf("Chat (id: %d) became empty and was deleted", chatID)
	}

	return r, nil
}

// DeleteChat detaches the chat from every member, tombstones its messages and deletes the chat row.
// It returns the chat as it was before deletion.
func (s *Store) DeleteChat(ctx context.Context, chatID int64) (Chat, error) {
	s.logger.Debugf("Deleting chat (id: %d)", chatID)

	var c Chat
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockChat(ctx, tx, chatID); err != nil {
			return err
		}

		var err error
		c, err = chatByID(ctx, tx, chatID)
		if err != nil {
			return err
		}

		return deleteChatTx(ctx, tx, chatID, s.now())
	})
	if err != nil {
		return Chat{}, err
	}

	return c, nil
}

// removeMemberTx expects the chat row to be locked by the caller
func removeMemberTx(ctx context.Context, tx pgx.Tx, chatID, userID int64, at time.Time) (Removal, error) {
	c, err := chatByID(ctx, tx, chatID)
	if err != nil {
		return Removal{}, err
	}

	tag, err := tx.Exec(ctx, "delete from chat_users where chat_id = $1 and user_id = $2", chatID, userID)
	if err != nil {
		return Removal{}, err
	}
	if tag.RowsAffected() == 0 {
		return Removal{}, ErrNotMember
	}

	c.UserIDs = withoutID(c.UserIDs, userID)
	if len(c.UserIDs) > 0 {
		return Removal{Chat: c}, nil
	}

	if err := deleteChatTx(ctx, tx, chatID, at); err != nil {
		return Removal{}, err
	}

	return Removal{Chat: c, ChatDeleted: true}, nil
}

func withoutID(ids []int64, id int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
