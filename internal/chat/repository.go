package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go-messenger/internal/user"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the PostgreSQL Store.
type Repository struct {
	db dbtx
	// conn is nil for a Repository bound to a transaction.
	conn *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, conn: db}
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return r.withTx(ctx, func(tx *Repository) error { return fn(tx) })
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *Repository) error) error {
	if r.conn == nil {
		return fn(r)
	}

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	if err := fn(&Repository{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

var _ Store = (*Repository)(nil)

// storeErr maps driver errors onto the package's error kinds.
func storeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation:
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
}

func (r *Repository) GetChat(ctx context.Context, chatID int) (*Chat, error) {
	c := &Chat{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM chats WHERE id = $1`, chatID,
	).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err != nil {
		return nil, storeErr("get chat", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM chat_users WHERE chat_id = $1 ORDER BY joined_at, user_id`, chatID)
	if err != nil {
		return nil, storeErr("get chat members", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("get chat members", err)
		}
		c.Members = append(c.Members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get chat members", err)
	}
	return c, nil
}

func (r *Repository) CreateChat(ctx context.Context, name string, creatorID int) (*Chat, error) {
	c := &Chat{Name: name}
	err := r.withTx(ctx, func(tx *Repository) error {
		err := tx.db.QueryRowContext(ctx,
			`INSERT INTO chats (name) VALUES ($1) RETURNING id, created_at`, name,
		).Scan(&c.ID, &c.CreatedAt)
		if err != nil {
			return storeErr("create chat", err)
		}

		if _, err := tx.db.ExecContext(ctx,
			`INSERT INTO chat_users (chat_id, user_id) VALUES ($1, $2)`, c.ID, creatorID,
		); err != nil {
			return storeErr("add creator", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.Members = []int{creatorID}
	return c, nil
}

func (r *Repository) ChatsOfUser(ctx context.Context, userID int) ([]*Chat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.created_at
		FROM chats c
		JOIN chat_users cu ON cu.chat_id = c.id
		WHERE cu.user_id = $1
		ORDER BY c.id
	`, userID)
	if err != nil {
		return nil, storeErr("chats of user", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		c := &Chat{}
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, storeErr("chats of user", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("chats of user", err)
	}
	return chats, nil
}

func (r *Repository) GetUser(ctx context.Context, userID int) (*user.User, error) {
	u := &user.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Username)
	if err != nil {
		return nil, storeErr("get user", err)
	}
	return u, nil
}

func (r *Repository) GetMembers(ctx context.Context, chatID int) ([]user.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.username
		FROM chat_users cu
		JOIN users u ON u.id = cu.user_id
		WHERE cu.chat_id = $1
		ORDER BY cu.joined_at, u.id
	`, chatID)
	if err != nil {
		return nil, storeErr("get members", err)
	}
	defer rows.Close()

	var members []user.User
	for rows.Next() {
		var u user.User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, storeErr("get members", err)
		}
		members = append(members, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get members", err)
	}
	return members, nil
}

func (r *Repository) IsMember(ctx context.Context, chatID, userID int) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_users WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID,
	).Scan(&ok)
	if err != nil {
		return false, storeErr("is member", err)
	}
	return ok, nil
}

func (r *Repository) AddMember(ctx context.Context, chatID, userID int) (*ChatUser, error) {
	cu := &ChatUser{ChatID: chatID, UserID: userID}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO chat_users (chat_id, user_id) VALUES ($1, $2) RETURNING joined_at`,
		chatID, userID,
	).Scan(&cu.JoinedAt)
	if err != nil {
		return nil, storeErr("add member", err)
	}
	return cu, nil
}

func (r *Repository) CreateMessage(ctx context.Context, msg *Message) (*Message, error) {
	out := *msg
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (chat_id, user_id, text, edited, read)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, msg.ChatID, msg.UserID, msg.Text, msg.Edited, msg.Read).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, storeErr("create message", err)
	}
	return &out, nil
}

func (r *Repository) GetMessages(ctx context.Context, chatID int) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, chat_id, user_id, text, edited, read, created_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY id ASC
	`, chatID)
	if err != nil {
		return nil, storeErr("get messages", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.UserID, &msg.Text, &msg.Edited, &msg.Read, &msg.CreatedAt); err != nil {
			return nil, storeErr("get messages", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get messages", err)
	}
	return messages, nil
}
