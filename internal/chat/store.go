package chat

import (
	"context"

	"go-messenger/internal/user"
)

// Store is the durable side of the messenger. Implementations report missing
// rows as ErrNotFound, duplicate memberships as ErrConflict and any other
// backend failure as ErrStoreUnavailable.
type Store interface {
	// WithTx runs fn against a Store whose writes become visible together once
	// fn returns nil, and not at all otherwise. Calling WithTx on the Store
	// handed to fn runs inline in the same transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	GetChat(ctx context.Context, chatID int) (*Chat, error)
	// CreateChat stores the chat and the creator's membership atomically.
	CreateChat(ctx context.Context, name string, creatorID int) (*Chat, error)
	ChatsOfUser(ctx context.Context, userID int) ([]*Chat, error)

	GetUser(ctx context.Context, userID int) (*user.User, error)
	GetMembers(ctx context.Context, chatID int) ([]user.User, error)
	IsMember(ctx context.Context, chatID, userID int) (bool, error)
	AddMember(ctx context.Context, chatID, userID int) (*ChatUser, error)

	CreateMessage(ctx context.Context, msg *Message) (*Message, error)
	// GetMessages returns every message of the chat in creation order.
	GetMessages(ctx context.Context, chatID int) ([]*Message, error)
}
