package chat

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go-messenger/internal/user"
)

// MemoryStore is an in-process Store for tests and local experiments.
// Users are seeded with AddUser since registration lives elsewhere.
//
// Every call holds one lock. WithTx works on a copy of the state and swaps it
// in when fn succeeds.
type MemoryStore struct {
	mu sync.Mutex
	st *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{
		users:    make(map[int]user.User),
		chats:    make(map[int]*Chat),
		members:  make(map[int][]ChatUser),
		messages: make(map[int][]Message),
		now:      func() time.Time { return time.Now().UTC() },
	}}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) AddUser(username string) user.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.addUser(username)
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.st.clone()
	if err := fn(draft); err != nil {
		return err
	}
	s.st = draft
	return nil
}

func (s *MemoryStore) GetChat(ctx context.Context, chatID int) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetChat(ctx, chatID)
}

func (s *MemoryStore) CreateChat(ctx context.Context, name string, creatorID int) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateChat(ctx, name, creatorID)
}

func (s *MemoryStore) ChatsOfUser(ctx context.Context, userID int) ([]*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ChatsOfUser(ctx, userID)
}

func (s *MemoryStore) GetUser(ctx context.Context, userID int) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetUser(ctx, userID)
}

func (s *MemoryStore) GetMembers(ctx context.Context, chatID int) ([]user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetMembers(ctx, chatID)
}

func (s *MemoryStore) IsMember(ctx context.Context, chatID, userID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.IsMember(ctx, chatID, userID)
}

func (s *MemoryStore) AddMember(ctx context.Context, chatID, userID int) (*ChatUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.AddMember(ctx, chatID, userID)
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateMessage(ctx, msg)
}

func (s *MemoryStore) GetMessages(ctx context.Context, chatID int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetMessages(ctx, chatID)
}

// memState is the unlocked data behind a MemoryStore. Inside WithTx it is the
// Store handed to fn.
type memState struct {
	users    map[int]user.User
	chats    map[int]*Chat
	members  map[int][]ChatUser
	messages map[int][]Message

	nextUser, nextChat, nextMessage int
	now                             func() time.Time
}

var _ Store = (*memState)(nil)

func (st *memState) clone() *memState {
	out := *st
	out.users = maps.Clone(st.users)
	out.chats = make(map[int]*Chat, len(st.chats))
	for id, c := range st.chats {
		cp := *c
		out.chats[id] = &cp
	}
	out.members = make(map[int][]ChatUser, len(st.members))
	for id, ms := range st.members {
		out.members[id] = slices.Clone(ms)
	}
	out.messages = make(map[int][]Message, len(st.messages))
	for id, ms := range st.messages {
		out.messages[id] = slices.Clone(ms)
	}
	return &out
}

func (st *memState) addUser(username string) user.User {
	st.nextUser++
	u := user.User{ID: st.nextUser, Username: username}
	st.users[u.ID] = u
	return u
}

func (st *memState) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(st)
}

func (st *memState) GetChat(ctx context.Context, chatID int) (*Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, ok := st.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("get chat %d: %w", chatID, ErrNotFound)
	}
	out := *c
	for _, m := range st.members[chatID] {
		out.Members = append(out.Members, m.UserID)
	}
	return &out, nil
}

func (st *memState) CreateChat(ctx context.Context, name string, creatorID int) (*Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := st.users[creatorID]; !ok {
		return nil, fmt.Errorf("create chat: user %d: %w", creatorID, ErrNotFound)
	}

	st.nextChat++
	now := st.now()
	c := &Chat{ID: st.nextChat, Name: name, CreatedAt: now}
	st.chats[c.ID] = c
	st.members[c.ID] = []ChatUser{{ChatID: c.ID, UserID: creatorID, JoinedAt: now}}

	out := *c
	out.Members = []int{creatorID}
	return &out, nil
}

func (st *memState) ChatsOfUser(ctx context.Context, userID int) ([]*Chat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*Chat
	for id := 1; id <= st.nextChat; id++ {
		c, ok := st.chats[id]
		if !ok {
			continue
		}
		for _, m := range st.members[id] {
			if m.UserID == userID {
				cp := *c
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (st *memState) GetUser(ctx context.Context, userID int) (*user.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u, ok := st.users[userID]
	if !ok {
		return nil, fmt.Errorf("get user %d: %w", userID, ErrNotFound)
	}
	return &u, nil
}

func (st *memState) GetMembers(ctx context.Context, chatID int) ([]user.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []user.User
	for _, m := range st.members[chatID] {
		out = append(out, st.users[m.UserID])
	}
	return out, nil
}

func (st *memState) IsMember(ctx context.Context, chatID, userID int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	for _, m := range st.members[chatID] {
		if m.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (st *memState) AddMember(ctx context.Context, chatID, userID int) (*ChatUser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := st.chats[chatID]; !ok {
		return nil, fmt.Errorf("add member: chat %d: %w", chatID, ErrNotFound)
	}
	if _, ok := st.users[userID]; !ok {
		return nil, fmt.Errorf("add member: user %d: %w", userID, ErrNotFound)
	}
	for _, m := range st.members[chatID] {
		if m.UserID == userID {
			return nil, fmt.Errorf("add member %d to chat %d: %w", userID, chatID, ErrConflict)
		}
	}

	cu := ChatUser{ChatID: chatID, UserID: userID, JoinedAt: st.now()}
	st.members[chatID] = append(st.members[chatID], cu)
	return &cu, nil
}

func (st *memState) CreateMessage(ctx context.Context, msg *Message) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := st.chats[msg.ChatID]; !ok {
		return nil, fmt.Errorf("create message: chat %d: %w", msg.ChatID, ErrNotFound)
	}

	st.nextMessage++
	out := *msg
	out.ID = st.nextMessage
	out.CreatedAt = st.now()
	st.messages[msg.ChatID] = append(st.messages[msg.ChatID], out)
	return &out, nil
}

func (st *memState) GetMessages(ctx context.Context, chatID int) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored := st.messages[chatID]
	out := make([]*Message, 0, len(stored))
	for i := range stored {
		m := stored[i]
		out = append(out, &m)
	}
	return out, nil
}
