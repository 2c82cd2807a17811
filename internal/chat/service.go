package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go-messenger/internal/broker"
	"go-messenger/internal/metrics"
	"go-messenger/internal/user"

	"go.uber.org/zap"
)

const (
	maxChatName    = 100
	maxMessageText = 4096

	// A stored message is announced even if the caller went away meanwhile.
	publishTimeout = 5 * time.Second
)

// Service is the ingress side: every write goes to the Store first and is
// announced on the chat topic afterwards.
//
// When the store write succeeds but the announcement fails, the methods
// return the stored record together with an error wrapping
// ErrBrokerUnavailable. The write is not rolled back.
type Service struct {
	store   Store
	pub     broker.Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewService(store Store, pub broker.Publisher, log *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{store: store, pub: pub, log: log, metrics: m}
}

func (s *Service) CreateChat(ctx context.Context, creatorID int, name string) (*Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxChatName {
		return nil, fmt.Errorf("chat name: %w", ErrInvalidInput)
	}

	var c *Chat
	var created *Message
	err := s.store.WithTx(ctx, func(tx Store) error {
		var err error
		if c, err = tx.CreateChat(ctx, name, creatorID); err != nil {
			return err
		}
		created, err = tx.CreateMessage(ctx, &Message{
			ChatID: c.ID,
			UserID: creatorID,
			Text:   fmt.Sprintf("Chat %s created", c.Name),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("chat created", zap.Int("chat_id", c.ID), zap.Int("user_id", creatorID))

	return c, s.publish(ctx, created)
}

func (s *Service) Invite(ctx context.Context, inviterID, chatID, userID int) (*ChatUser, error) {
	if err := s.requireMember(ctx, chatID, inviterID); err != nil {
		return nil, err
	}
	friend, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var cu *ChatUser
	var joined *Message
	err = s.store.WithTx(ctx, func(tx Store) error {
		var err error
		if cu, err = tx.AddMember(ctx, chatID, userID); err != nil {
			return err
		}
		joined, err = tx.CreateMessage(ctx, &Message{
			ChatID: chatID,
			UserID: inviterID,
			Text:   fmt.Sprintf("Your friend %s joined the party!", friend.Username),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("member invited",
		zap.Int("chat_id", chatID), zap.Int("user_id", userID), zap.Int("inviter_id", inviterID))

	err = s.publish(ctx, joined)
	s.notify(ctx, userID, Notification{Type: NotificationInvited, ChatID: chatID, FromID: inviterID})
	return cu, err
}

func (s *Service) SendMessage(ctx context.Context, senderID, chatID int, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > maxMessageText {
		return nil, fmt.Errorf("message text: %w", ErrInvalidInput)
	}
	if err := s.requireMember(ctx, chatID, senderID); err != nil {
		return nil, err
	}

	return s.persistAndPublish(ctx, &Message{ChatID: chatID, UserID: senderID, Text: text})
}

// NotifyUser pushes a one-off notice to a user's live notification stream.
// Nothing is stored, so a broker failure is a plain failure here.
func (s *Service) NotifyUser(ctx context.Context, fromID, userID int, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("notice text: %w", ErrInvalidInput)
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return err
	}

	payload, err := json.Marshal(Notification{Type: NotificationNotice, FromID: fromID, Text: text})
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, broker.UserTopic(userID), payload); err != nil {
		return fmt.Errorf("notify user %d: %w: %w", userID, ErrBrokerUnavailable, err)
	}
	return nil
}

func (s *Service) GetChat(ctx context.Context, chatID int) (*Chat, error) {
	return s.store.GetChat(ctx, chatID)
}

func (s *Service) GetMembers(ctx context.Context, chatID int) ([]user.User, error) {
	if _, err := s.store.GetChat(ctx, chatID); err != nil {
		return nil, err
	}
	return s.store.GetMembers(ctx, chatID)
}

func (s *Service) ChatsOfUser(ctx context.Context, userID int) ([]*Chat, error) {
	return s.store.ChatsOfUser(ctx, userID)
}

// History returns the stored backlog of a chat to one of its members.
func (s *Service) History(ctx context.Context, userID, chatID int) ([]*Message, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.store.GetMessages(ctx, chatID)
}

// requireMember fails with ErrNotFound for a missing chat and ErrForbidden
// for a non-member.
func (s *Service) requireMember(ctx context.Context, chatID, userID int) error {
	if _, err := s.store.GetChat(ctx, chatID); err != nil {
		return err
	}
	ok, err := s.store.IsMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %d in chat %d: %w", userID, chatID, ErrForbidden)
	}
	return nil
}

func (s *Service) persistAndPublish(ctx context.Context, msg *Message) (*Message, error) {
	stored, err := s.store.CreateMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	return stored, s.publish(ctx, stored)
}

// publish announces a stored message on its chat topic. Failures wrap
// ErrBrokerUnavailable.
func (s *Service) publish(ctx context.Context, stored *Message) error {
	payload, err := stored.Encode()
	if err != nil {
		return fmt.Errorf("encode message %d: %w", stored.ID, err)
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.pub.Publish(pubCtx, broker.ChatTopic(stored.ChatID), payload); err != nil {
		s.metrics.Published("failed")
		s.log.Warn("message stored but not delivered",
			zap.Int("message_id", stored.ID), zap.Int("chat_id", stored.ChatID), zap.Error(err))
		return fmt.Errorf("publish message %d: %w: %w", stored.ID, ErrBrokerUnavailable, err)
	}
	s.metrics.Published("ok")
	return nil
}

// notify is best effort: the invite already happened and is visible in the
// chat backlog.
func (s *Service) notify(ctx context.Context, userID int, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := s.pub.Publish(context.WithoutCancel(ctx), broker.UserTopic(userID), payload); err != nil {
		s.log.Warn("user notification not delivered", zap.Int("user_id", userID), zap.Error(err))
	}
}

func isDegraded(err error) bool {
	return errors.Is(err, ErrBrokerUnavailable)
}
