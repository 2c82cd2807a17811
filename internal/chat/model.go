package chat

import (
	"encoding/json"
	"time"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type Chat struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	// Member user ids in join order; the creator comes first.
	Members []int `json:"members,omitempty"`
}

type ChatUser struct {
	ChatID   int       `json:"chat_id"`
	UserID   int       `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Message is both the stored record and the frame pushed to stream clients.
type Message struct {
	ID        int       `json:"id"`
	ChatID    int       `json:"chat_id"`
	UserID    int       `json:"user_id"`
	Text      string    `json:"text"`
	Edited    bool      `json:"edited"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Notification is published on a user topic.
type Notification struct {
	Type   string `json:"type"`
	ChatID int    `json:"chat_id,omitempty"`
	FromID int    `json:"from_id,omitempty"`
	Text   string `json:"text,omitempty"`
}

const (
	NotificationInvited = "invited"
	NotificationNotice  = "notice"
)

// ---------------------------------------------
// 📨 Request bodies
// ---------------------------------------------

type CreateChatRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type InviteRequest struct {
	UserID int `json:"user_id" validate:"required,gt=0"`
}

type SendMessageRequest struct {
	Text string `json:"text" validate:"required,max=4096"`
}

type NotifyRequest struct {
	Text string `json:"text" validate:"required,max=1024"`
}
