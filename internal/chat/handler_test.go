package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"go-messenger/internal/broker"
	myMiddleware "go-messenger/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// idTokens accepts the user id itself as the token.
type idTokens struct{}

func (idTokens) ValidateToken(token string) (int, string, error) {
	id, err := strconv.Atoi(token)
	if err != nil {
		return 0, "", errors.New("bad token")
	}
	return id, "user" + token, nil
}

func newTestServer(t *testing.T, svc *Service, streamer *Streamer) *httptest.Server {
	t.Helper()
	h := NewHandler(svc, streamer, zap.NewNop(), time.Second)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(idTokens{}).Handle)
		h.Routes(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, userID int, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+strconv.Itoa(userID))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func dial(t *testing.T, srv *httptest.Server, path string, userID int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?token=" + strconv.Itoa(userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var m Message
	require.NoError(t, json.Unmarshal(payload, &m))
	return &m
}

func TestHandler_ChatLifecycle(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("Alice")
	bob := f.store.AddUser("Bob")
	mallory := f.store.AddUser("Mallory")
	srv := newTestServer(t, f.service, f.streamer)

	resp := call(t, srv, http.MethodPost, "/api/chats", alice.ID, CreateChatRequest{Name: "Team"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	c := decodeBody[Chat](t, resp)
	assert.Equal(t, "Team", c.Name)
	assert.Equal(t, []int{alice.ID}, c.Members)

	resp = call(t, srv, http.MethodPost, fmt.Sprintf("/api/chats/%d/invite", c.ID), alice.ID, InviteRequest{UserID: bob.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	cu := decodeBody[ChatUser](t, resp)
	assert.Equal(t, bob.ID, cu.UserID)

	resp = call(t, srv, http.MethodPost, fmt.Sprintf("/api/chats/%d/invite", c.ID), alice.ID, InviteRequest{UserID: bob.ID})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = call(t, srv, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", c.ID), bob.ID, SendMessageRequest{Text: "hi all"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decodeBody[Message](t, resp)
	assert.Equal(t, "hi all", msg.Text)
	assert.Equal(t, bob.ID, msg.UserID)

	resp = call(t, srv, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", c.ID), mallory.ID, SendMessageRequest{Text: "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = call(t, srv, http.MethodGet, fmt.Sprintf("/api/chats/%d/messages", c.ID), bob.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeBody[[]Message](t, resp)
	require.Len(t, history, 3)
	assert.Equal(t, "hi all", history[2].Text)

	resp = call(t, srv, http.MethodGet, fmt.Sprintf("/api/chats/%d/members", c.ID), bob.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]map[string]any](t, resp), 2)

	resp = call(t, srv, http.MethodGet, "/api/chats/my", bob.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]Chat](t, resp), 1)

	resp = call(t, srv, http.MethodGet, "/api/chats/999", bob.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_BadRequests(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("Alice")
	srv := newTestServer(t, f.service, f.streamer)

	resp := call(t, srv, http.MethodPost, "/api/chats", alice.ID, CreateChatRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, srv, http.MethodPost, "/api/chats/abc/messages", alice.ID, SendMessageRequest{Text: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, srv, http.MethodPost, "/api/chats/1/invite", alice.ID, InviteRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/chats/my", nil)
	require.NoError(t, err)
	unauth, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer unauth.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, unauth.StatusCode)
}

func TestHandler_DegradedDeliveryIsStillCreated(t *testing.T) {
	store := NewMemoryStore()
	alice := store.AddUser("Alice")
	b := broker.NewMemory(broker.DefaultBufferSize)
	defer b.Close()
	svc := NewService(store, failingPublisher{}, zap.NewNop(), nil)
	srv := newTestServer(t, svc, NewStreamer(store, b, zap.NewNop(), nil))

	resp := call(t, srv, http.MethodPost, "/api/chats", alice.ID, CreateChatRequest{Name: "Team"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(DeliveryWarningHeader))
	c := decodeBody[Chat](t, resp)

	resp = call(t, srv, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", c.ID), alice.ID, SendMessageRequest{Text: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(DeliveryWarningHeader))

	resp = call(t, srv, http.MethodPost, fmt.Sprintf("/api/users/%d/notify", alice.ID), alice.ID, NotifyRequest{Text: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_ChatStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.store.AddUser("Alice")
	bob := f.store.AddUser("Bob")
	srv := newTestServer(t, f.service, f.streamer)

	c, err := f.service.CreateChat(ctx, alice.ID, "Team")
	require.NoError(t, err)
	_, err = f.service.Invite(ctx, alice.ID, c.ID, bob.ID)
	require.NoError(t, err)
	topic := broker.ChatTopic(c.ID)

	conn := dial(t, srv, fmt.Sprintf("/ws/chats/%d", c.ID), bob.ID)

	assert.Equal(t, "Chat Team created", readFrame(t, conn).Text)
	assert.Equal(t, "Your friend Bob joined the party!", readFrame(t, conn).Text)

	require.Eventually(t, func() bool { return f.subscribers(t, topic) == 1 }, waitFor, 10*time.Millisecond)

	resp := call(t, srv, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", c.ID), alice.ID, SendMessageRequest{Text: "welcome"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	live := readFrame(t, conn)
	assert.Equal(t, "welcome", live.Text)
	assert.Equal(t, alice.ID, live.UserID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.subscribers(t, topic) == 0 }, waitFor, 10*time.Millisecond)

	_, err = f.service.SendMessage(ctx, alice.ID, c.ID, "anyone?")
	require.NoError(t, err)
}

func TestHandler_ChatStreamDenied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.store.AddUser("Alice")
	mallory := f.store.AddUser("Mallory")
	srv := newTestServer(t, f.service, f.streamer)

	c, err := f.service.CreateChat(ctx, alice.ID, "Team")
	require.NoError(t, err)

	conn := dial(t, srv, fmt.Sprintf("/ws/chats/%d", c.ID), mallory.ID)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err = conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseForbidden, closeErr.Code)
	assert.Equal(t, "access denied", closeErr.Text)
}

func TestHandler_Notifications(t *testing.T) {
	f := newFixture(t)
	alice := f.store.AddUser("Alice")
	bob := f.store.AddUser("Bob")
	srv := newTestServer(t, f.service, f.streamer)

	conn := dial(t, srv, "/ws/notifications", bob.ID)
	require.Eventually(t, func() bool {
		return f.subscribers(t, broker.UserTopic(bob.ID)) == 1
	}, waitFor, 10*time.Millisecond)

	resp := call(t, srv, http.MethodPost, fmt.Sprintf("/api/users/%d/notify", bob.ID), alice.ID, NotifyRequest{Text: "lunch?"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"notice","from_id":1,"text":"lunch?"}`, string(payload))
}
