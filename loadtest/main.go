package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	UserCount = 500 // Pairs. Start small, the database might choke on 1000 immediately.
	MsgCount  = 20  // Messages per user
)

var (
	baseURL = flag.String("url", "http://localhost:8080", "server base url")

	sent     atomic.Int64
	received atomic.Int64
)

type AuthResponse struct {
	Token string `json:"access_token"`
	ID    int    `json:"id"`
}

type ChatResponse struct {
	ID int `json:"id"`
}

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", UserCount*2, MsgCount)
	start := time.Now()
	var wg sync.WaitGroup

	// We will create pairs: User 0 talks to User 1, User 2 talks to User 3...
	for i := 0; i < UserCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s: sent=%d received=%d", time.Since(start), sent.Load(), received.Load())
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	// 1. Register & Login
	a := authenticate(userA, pass)
	b := authenticate(userB, pass)
	if a.Token == "" || b.Token == "" {
		return // Failed auth
	}

	// 2. A creates the chat and invites B
	var chat ChatResponse
	if err := call(a.Token, http.MethodPost, "/api/chats", map[string]string{"name": "pair " + userA}, &chat); err != nil {
		log.Printf("❌ Create Chat Failed: %v", err)
		return
	}
	if err := call(a.Token, http.MethodPost, fmt.Sprintf("/api/chats/%d/invite", chat.ID), map[string]int{"user_id": b.ID}, nil); err != nil {
		log.Printf("❌ Invite Failed: %v", err)
		return
	}

	// 3. Both sides listen and talk
	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go chatter(&wsWg, a.Token, chat.ID, userA)
	go chatter(&wsWg, b.Token, chat.ID, userB)
	wsWg.Wait()
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(username, password string) AuthResponse {
	creds := map[string]string{"username": username, "password": password}
	_ = call("", http.MethodPost, "/register", creds, nil)

	var data AuthResponse
	if err := call("", http.MethodPost, "/login", creds, &data); err != nil {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
	}
	return data
}

func chatter(wg *sync.WaitGroup, token string, chatID int, user string) {
	defer wg.Done()

	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/ws/chats/%d?token=%s", wsURL, chatID, token), nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", user, err)
		return
	}
	defer conn.Close()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			received.Add(1)
		}
	}()

	path := fmt.Sprintf("/api/chats/%d/messages", chatID)
	for i := 0; i < MsgCount; i++ {
		body := map[string]string{"text": fmt.Sprintf("LoadTest Msg %d from %s", i, user)}
		if err := call(token, http.MethodPost, path, body, nil); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", user, err)
			break
		}
		sent.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}

	// Let the last frames drain before hanging up
	time.Sleep(time.Second)
	log.Printf("✅ %s finished sending %d msgs", user, MsgCount)
}

func call(token, method, endpoint string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, *baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, endpoint, resp.Status)
	}
	if warning := resp.Header.Get("X-Delivery-Warning"); warning != "" {
		log.Printf("⚠️ %s %s: %s", method, endpoint, warning)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
