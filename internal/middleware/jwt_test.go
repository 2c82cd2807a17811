package myMiddleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubValidator struct{}

func (stubValidator) ValidateToken(token string) (int, string, error) {
	if token == "good" {
		return 7, "alice", nil
	}
	return 0, "", errors.New("bad token")
}

func TestAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := UserID(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		name, _ := r.Context().Value(UsernameKey).(string)
		_, _ = w.Write([]byte(strconv.Itoa(id) + ":" + name))
	})
	h := NewAuthMiddleware(stubValidator{}).Handle(next)

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{name: "bearer header", header: "Bearer good", status: http.StatusOK, body: "7:alice"},
		{name: "lowercase scheme", header: "bearer good", status: http.StatusOK, body: "7:alice"},
		{name: "query token", query: "?token=good", status: http.StatusOK, body: "7:alice"},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "invalid", header: "Bearer bad", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}
