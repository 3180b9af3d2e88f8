package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func staticTokens(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
}

func TestCreateSendsBearerToken(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"session": map[string]string{"id": "sess-42", "name": "standup"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticTokens("tok-123"))
	sess, err := c.Create(context.Background(), "standup", "daily sync")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if sess.ID != "sess-42" || sess.Name != "standup" {
		t.Fatalf("Unexpected session: %+v", sess)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotPath != "/sessions" {
		t.Fatalf("Path = %q, want /sessions", gotPath)
	}
	if gotBody["name"] != "standup" || gotBody["description"] != "daily sync" {
		t.Fatalf("Request body = %v", gotBody)
	}
}

func TestJoinPostsSessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/join" {
			t.Errorf("Path = %q, want /sessions/join", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["session_id"] != "sess-42" {
			t.Errorf("Body = %v, want session_id=sess-42", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"session": map[string]string{"id": "sess-42", "host": "host-peer"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticTokens("tok"))
	sess, err := c.Join(context.Background(), "sess-42")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if sess.Host != "host-peer" {
		t.Fatalf("Host = %q, want host-peer", sess.Host)
	}
}

func TestClientWithoutTokensFailsEarly(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	if _, err := c.Create(context.Background(), "x", ""); err == nil {
		t.Fatal("Expected error without a token source")
	}
	if called {
		t.Fatal("No request should be sent without a token")
	}
}

func TestClientErrorStatuses(t *testing.T) {
	testCases := []struct {
		name       string
		status     int
		body       string
		wantSubstr string
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, "rejected credentials"},
		{"forbidden", http.StatusForbidden, `{}`, "rejected credentials"},
		{"server error", http.StatusInternalServerError, `{}`, "status"},
		{"missing session id", http.StatusOK, `{"session":{}}`, "no session id"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, staticTokens("tok"))
			_, err := c.Join(context.Background(), "sess-1")
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tc.wantSubstr) {
				t.Fatalf("Error %q does not mention %q", err, tc.wantSubstr)
			}
		})
	}
}
