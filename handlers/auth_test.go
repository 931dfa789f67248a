package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"reelcoral/config"
	"reelcoral/services/auth"
)

func newAuthService(t *testing.T) *auth.Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	svc, err := auth.NewService([]config.UserConfig{
		{Username: "alice", PasswordHash: string(hash)},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func doLogin(t *testing.T, h *AuthHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Login(rec, req)
	return rec
}

func TestLoginSetsSessionCookie(t *testing.T) {
	h := NewAuthHandler(newAuthService(t))

	rec := doLogin(t, h, `{"username": "alice", "password": "hunter2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		OK       bool   `json:"ok"`
		Username string `json:"username"`
		Token    string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OK || resp.Username != "alice" || resp.Token == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "reelcoral_session" {
		t.Fatalf("expected a session cookie, got %+v", cookies)
	}
	if cookies[0].Value != resp.Token || !cookies[0].HttpOnly {
		t.Fatalf("cookie must carry the token and be http-only: %+v", cookies[0])
	}
}

func TestLoginRejections(t *testing.T) {
	h := NewAuthHandler(newAuthService(t))

	if rec := doLogin(t, h, `{"username": "alice", "password": "wrong"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", rec.Code)
	}
	if rec := doLogin(t, h, `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec.Code)
	}
}

func TestCheckAndLogout(t *testing.T) {
	svc := newAuthService(t)
	h := NewAuthHandler(svc)

	rec := doLogin(t, h, `{"username": "alice", "password": "hunter2"}`)
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/check", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec = httptest.NewRecorder()
	h.Check(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("check status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec = httptest.NewRecorder()
	h.Logout(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}

	// the token is dead now
	req = httptest.NewRequest(http.MethodGet, "/api/auth/check", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec = httptest.NewRecorder()
	h.Check(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("check after logout status = %d", rec.Code)
	}
}

func TestCheckOpenServer(t *testing.T) {
	svc, err := auth.NewService(nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h := NewAuthHandler(svc)

	rec := httptest.NewRecorder()
	h.Check(rec, httptest.NewRequest(http.MethodGet, "/api/auth/check", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("open server check status = %d", rec.Code)
	}
}

func TestTokenFromRequestPrecedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?token=from-query", nil)
	req.AddCookie(&http.Cookie{Name: "reelcoral_session", Value: "from-cookie"})

	if got := TokenFromRequest(req); got != "from-cookie" {
		t.Fatalf("cookie must outrank query, got %q", got)
	}

	req.Header.Set("Authorization", "Bearer from-header")
	if got := TokenFromRequest(req); got != "from-header" {
		t.Fatalf("header must outrank cookie, got %q", got)
	}

	bare := httptest.NewRequest(http.MethodGet, "/?token=from-query", nil)
	if got := TokenFromRequest(bare); got != "from-query" {
		t.Fatalf("query must be the fallback, got %q", got)
	}
}
