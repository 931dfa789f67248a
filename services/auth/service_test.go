package auth_test

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"reelcoral/config"
	"reelcoral/services/auth"
)

func newTestService(t *testing.T) *auth.Service {
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

func TestLoginAndVerify(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.Login("alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a token")
	}

	user, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if user != "alice" {
		t.Fatalf("expected alice, got %q", user)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.Login("alice", "wrong"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login("mallory", "hunter2"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("unknown user must fail the same way, got %v", err)
	}
}

func TestVerifyRejectsBogusTokens(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.Verify(""); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("empty token must fail, got %v", err)
	}
	if _, err := svc.Verify("not-a-real-token"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("unknown token must fail, got %v", err)
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.Login("alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	svc.Logout(token)
	if _, err := svc.Verify(token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("token must be dead after logout, got %v", err)
	}

	// logging out twice is harmless
	svc.Logout(token)
}

func TestPlaintextPasswordMigration(t *testing.T) {
	svc, err := auth.NewService([]config.UserConfig{
		{Username: "bob", Password: "legacy-secret"},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	if _, err := svc.Login("bob", "legacy-secret"); err != nil {
		t.Fatalf("legacy plaintext password must still log in: %v", err)
	}
}

func TestEnabled(t *testing.T) {
	svc, err := auth.NewService(nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.Enabled() {
		t.Fatalf("no accounts must mean auth disabled")
	}
	if newTestService(t).Enabled() == false {
		t.Fatalf("configured accounts must enable auth")
	}
}
