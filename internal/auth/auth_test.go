package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fraudlab/ringtrace/internal/models"
)

type memUserStore struct {
	users map[string]*models.User
}

func (m *memUserStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return m.users[username], nil
}

func (m *memUserStore) CreateUser(ctx context.Context, user *models.User) error {
	m.users[user.Username] = user
	return nil
}

func newTestService(t *testing.T, expiry time.Duration) (*Service, *memUserStore) {
	t.Helper()
	store := &memUserStore{users: map[string]*models.User{}}

	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	store.users["analyst"] = &models.User{
		ID:           uuid.New(),
		Username:     "analyst",
		PasswordHash: hash,
		Role:         "analyst",
	}

	return NewService(Config{JWTSecret: "test-secret", TokenExpiry: expiry}, store), store
}

func TestLoginAndValidate(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()

	token, err := svc.Login(ctx, "analyst", "hunter2")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if token.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", token.TokenType)
	}

	claims, err := svc.ValidateToken(token.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken() error: %v", err)
	}
	if claims.Username != "analyst" || claims.Role != "analyst" {
		t.Errorf("claims = %+v, want analyst/analyst", claims)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()

	if _, err := svc.Login(ctx, "analyst", "wrong"); err != ErrInvalidCredentials {
		t.Errorf("Login(bad password) error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody", "hunter2"); err != ErrInvalidCredentials {
		t.Errorf("Login(unknown user) error = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	other := NewService(Config{JWTSecret: "different-secret"}, nil)

	token, err := svc.Login(context.Background(), "analyst", "hunter2")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	if _, err := other.ValidateToken(token.AccessToken); err != ErrInvalidToken {
		t.Errorf("ValidateToken(wrong secret) error = %v, want ErrInvalidToken", err)
	}
	if _, err := svc.ValidateToken(token.AccessToken + "x"); err != ErrInvalidToken {
		t.Errorf("ValidateToken(tampered) error = %v, want ErrInvalidToken", err)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	svc, _ := newTestService(t, -time.Minute)

	token, err := svc.Login(context.Background(), "analyst", "hunter2")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	if _, err := svc.ValidateToken(token.AccessToken); err != ErrTokenExpired {
		t.Errorf("ValidateToken(expired) error = %v, want ErrTokenExpired", err)
	}
}
