package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store/memory"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

func newService(t *testing.T) (*AuthService, *memory.Store) {
	t.Helper()
	st := memory.New()
	s := NewAuthService(st, testSecret, time.Hour)
	s.Cost = bcrypt.MinCost
	return s, st
}

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name        string
		username    string
		expectError bool
	}{
		{
			name:     "Success",
			username: "alice",
		},
		{
			name:        "EmptyName",
			username:    "  ",
			expectError: true,
		},
		{
			name:        "DuplicateName",
			username:    "alice",
			expectError: true,
		},
		{
			name:        "LongName",
			username:    strings.Repeat("a", 51),
			expectError: true,
		},
		{
			name:        "ReservedName",
			username:    "Admin",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, st := newService(t)

			if tt.name == "DuplicateName" {
				if _, _, err := s.Register(ctx, "alice"); err != nil {
					t.Fatalf("Failed to create user for duplicate test: %v", err)
				}
			}

			user, key, err := s.Register(ctx, tt.username)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if user.Name != tt.username {
				t.Errorf("expected name %q, got %q", tt.username, user.Name)
			}
			if user.Role != models.RoleUser {
				t.Errorf("expected role %s, got %s", models.RoleUser, user.Role)
			}
			if !strings.HasPrefix(key, user.ID.String()+".") {
				t.Errorf("api key %q does not carry the user id", key)
			}

			stored, err := st.GetUser(ctx, user.ID)
			if err != nil {
				t.Fatalf("user not stored: %v", err)
			}
			_, secret, _ := strings.Cut(key, ".")
			if err := bcrypt.CompareHashAndPassword([]byte(stored.APIKeyHash), []byte(secret)); err != nil {
				t.Errorf("api key hash mismatch")
			}
		})
	}
}

func TestAuthService_CreateAdmin(t *testing.T) {
	s, _ := newService(t)
	user, key, err := s.CreateAdmin(context.Background(), "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.Role != models.RoleAdmin {
		t.Errorf("expected role %s, got %s", models.RoleAdmin, user.Role)
	}
	got, err := s.Authenticate(context.Background(), key)
	if err != nil || got.ID != user.ID {
		t.Errorf("admin key does not authenticate: %v", err)
	}
}

func TestAuthService_Authenticate(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	user, key, err := s.Register(ctx, "alice")
	if err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	id, _, _ := strings.Cut(key, ".")

	tests := []struct {
		name        string
		key         string
		expectError bool
	}{
		{name: "Success", key: key},
		{name: "WrongSecret", key: id + ".nope", expectError: true},
		{name: "NoSecret", key: id, expectError: true},
		{name: "BadID", key: "xyz.secret", expectError: true},
		{name: "UnknownUser", key: "7b0c1a9e-3f5d-4c1e-9a7b-2d8e6f4a1c3b." + strings.Repeat("a", 32), expectError: true},
		{name: "Empty", key: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Authenticate(ctx, tt.key)
			if tt.expectError {
				if err != ErrUnauthorized {
					t.Errorf("expected ErrUnauthorized, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ID != user.ID {
				t.Errorf("expected user %s, got %s", user.ID, got.ID)
			}
		})
	}
}

func TestAuthService_ParseToken(t *testing.T) {
	ctx := context.Background()
	s, st := newService(t)
	user, key, err := s.Register(ctx, "alice")
	if err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	token, expires, err := s.IssueToken(ctx, key)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Errorf("token already expired")
	}

	expiredToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user.ID.String(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	expiredTokenStr, _ := expiredToken.SignedString([]byte(testSecret))
	invalidToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user.ID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("wrong-key"))

	ghost := &models.User{Name: "ghost"}
	if err := st.CreateUser(ctx, ghost); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	ghostToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": ghost.ID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if _, err := st.DeleteUser(ctx, ghost.ID); err != nil {
		t.Fatalf("Failed to delete user: %v", err)
	}

	tests := []struct {
		name        string
		token       string
		expectError bool
	}{
		{name: "Success", token: token},
		{name: "ExpiredToken", token: expiredTokenStr, expectError: true},
		{name: "InvalidSignature", token: invalidToken, expectError: true},
		{name: "DeletedUser", token: ghostToken, expectError: true},
		{name: "EmptyToken", token: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ParseToken(ctx, tt.token)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ID != user.ID {
				t.Errorf("expected user %s, got %s", user.ID, got.ID)
			}
		})
	}
}

func TestAuthService_IssueTokenRejectsBadKey(t *testing.T) {
	s, _ := newService(t)
	if _, _, err := s.IssueToken(context.Background(), "bogus"); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}
