package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/xtrntr/spot-exchange/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for any unknown, malformed or expired credential.
var ErrUnauthorized = errors.New("unauthorized")

// DefaultTokenTTL is the lifetime of issued bearer tokens
const DefaultTokenTTL = 24 * time.Hour

var reservedNames = map[string]bool{"admin": true, "root": true, "support": true}

// Users is the part of the directory the service needs
type Users interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// AuthService handles user registration and authentication. API keys have
// the form "<user id>.<secret>"; only a bcrypt hash of the secret is stored.
type AuthService struct {
	Users  Users
	secret []byte
	ttl    time.Duration
	// Cost is the bcrypt cost for new keys.
	Cost int
}

// NewAuthService creates a new auth service
func NewAuthService(users Users, jwtSecret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &AuthService{Users: users, secret: []byte(jwtSecret), ttl: ttl, Cost: bcrypt.DefaultCost}
}

// Register creates a new USER and returns it with its API key. The key is
// not recoverable afterwards.
func (s *AuthService) Register(ctx context.Context, name string) (*models.User, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("name cannot be empty")
	}
	if len(name) > 50 {
		return nil, "", fmt.Errorf("name too long (max 50 characters)")
	}
	if reservedNames[strings.ToLower(name)] {
		return nil, "", fmt.Errorf("name %q is reserved", name)
	}
	return s.create(ctx, name, models.RoleUser)
}

// CreateAdmin creates an ADMIN user. Reserved names are allowed here.
func (s *AuthService) CreateAdmin(ctx context.Context, name string) (*models.User, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", fmt.Errorf("name cannot be empty")
	}
	return s.create(ctx, strings.TrimSpace(name), models.RoleAdmin)
}

func (s *AuthService) create(ctx context.Context, name string, role models.Role) (*models.User, string, error) {
	secret := strings.ReplaceAll(uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.Cost)
	if err != nil {
		return nil, "", err
	}

	user := &models.User{ID: uuid.New(), Name: name, Role: role, APIKeyHash: string(hash)}
	if err := s.Users.CreateUser(ctx, user); err != nil {
		return nil, "", fmt.Errorf("failed to create user: %w", err)
	}
	return user, user.ID.String() + "." + secret, nil
}

// Authenticate resolves an API key to its user
func (s *AuthService) Authenticate(ctx context.Context, apiKey string) (*models.User, error) {
	idPart, secret, ok := strings.Cut(strings.TrimSpace(apiKey), ".")
	if !ok || secret == "" {
		return nil, ErrUnauthorized
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return nil, ErrUnauthorized
	}

	user, err := s.Users.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.APIKeyHash), []byte(secret)); err != nil {
		return nil, ErrUnauthorized
	}
	return user, nil
}

// IssueToken exchanges an API key for a signed JWT
func (s *AuthService) IssueToken(ctx context.Context, apiKey string) (string, time.Time, error) {
	user, err := s.Authenticate(ctx, apiKey)
	if err != nil {
		return "", time.Time{}, err
	}
	expires := time.Now().Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.ID.String(),
		"role": string(user.Role),
		"exp":  expires.Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ParseToken validates a JWT and loads its user. A user deleted after the
// token was issued is rejected.
func (s *AuthService) ParseToken(ctx context.Context, tokenString string) (*models.User, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, err := token.Claims.GetSubject()
	if err != nil {
		return nil, ErrUnauthorized
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return nil, ErrUnauthorized
	}
	user, err := s.Users.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return user, nil
}
