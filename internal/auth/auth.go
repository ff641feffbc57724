package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/clob/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// UserStore persists users
type UserStore interface {
	CreateUser(ctx context.Context, username, address, passwordHash, role string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// Claims are the JWT claims issued at login
type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	Address  string `json:"address"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token grants admin access
func (c *Claims) IsAdmin() bool {
	return c.Role == models.RoleAdmin
}

// AuthService handles user authentication
type AuthService struct {
	Users  UserStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthService creates a new auth service signing tokens with secret
func NewAuthService(users UserStore, secret string, ttl time.Duration) *AuthService {
	return &AuthService{Users: users, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Register creates a new trader with hashed password
func (s *AuthService) Register(ctx context.Context, username, password, address string) (*models.User, error) {
	return s.RegisterWithRole(ctx, username, password, address, models.RoleTrader)
}

// RegisterWithRole creates a user with the given role
func (s *AuthService) RegisterWithRole(ctx context.Context, username, password, address, role string) (*models.User, error) {
	// Validate input
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty: %w", models.ErrValidation)
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty: %w", models.ErrValidation)
	}
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty: %w", models.ErrValidation)
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("username too long (max 50 characters): %w", models.ErrValidation)
	}
	if len(address) > 100 {
		return nil, fmt.Errorf("address too long (max 100 characters): %w", models.ErrValidation)
	}
	// bcrypt ignores everything past 72 bytes
	if len(password) > 72 {
		return nil, fmt.Errorf("password too long (max 72 characters): %w", models.ErrValidation)
	}
	if role != models.RoleTrader && role != models.RoleAdmin {
		return nil, fmt.Errorf("unknown role %q: %w", role, models.ErrValidation)
	}

	// Hash the password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.Users.CreateUser(ctx, username, address, string(hashedPassword), role)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.Users.GetUserByUsername(ctx, username)
	if errors.Is(err, models.ErrNotFound) {
		return "", fmt.Errorf("invalid credentials: %w", models.ErrUnauthorized)
	}
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", fmt.Errorf("invalid credentials: %w", models.ErrUnauthorized)
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:   user.ID,
		Username: user.Username,
		Address:  user.Address,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ParseToken verifies a JWT and returns its claims
func (s *AuthService) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w: %w", models.ErrUnauthorized, err)
	}
	if !token.Valid || claims.Address == "" {
		return nil, fmt.Errorf("invalid token: %w", models.ErrUnauthorized)
	}
	return claims, nil
}
