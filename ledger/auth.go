package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bankcore/cardvault/ledger/models"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

// ErrInvalidCredentials covers both unknown usernames and wrong passwords so
// a caller cannot probe which one failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

const tokenTTL = 24 * time.Hour

// Auth issues tokens for the ledger API. The ledger itself only trusts the
// resolved identity; password storage and checking live here, outside the
// core.
type Auth struct {
	repo   *Repository
	secret []byte
	logger *slog.Logger
}

func NewAuth(repo *Repository, secret []byte, logger *slog.Logger) *Auth {
	return &Auth{
		repo:   repo,
		secret: secret,
		logger: logger.With(slog.String("component", "auth")),
	}
}

// Login verifies the password and mints an HS256 token carrying the username
// and role claims the middleware later resolves into an Identity.
func (a *Auth) Login(ctx context.Context, username, password string) (string, error) {
	user, err := a.repo.FindUserByUsername(ctx, username)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.Username,
		"role": string(user.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(tokenTTL).Unix(),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	a.logger.Info("user logged in", slog.String("username", user.Username))
	return signed, nil
}

// CreateUser registers a user with a bcrypt-hashed password.
func (a *Auth) CreateUser(ctx context.Context, id, username, password string, role models.Role) (*models.User, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", models.ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	user := &models.User{
		ID:           id,
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := a.repo.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return user, nil
}
