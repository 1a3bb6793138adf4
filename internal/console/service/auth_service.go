package service

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/infra/auth"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type AuthProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

// AdminCredentials — учетная запись из конфига, работает без базы.
type AdminCredentials struct {
	Username     string
	PasswordHash string // bcrypt
}

type AuthService struct {
	*auth.BaseValidator
	repo   AuthProvider
	admin  AdminCredentials
	issuer *auth.Issuer
}

// NewAuthService. repo может быть nil: тогда вход только под администратором из конфига.
func NewAuthService(repo AuthProvider, admin AdminCredentials, validator *auth.BaseValidator, issuer *auth.Issuer) *AuthService {
	return &AuthService{
		BaseValidator: validator,
		repo:          repo,
		admin:         admin,
		issuer:        issuer,
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	userID, scopes, err := s.authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}

	// Подпись токена ЗАКРЫТЫМ КЛЮЧОМ (RS256)
	resp, err := s.issuer.Issue(userID, scopes)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *AuthService) authenticate(ctx context.Context, username, password string) (string, map[string]bool, error) {
	// 1. Администратор из конфига
	if s.admin.Username != "" && s.admin.PasswordHash != "" && username == s.admin.Username {
		if bcrypt.CompareHashAndPassword([]byte(s.admin.PasswordHash), []byte(password)) != nil {
			return "", nil, ErrInvalidCredentials
		}
		return username, map[string]bool{domain.ScopeAdmin: true}, nil
	}

	// 2. Пользователи из Postgres
	if s.repo == nil {
		return "", nil, ErrInvalidCredentials
	}
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil || user == nil {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	return user.ID, user.Scopes, nil
}
