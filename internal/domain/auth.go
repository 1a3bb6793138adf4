package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes, которые проверяют шлюз и консоль.
const (
	// ScopeAdmin открывает все, включая изменение политик и аварийные переключатели
	ScopeAdmin = "admin"
	// ScopeInvoke — вызов инструментов, линии и под-задачи
	ScopeInvoke = "tools:invoke"
)

// CustomClaims — полезная нагрузка JWT (RS256), общая для шлюза и консоли.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"`
	jwt.RegisteredClaims
}

// Allows — есть ли у токена scope. admin подразумевает любой.
func (c *CustomClaims) Allows(scope string) bool {
	if c == nil {
		return false
	}
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"` // секунды
}

// User — оператор консоли из таблицы users.
type User struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"` // bcrypt, наружу не отдаем
	Role         string          `json:"role"`
	Scopes       map[string]bool `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
