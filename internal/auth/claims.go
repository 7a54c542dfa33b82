package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service. Tokens
// identify agents; callers authenticate through media room tokens instead.
type Claims struct {
	jwt.RegisteredClaims

	AgentID   string    `json:"agent_id"`
	Email     string    `json:"email"`
	TokenType TokenType `json:"token_type"`
}
