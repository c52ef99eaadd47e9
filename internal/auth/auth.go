// Package auth identifies operators from bearer tokens and gates device
// endpoints behind a shared secret.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Operator is the authenticated human behind an app connection or request.
type Operator struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	HasAccess bool   `json:"has_access"`
}

// IsAdmin reports whether the operator has the admin role.
func (o Operator) IsAdmin() bool {
	return o.Role == RoleAdmin
}

// CanCommand reports whether the operator may issue regular commands.
// Emergency stop is not subject to this check.
func (o Operator) CanCommand() bool {
	return o.HasAccess || o.IsAdmin()
}

// Claims represents JWT claims used by the relay.
type Claims struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	HasAccess bool   `json:"has_access"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 operator tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Parse validates tokenString and returns the operator it identifies.
func (v *Verifier) Parse(tokenString string) (Operator, error) {
	if tokenString == "" {
		return Operator{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	if len(v.secret) == 0 {
		return Operator{}, fmt.Errorf("%w: empty secret", ErrInvalidToken)
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return Operator{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Operator{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Operator{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	if role != RoleUser && role != RoleAdmin {
		return Operator{}, fmt.Errorf("%w: invalid role %q", ErrInvalidToken, claims.Role)
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}

	return Operator{
		ID:        claims.Subject,
		Name:      name,
		Role:      role,
		HasAccess: claims.HasAccess,
	}, nil
}

// IssueToken mints an HS256 token for op valid for ttl.
func IssueToken(secret string, op Operator, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("issue token: empty secret")
	}
	now := time.Now()
	claims := Claims{
		Name:      op.Name,
		Role:      op.Role,
		HasAccess: op.HasAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return signed, nil
}
