package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gip-inclusion/immersion-facile-sub025/convention"
)

var (
	// ErrInvalidToken signals a token that is malformed, expired or badly signed.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidRole signals a role outside the known actor roles.
	ErrInvalidRole = errors.New("auth: invalid role")
	// ErrSignatoryScope signals a signatory token without a convention scope.
	ErrSignatoryScope = errors.New("auth: signatory tokens must be scoped to a convention")
)

const defaultTTL = 24 * time.Hour

// Service mints and verifies actor tokens.
type Service struct {
	jwtSecret []byte
	now       func() time.Time
}

// NewService creates a new token service.
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// IssueToken signs an actor token.
func (s *Service) IssueToken(req IssueRequest) (string, error) {
	role := convention.Role(strings.TrimSpace(string(req.Role)))
	if !role.Valid() || role == convention.RoleSystem {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, req.Role)
	}
	if role.IsSignatory() && req.ConventionID == "" {
		return "", ErrSignatoryScope
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	now := s.now()
	claims := jwt.MapClaims{
		"sub":  req.Subject,
		"role": string(role),
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
	}
	if req.ConventionID != "" {
		claims["convention_id"] = req.ConventionID
	}
	if req.AgencyID != "" {
		claims["agency_id"] = req.AgencyID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns the actor it identifies.
func (s *Service) VerifyToken(tokenString string) (Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, ErrInvalidToken
	}

	roleStr, ok := claims["role"].(string)
	if !ok {
		return Actor{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := convention.Role(roleStr)
	if !role.Valid() || role == convention.RoleSystem {
		return Actor{}, fmt.Errorf("%w: %q", ErrInvalidRole, roleStr)
	}

	actor := Actor{Role: role}
	actor.Subject, _ = claims["sub"].(string)
	actor.ConventionID, _ = claims["convention_id"].(string)
	actor.AgencyID, _ = claims["agency_id"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		actor.ExpiresAt = exp.Time
	}
	if role.IsSignatory() && actor.ConventionID == "" {
		return Actor{}, ErrSignatoryScope
	}
	return actor, nil
}
