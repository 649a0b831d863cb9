package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aura-tokprompt/backend/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// ClaimsKey is the gin context key validated claims are stored under.
const ClaimsKey = "claims"

// Claims identifies a principal. Session tokens additionally pin the session, stream and
// role granted by an access code so the code never has to be re-submitted.
type Claims struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	Name        string `json:"name"`
	CompanyID   string `json:"company_id,omitempty"`
	Role        string `json:"role"`
	SessionID   string `json:"session_id,omitempty"`
	StreamID    string `json:"stream_id,omitempty"`
	SessionRole string `json:"session_role,omitempty"`
	jwt.RegisteredClaims
}

// Principal returns the caller identity carried by the token.
func (c *Claims) Principal() models.Principal {
	return models.Principal{
		UserID:    c.UserID,
		CompanyID: c.CompanyID,
		Name:      c.Name,
		Role:      models.PrincipalRole(c.Role),
	}
}

// IsSessionToken reports whether the token was minted by a successful access request.
func (c *Claims) IsSessionToken() bool {
	return c.SessionID != ""
}

// SessionGrant is what a session token pins.
type SessionGrant struct {
	SessionID string      `json:"session_id"`
	StreamID  string      `json:"stream_id"`
	Role      models.Role `json:"role"`
}

// SessionGrant returns the pinned grant of a session token.
func (c *Claims) SessionGrant() (SessionGrant, bool) {
	if !c.IsSessionToken() {
		return SessionGrant{}, false
	}
	role, err := models.ParseRole(c.SessionRole)
	if err != nil {
		return SessionGrant{}, false
	}
	return SessionGrant{SessionID: c.SessionID, StreamID: c.StreamID, Role: role}, true
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret       []byte
	expireHours  int
	sessionHours int
}

// NewJWTService creates a JWT service. Session tokens live for sessionHours.
func NewJWTService(secret string, expireHours, sessionHours int) *JWTService {
	if sessionHours <= 0 {
		sessionHours = expireHours
	}
	return &JWTService{
		secret:       []byte(secret),
		expireHours:  expireHours,
		sessionHours: sessionHours,
	}
}

// Generate creates a principal token for the user.
func (s *JWTService) Generate(p models.Principal, email string) (string, error) {
	claims := Claims{
		UserID:    p.UserID,
		Email:     email,
		Name:      p.Name,
		CompanyID: p.CompanyID,
		Role:      string(p.Role),
	}
	return s.sign(claims, s.expireHours)
}

// GenerateSession creates a token scoped to one session for p.
func (s *JWTService) GenerateSession(p models.Principal, g SessionGrant) (string, error) {
	claims := Claims{
		UserID:      p.UserID,
		Name:        p.Name,
		CompanyID:   p.CompanyID,
		Role:        string(p.Role),
		SessionID:   g.SessionID,
		StreamID:    g.StreamID,
		SessionRole: string(g.Role),
	}
	return s.sign(claims, s.sessionHours)
}

func (s *JWTService) sign(claims Claims, hours int) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(hours) * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.SessionRole != "" {
		if _, err := models.ParseRole(claims.SessionRole); err != nil {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}
