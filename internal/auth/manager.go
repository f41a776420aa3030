package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v4"
)

const (
	DefaultTokenTTL     = 30 * 24 * time.Hour
	DefaultChallengeTTL = 10 * time.Minute
	maxCodeAttempts     = 5
	issuer              = "tokligence-credits"
)

var (
	ErrInvalidToken      = errors.New("auth: invalid token")
	ErrTokenExpired      = errors.New("auth: token expired")
	ErrChallengeNotFound = errors.New("auth: challenge not found or expired")
	ErrInvalidCode       = errors.New("auth: invalid verification code")
	ErrChallengeMismatch = errors.New("auth: challenge belongs to another identity")
)

// Session is the identity a bearer token speaks for.
type Session struct {
	UserID    string
	Anonymous bool
	ExpiresAt time.Time
}

// Claims is the signed token body.
type Claims struct {
	jwt.RegisteredClaims
	Anonymous bool `json:"anon"`
}

// Challenge is a pending email verification for an identity upgrade.
type Challenge struct {
	ID        string
	Code      string
	ExpiresAt time.Time
}

type challenge struct {
	userID   string
	email    string
	code     string
	expires  time.Time
	attempts int
}

// Manager issues session tokens bound to one identity and runs the email
// challenge that precedes an upgrade.
type Manager struct {
	secret []byte
	clock  quartz.Clock
	ttl    time.Duration

	mu         sync.Mutex
	challenges map[string]challenge
}

// NewManager creates a Manager signing with secret. A nil clock uses wall time.
func NewManager(secret string, clock quartz.Clock) *Manager {
	if secret == "" {
		panic("auth manager requires non-empty secret")
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Manager{
		secret:     []byte(secret),
		clock:      clock,
		ttl:        DefaultChallengeTTL,
		challenges: make(map[string]challenge),
	}
}

// IssueToken signs a session token for userID.
func (m *Manager) IssueToken(userID string, anonymous bool, ttl time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("auth: user id required")
	}
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	now := m.clock.Now()
	expires := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Anonymous: anonymous,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return token, expires.UTC(), nil
}

// ValidateToken verifies the signature and expiry and returns the session.
func (m *Manager) ValidateToken(token string) (Session, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.Issuer != issuer {
		return Session{}, ErrInvalidToken
	}
	if !claims.VerifyExpiresAt(m.clock.Now(), true) {
		return Session{}, ErrTokenExpired
	}
	return Session{
		UserID:    claims.Subject,
		Anonymous: claims.Anonymous,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// CreateChallenge registers a verification code that lets userID claim email.
// Any earlier challenge for userID is dropped, so at most one is live.
func (m *Manager) CreateChallenge(userID, email string) (Challenge, error) {
	if userID == "" || email == "" {
		return Challenge{}, errors.New("auth: user id and email required")
	}
	id, err := randomID()
	if err != nil {
		return Challenge{}, err
	}
	code, err := randomCode()
	if err != nil {
		return Challenge{}, err
	}
	now := m.clock.Now()
	expires := now.Add(m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.challenges {
		if now.After(c.expires) || c.userID == userID {
			delete(m.challenges, k)
		}
	}
	m.challenges[id] = challenge{userID: userID, email: email, code: code, expires: expires}
	return Challenge{ID: id, Code: code, ExpiresAt: expires.UTC()}, nil
}

// VerifyChallenge checks code for the challenge and returns the email it was
// issued for. A challenge is single use and dies after too many bad codes.
func (m *Manager) VerifyChallenge(challengeID, userID, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[challengeID]
	if !ok || m.clock.Now().After(c.expires) {
		delete(m.challenges, challengeID)
		return "", ErrChallengeNotFound
	}
	if c.userID != userID {
		return "", ErrChallengeMismatch
	}
	if subtle.ConstantTimeCompare([]byte(c.code), []byte(strings.TrimSpace(code))) != 1 {
		c.attempts++
		if c.attempts >= maxCodeAttempts {
			delete(m.challenges, challengeID)
		} else {
			m.challenges[challengeID] = c
		}
		return "", ErrInvalidCode
	}
	delete(m.challenges, challengeID)
	return c.email, nil
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func randomCode() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	value := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
	return fmt.Sprintf("%06d", value%1000000), nil
}
