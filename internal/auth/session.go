// Package auth issues and verifies HMAC-signed operator session cookies.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"
)

const cookieName = "digestd_session"

var (
	ErrInvalidSession = errors.New("invalid session token")
	ErrSessionExpired = errors.New("session expired")
	ErrNotAllowed     = errors.New("operator not allowed")
	ErrLoginDisabled  = errors.New("operator login disabled")
	ErrBadCredentials = errors.New("invalid operator credentials")
)

type Manager struct {
	secret   []byte
	maxAge   time.Duration
	allowed  map[string]struct{}
	password [sha256.Size]byte
	enabled  bool
}

type Option func(*Manager)

// WithPassword sets the shared operator password Login checks. Without one
// Login always fails with ErrLoginDisabled.
func WithPassword(password string) Option {
	return func(m *Manager) {
		if password == "" {
			return
		}
		m.password = sha256.Sum256([]byte(password))
		m.enabled = true
	}
}

// New builds a Manager. An empty secret is replaced with a random one, which
// invalidates sessions across restarts. When admins is non-empty only those
// addresses may hold a session.
func New(secret string, maxAge time.Duration, admins []string, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	allowed := map[string]struct{}{}
	for _, admin := range admins {
		if strings.TrimSpace(admin) == "" {
			continue
		}
		normalized, err := NormalizeEmail(admin)
		if err != nil {
			return nil, fmt.Errorf("admin %q: %w", admin, err)
		}
		allowed[normalized] = struct{}{}
	}
	m := &Manager{secret: []byte(secret), maxAge: maxAge, allowed: allowed}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Enabled reports whether an operator password is configured.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Login checks password and issues a session token for email.
func (m *Manager) Login(email, password string, now time.Time) (string, error) {
	if !m.enabled {
		return "", ErrLoginDisabled
	}
	given := sha256.Sum256([]byte(password))
	if subtle.ConstantTimeCompare(given[:], m.password[:]) != 1 {
		return "", ErrBadCredentials
	}
	return m.Issue(email, now)
}

func (m *Manager) CookieName() string {
	return cookieName
}

func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// Allowed reports whether email may log in.
func (m *Manager) Allowed(email string) bool {
	if len(m.allowed) == 0 {
		return true
	}
	_, ok := m.allowed[email]
	return ok
}

func (m *Manager) Issue(email string, now time.Time) (string, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return "", err
	}
	if !m.Allowed(normalized) {
		return "", ErrNotAllowed
	}
	payload := normalized + "|" + strconv.FormatInt(now.Unix(), 10)
	token := payload + "|" + m.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// Parse verifies token and returns the operator address it was issued for.
func (m *Manager) Parse(token string, now time.Time) (string, error) {
	if token == "" {
		return "", ErrInvalidSession
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidSession
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", ErrInvalidSession
	}
	payload := parts[0] + "|" + parts[1]
	if !m.verify(payload, parts[2]) {
		return "", ErrInvalidSession
	}
	timestamp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrInvalidSession
	}
	if now.Sub(time.Unix(timestamp, 0)) > m.maxAge {
		return "", ErrSessionExpired
	}
	if !m.Allowed(parts[0]) {
		return "", ErrNotAllowed
	}
	return parts[0], nil
}

func NormalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(email))
	if trimmed == "" {
		return "", errors.New("email is required")
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", errors.New("email must be valid")
	}
	return strings.ToLower(addr.Address), nil
}

func (m *Manager) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *Manager) verify(payload, signature string) bool {
	expected := m.sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
