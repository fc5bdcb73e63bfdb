package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"b2cauth/auth"
)

const (
	sessionCookieName = "bo_session"
	sessionIssuer     = "b2cauth"
)

// SessionClaims is the payload of the signed session cookie. It carries
// just enough identity to render the back office and to run logout
// against the policy the user signed in with.
type SessionClaims struct {
	Policy      string `json:"pol"`
	DisplayName string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// SessionManager issues and verifies HMAC-signed session cookies.
type SessionManager struct {
	secret       []byte
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}
	secure := !cfg.Server.DevMode

	return &SessionManager{
		secret:       []byte(cfg.Server.SessionSecret),
		logger:       logger,
		ttl:          cfg.SessionTTL(),
		secure:       secure,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Issue signs a session token for the identity and sets the cookie.
func (sm *SessionManager) Issue(w http.ResponseWriter, policy auth.PolicyID, identity *auth.Identity) error {
	now := time.Now()
	claims := SessionClaims{
		Policy:      string(policy),
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   identity.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sm.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(sm.secret)
	if err != nil {
		return fmt.Errorf("signing session token: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    signed,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return nil
}

// Fetch returns the verified session claims from the request cookie, or
// nil when no valid session is present. An invalid or expired token is
// treated as no session, not as an error.
func (sm *SessionManager) Fetch(r *http.Request) (*SessionClaims, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, nil
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return sm.secret, nil
	}, jwt.WithIssuer(sessionIssuer))
	if err != nil || !token.Valid {
		sm.logger.Debug("rejected session cookie", "err", err)
		return nil, nil
	}
	return claims, nil
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
