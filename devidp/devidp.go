// Package devidp hosts a minimal multi-policy identity provider used in dev
// mode and in tests. Every configured policy gets its own discovery
// document, and every grant signs in the same configured user, with the
// executed policy recorded in the acr claim.
package devidp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// User is the identity issued for every grant.
type User struct {
	ObjectID    string
	DisplayName string
	Emails      []string
}

type issuedCode struct {
	Policy      string
	Nonce       string
	ClientID    string
	RedirectURI string
	CreatedAt   time.Time
}

// Server simulates the policy-qualified endpoints of the real provider.
// The issuer is derived per request from the Host header so the same
// instance serves both a fixed dev listener and httptest servers.
type Server struct {
	tenant   string
	policies []string
	user     User

	key *rsa.PrivateKey
	kid string

	mu    sync.Mutex
	codes map[string]issuedCode
}

// New generates a signing key and builds the stub provider.
func New(tenant string, policies []string, user User) (*Server, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate devidp key: %w", err)
	}
	return &Server{
		tenant:   tenant,
		policies: policies,
		user:     user,
		key:      key,
		kid:      randomID(),
		codes:    make(map[string]issuedCode),
	}, nil
}

// Routes exposes the provider endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/"+s.tenant+"/v2.0/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/"+s.tenant+"/discovery/keys", s.handleKeys)
	r.Get("/"+s.tenant+"/oauth2/v2.0/authorize", s.handleAuthorize)
	r.Post("/"+s.tenant+"/oauth2/v2.0/token", s.handleToken)
	r.Get("/"+s.tenant+"/oauth2/v2.0/logout", s.handleLogout)
	return r
}

func (s *Server) baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	// Keep any mount prefix so generated endpoints survive r.Mount.
	prefix := ""
	if idx := strings.Index(r.URL.Path, "/"+s.tenant+"/"); idx > 0 {
		prefix = r.URL.Path[:idx]
	}
	return scheme + "://" + r.Host + prefix
}

func (s *Server) issuer(r *http.Request) string {
	return s.baseURL(r) + "/" + s.tenant + "/v2.0"
}

func (s *Server) policyConfigured(policy string) bool {
	for _, p := range s.policies {
		if p == policy {
			return true
		}
	}
	return false
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	policy := r.URL.Query().Get("p")
	if !s.policyConfigured(policy) {
		http.Error(w, fmt.Sprintf("unknown policy %q", policy), http.StatusNotFound)
		return
	}

	base := s.baseURL(r) + "/" + s.tenant
	q := "?p=" + url.QueryEscape(policy)
	writeJSON(w, map[string]any{
		"issuer":                 s.issuer(r),
		"authorization_endpoint": base + "/oauth2/v2.0/authorize" + q,
		"token_endpoint":         base + "/oauth2/v2.0/token" + q,
		"end_session_endpoint":   base + "/oauth2/v2.0/logout" + q,
		"jwks_uri":               base + "/discovery/keys",
		"response_types_supported": []string{"code", "id_token"},
		"subject_types_supported":  []string{"pairwise"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	jwk := jose.JSONWebKey{Key: s.key, KeyID: s.kid, Algorithm: string(jose.RS256), Use: "sig"}
	writeJSON(w, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk.Public()}})
}

// handleAuthorize skips any login UI and immediately redirects back with a
// fresh code bound to the requesting policy.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	policy := q.Get("p")
	if !s.policyConfigured(policy) {
		http.Error(w, fmt.Sprintf("unknown policy %q", policy), http.StatusBadRequest)
		return
	}
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "redirect_uri required", http.StatusBadRequest)
		return
	}

	code := randomID()
	s.mu.Lock()
	s.codes[code] = issuedCode{
		Policy:      policy,
		Nonce:       q.Get("nonce"),
		ClientID:    q.Get("client_id"),
		RedirectURI: redirectURI,
		CreatedAt:   time.Now(),
	}
	s.mu.Unlock()

	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	target := redirectURI + sep + "code=" + url.QueryEscape(code)
	if state := q.Get("state"); state != "" {
		target += "&state=" + url.QueryEscape(state)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	grant, ok := s.codes[r.FormValue("code")]
	delete(s.codes, r.FormValue("code"))
	s.mu.Unlock()
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":    s.issuer(r),
		"sub":    s.user.ObjectID,
		"oid":    s.user.ObjectID,
		"aud":    grant.ClientID,
		"iat":    now.Unix(),
		"exp":    now.Add(time.Hour).Unix(),
		"name":   s.user.DisplayName,
		"acr":    grant.Policy,
		"emails": s.user.Emails,
	}
	if grant.Nonce != "" {
		claims["nonce"] = grant.Nonce
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		http.Error(w, "sign id_token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"id_token":     signed,
		"access_token": randomID(),
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if target := r.URL.Query().Get("post_logout_redirect_uri"); target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "signed out")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func randomID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallbackid"
	}
	return hex.EncodeToString(buf)
}
