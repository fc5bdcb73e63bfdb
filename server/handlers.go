package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"b2cauth/auth"
	"b2cauth/content"
	"b2cauth/devidp"
	"b2cauth/directory"
	"b2cauth/loadtest"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config       Config
	Logger       *slog.Logger
	Orchestrator *auth.Orchestrator
	Resolver     *auth.MetadataResolver
	Sessions     *SessionManager
	TokenStore   auth.SessionStore
	Pending      *PendingStore
	Directory    *directory.Client
	Content      *content.Client
	LoadTest     *loadtest.Controller
	DevIDP       *devidp.Server

	httpClient *http.Client
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	authCfg := cfg.AuthConfig()
	policies, err := authCfg.Policies()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: authCfg.HTTPTimeout}
	resolver := auth.NewMetadataResolver(policies, authCfg.MetadataTTL, httpClient, logger)
	orch, err := auth.NewOrchestrator(authCfg, resolver, logger)
	if err != nil {
		return nil, err
	}

	var tokenStore auth.SessionStore
	if cfg.Redis.URL != "" {
		ttl, err := parseDuration(cfg.Redis.TTL, cfg.SessionTTL())
		if err != nil {
			return nil, fmt.Errorf("redis.ttl: %w", err)
		}
		store, err := NewRedisSessionStore(cfg.Redis.URL, ttl)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		tokenStore = store
		logger.Info("session store: redis")
	} else {
		tokenStore = NewMemorySessionStore()
		logger.Info("session store: in-memory")
	}

	if cfg.Server.DevMode && cfg.Server.SessionSecret == "" {
		cfg.Server.SessionSecret = randomSecret()
		logger.Warn("generated ephemeral session secret; sessions will not survive restarts")
	}

	app := &App{
		Config:       cfg,
		Logger:       logger,
		Orchestrator: orch,
		Resolver:     resolver,
		Sessions:     NewSessionManager(cfg, logger),
		TokenStore:   tokenStore,
		Pending:      NewPendingStore(),
		httpClient:   httpClient,
	}

	if authCfg.AdminClientID != "" && authCfg.AdminClientSecret != "" {
		timeout, err := parseDuration(cfg.Directory.Timeout, directory.DefaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("directory.timeout: %w", err)
		}
		dir, err := directory.New(directory.Config{
			Tenant:            authCfg.Tenant,
			AdminClientID:     authCfg.AdminClientID,
			AdminClientSecret: authCfg.AdminClientSecret,
			TokenURL:          cfg.DirectoryTokenURL(),
			BaseURL:           cfg.Directory.BaseURL,
			Resource:          cfg.Directory.Resource,
			Timeout:           timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init directory client: %w", err)
		}
		app.Directory = dir
	}

	if cfg.Content.BaseURL != "" {
		timeout, err := parseDuration(cfg.Content.Timeout, content.DefaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("content.timeout: %w", err)
		}
		cc, err := content.New(content.Config{
			BaseURL: cfg.Content.BaseURL,
			APIKey:  cfg.Content.APIKey,
			Timeout: timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init content client: %w", err)
		}
		app.Content = cc
		if cfg.LoadTest.Enabled {
			app.LoadTest = loadtest.New(cc, logger)
		}
	}

	if cfg.Server.DevMode {
		idp, err := devidp.New(authCfg.Tenant, []string{
			string(policies.SignIn().ID),
			string(policies.SignUp().ID),
			string(policies.ProfileEdit().ID),
		}, devidp.User{
			ObjectID:    "00000000-0000-0000-0000-000000000001",
			DisplayName: "Dev User",
			Emails:      []string{"dev@example.com"},
		})
		if err != nil {
			return nil, fmt.Errorf("init dev idp: %w", err)
		}
		app.DevIDP = idp
	}

	return app, nil
}

func (a *App) handleSignIn(w http.ResponseWriter, r *http.Request) {
	a.startChallenge(w, r, auth.KindSignIn)
}

func (a *App) handleSignUp(w http.ResponseWriter, r *http.Request) {
	a.startChallenge(w, r, auth.KindSignUp)
}

func (a *App) handleProfileEdit(w http.ResponseWriter, r *http.Request) {
	a.startChallenge(w, r, auth.KindProfileEdit)
}

func (a *App) startChallenge(w http.ResponseWriter, r *http.Request, kind auth.ChallengeKind) {
	tx := auth.NewTransaction()
	state := a.Pending.NewID()
	nonce := a.Pending.NewID()

	redirect, err := a.Orchestrator.Challenge(r.Context(), tx, kind, state, nonce)
	if err != nil {
		a.Logger.Error("challenge failed", "kind", kind.String(), "error", err)
		http.Error(w, "authentication unavailable", challengeStatus(err))
		return
	}

	a.Pending.Save(PendingAuth{
		State:     state,
		Nonce:     nonce,
		Kind:      kind,
		Tx:        tx,
		CreatedAt: time.Now(),
	})

	challengesTotal.WithLabelValues(string(tx.RequestedPolicy), kind.String()).Inc()
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { callbackDuration.Observe(time.Since(start).Seconds()) }()

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		a.Logger.Warn("provider returned error",
			"error", errCode, "description", q.Get("error_description"))
		signInFailuresTotal.WithLabelValues("provider_error").Inc()
		http.Error(w, "authentication rejected by provider", http.StatusUnauthorized)
		return
	}

	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		http.Error(w, "missing state or code", http.StatusBadRequest)
		return
	}

	pending, ok := a.Pending.Consume(state)
	if !ok {
		signInFailuresTotal.WithLabelValues("unknown_state").Inc()
		http.Error(w, "unknown or expired state", http.StatusBadRequest)
		return
	}
	tx := pending.Tx

	md, err := a.Resolver.Resolve(r.Context(), tx.RequestedPolicy)
	if err != nil {
		a.Logger.Error("metadata resolve at callback", "error", err)
		signInFailuresTotal.WithLabelValues("metadata").Inc()
		http.Error(w, "authentication unavailable", http.StatusBadGateway)
		return
	}

	ctx := context.WithValue(r.Context(), oauth2.HTTPClient, a.httpClient)
	token, err := a.Orchestrator.OAuthConfig(md).Exchange(ctx, code)
	if err != nil {
		a.Logger.Error("code exchange failed", "policy", string(tx.RequestedPolicy), "error", err)
		signInFailuresTotal.WithLabelValues("exchange").Inc()
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}
	if err := a.Orchestrator.TokenReceived(tx); err != nil {
		http.Error(w, "invalid authentication state", http.StatusConflict)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		signInFailuresTotal.WithLabelValues("missing_id_token").Inc()
		http.Error(w, "token response missing id_token", http.StatusBadGateway)
		return
	}

	keySet := oidc.NewRemoteKeySet(ctx, md.JWKSURI)
	verifier := oidc.NewVerifier(a.Orchestrator.Config().Issuer, keySet, &oidc.Config{
		ClientID: a.Orchestrator.Config().ClientID,
	})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		a.Logger.Error("id_token verification failed", "error", err)
		signInFailuresTotal.WithLabelValues("verification").Inc()
		http.Error(w, "token verification failed", http.StatusUnauthorized)
		return
	}
	if idToken.Nonce != pending.Nonce {
		signInFailuresTotal.WithLabelValues("nonce_mismatch").Inc()
		http.Error(w, "nonce mismatch", http.StatusUnauthorized)
		return
	}

	rawClaims := map[string]any{}
	if err := idToken.Claims(&rawClaims); err != nil {
		http.Error(w, "unreadable claims", http.StatusBadGateway)
		return
	}

	identity, err := a.Orchestrator.CompleteSignIn(r.Context(), tx, rawClaims)
	if err != nil {
		a.Logger.Error("sign-in completion failed", "error", err)
		signInFailuresTotal.WithLabelValues("policy").Inc()
		http.Error(w, "sign-in rejected", http.StatusForbidden)
		return
	}

	a.storeTokens(r.Context(), identity.Subject, token)

	if err := a.Sessions.Issue(w, tx.ACR, &identity); err != nil {
		a.Logger.Error("session issue failed", "error", err)
		http.Error(w, "session failure", http.StatusInternalServerError)
		return
	}

	signInsTotal.WithLabelValues(string(tx.ACR)).Inc()
	http.Redirect(w, r, a.Config.Server.BackOfficeURL, http.StatusFound)
}

// storeTokens persists the token response into the user's session-scoped
// cache. Persistence failure is logged, not fatal: the user is signed in
// either way and the cache stays dirty for a later retry.
func (a *App) storeTokens(ctx context.Context, subject string, token *oauth2.Token) {
	blob, err := json.Marshal(token)
	if err != nil {
		a.Logger.Warn("serialize token response", "error", err)
		return
	}

	cache := auth.NewSessionTokenCache(subject, a.TokenStore, a.Logger)
	if err := cache.BeforeAccess(ctx); err != nil {
		a.Logger.Warn("token cache load", "error", err)
	}
	cache.Put(subject, blob)
	if err := cache.AfterAccess(ctx); err != nil {
		a.Logger.Warn("token cache persist", "key", cache.Key(), "error", err)
	}
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, err := a.Sessions.Fetch(r)
	if err != nil || claims == nil {
		http.Error(w, "no active session", http.StatusBadRequest)
		return
	}

	tx, err := a.Orchestrator.ResumeSignedIn(auth.PolicyID(claims.Policy), auth.Identity{
		Subject:     claims.Subject,
		DisplayName: claims.DisplayName,
		Email:       claims.Email,
	})
	if err != nil {
		a.Logger.Warn("logout with stale session policy", "policy", claims.Policy, "error", err)
		a.Sessions.Clear(w)
		http.Error(w, "session invalid", http.StatusBadRequest)
		return
	}

	redirect, err := a.Orchestrator.Logout(r.Context(), tx)
	if err != nil {
		a.Logger.Error("logout failed", "error", err)
		http.Error(w, "logout unavailable", http.StatusBadGateway)
		return
	}

	cache := auth.NewSessionTokenCache(claims.Subject, a.TokenStore, a.Logger)
	if err := cache.Clear(r.Context()); err != nil {
		a.Logger.Warn("token cache clear", "key", cache.Key(), "error", err)
	}
	a.Sessions.Clear(w)
	if err := a.Orchestrator.CompleteLogout(tx); err != nil {
		a.Logger.Warn("logout completion", "error", err)
	}

	logoutsTotal.Inc()
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, err := a.Sessions.Fetch(r)
	if err != nil || claims == nil {
		http.Error(w, "not signed in", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{
		"sub":    claims.Subject,
		"name":   claims.DisplayName,
		"email":  claims.Email,
		"policy": claims.Policy,
	})
}

func (a *App) handleDirectoryUser(w http.ResponseWriter, r *http.Request) {
	if a.Directory == nil {
		http.Error(w, "directory not configured", http.StatusServiceUnavailable)
		return
	}
	claims, err := a.Sessions.Fetch(r)
	if err != nil || claims == nil {
		http.Error(w, "not signed in", http.StatusUnauthorized)
		return
	}

	objectID := chi.URLParam(r, "objectID")
	if objectID == "" {
		objectID = claims.Subject
	}

	user, err := a.Directory.GetUserByObjectID(r.Context(), objectID)
	if err != nil {
		var apiErr *directory.APIError
		if errors.As(err, &apiErr) {
			a.Logger.Warn("directory lookup rejected", "object_id", objectID, "error", err)
			http.Error(w, "directory lookup failed", apiErr.StatusCode)
			return
		}
		a.Logger.Error("directory lookup", "object_id", objectID, "error", err)
		http.Error(w, "directory unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, user)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// challengeStatus maps challenge errors to HTTP statuses: configuration
// problems are server errors, upstream discovery problems are gateway
// errors.
func challengeStatus(err error) int {
	var fetchErr *auth.MetadataFetchError
	if errors.As(err, &fetchErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "insecure-dev-secret"
	}
	return hex.EncodeToString(buf)
}
