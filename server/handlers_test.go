package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// newTestApp stands up the full application against the embedded dev
// provider, with the provider reached through the app's own listener.
func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Server.PublicURL = srv.URL
	cfg.Server.DevMode = true
	cfg.Server.SessionSecret = "test-secret"
	cfg.Provider.Tenant = "dev.onmicrosoft.com"
	cfg.Provider.Authority = srv.URL + "/devidp"
	cfg.Provider.Issuer = srv.URL + "/devidp/dev.onmicrosoft.com/v2.0"
	cfg.Provider.ClientID = "back-office"
	cfg.Provider.ClientSecret = "client-secret"
	cfg.Provider.RedirectURI = srv.URL + "/auth/callback"
	cfg.Provider.SignUpPolicy = "B2C_1_signup"
	cfg.Provider.SignInPolicy = "B2C_1_signin"
	cfg.Provider.UserProfilePolicy = "B2C_1_profile"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	app, err := NewApp(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	handler = app.Routes()
	return app, srv
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{Jar: jar}
}

func signIn(t *testing.T, client *http.Client, srv *httptest.Server) {
	t.Helper()
	resp, err := client.Get(srv.URL + "/auth/signin")
	if err != nil {
		t.Fatalf("sign-in flow: %v", err)
	}
	resp.Body.Close()
}

func fetchMe(t *testing.T, client *http.Client, srv *httptest.Server) (map[string]any, int) {
	t.Helper()
	resp, err := client.Get(srv.URL + "/backoffice/me")
	if err != nil {
		t.Fatalf("me request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode me response: %v", err)
	}
	return body, resp.StatusCode
}

func TestSignInFlowEstablishesSession(t *testing.T) {
	app, srv := newTestApp(t)
	client := newBrowser(t)

	signIn(t, client, srv)

	me, status := fetchMe(t, client, srv)
	if status != http.StatusOK {
		t.Fatalf("me status %d after sign-in", status)
	}
	if me["sub"] != "00000000-0000-0000-0000-000000000001" {
		t.Fatalf("subject mismatch: %v", me["sub"])
	}
	if me["email"] != "dev@example.com" {
		t.Fatalf("email mismatch: %v", me["email"])
	}
	if me["policy"] != "B2C_1_signin" {
		t.Fatalf("policy mismatch: %v", me["policy"])
	}

	// The token response landed in the session-scoped cache.
	blob, err := app.TokenStore.Get(context.Background(),
		"00000000-0000-0000-0000-000000000001_TokenCache")
	if err != nil {
		t.Fatalf("token store get: %v", err)
	}
	if blob == nil {
		t.Fatalf("token cache not persisted after sign-in")
	}
}

func TestChallengeKindsTargetTheirPolicies(t *testing.T) {
	_, srv := newTestApp(t)
	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	cases := []struct {
		path   string
		policy string
	}{
		{"/auth/signin", "B2C_1_signin"},
		{"/auth/signup", "B2C_1_signup"},
		{"/auth/profile", "B2C_1_profile"},
	}
	for _, tc := range cases {
		resp, err := client.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("%s status %d, want 302", tc.path, resp.StatusCode)
		}
		loc, err := url.Parse(resp.Header.Get("Location"))
		if err != nil {
			t.Fatalf("%s location: %v", tc.path, err)
		}
		if got := loc.Query().Get("p"); got != tc.policy {
			t.Fatalf("%s targets policy %q, want %q", tc.path, got, tc.policy)
		}
		if loc.Query().Get("state") == "" || loc.Query().Get("nonce") == "" {
			t.Fatalf("%s redirect missing state or nonce: %s", tc.path, loc)
		}
	}
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/auth/callback?code=x&state=never-issued")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestCallbackRejectsProviderError(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/auth/callback?error=access_denied&error_description=cancelled")
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
}

func TestCallbackStateIsSingleUse(t *testing.T) {
	_, srv := newTestApp(t)
	noRedirect := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := noRedirect.Get(srv.URL + "/auth/signin")
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	resp.Body.Close()
	loc, _ := url.Parse(resp.Header.Get("Location"))
	state := loc.Query().Get("state")

	// Complete the flow once with a browser client sharing no cookies.
	client := newBrowser(t)
	full, err := client.Get(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("follow challenge: %v", err)
	}
	full.Body.Close()

	replay, err := noRedirect.Get(srv.URL + "/auth/callback?code=other&state=" + url.QueryEscape(state))
	if err != nil {
		t.Fatalf("replay callback: %v", err)
	}
	replay.Body.Close()
	if replay.StatusCode != http.StatusBadRequest {
		t.Fatalf("replayed state status %d, want 400", replay.StatusCode)
	}
}

func TestLogoutClearsSessionAndTokenCache(t *testing.T) {
	app, srv := newTestApp(t)
	client := newBrowser(t)
	signIn(t, client, srv)

	resp, err := client.Get(srv.URL + "/auth/logout")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	resp.Body.Close()

	if _, status := fetchMe(t, client, srv); status != http.StatusUnauthorized {
		t.Fatalf("me status %d after logout, want 401", status)
	}

	blob, err := app.TokenStore.Get(context.Background(),
		"00000000-0000-0000-0000-000000000001_TokenCache")
	if err != nil {
		t.Fatalf("token store get: %v", err)
	}
	if blob != nil {
		t.Fatalf("token cache survived logout")
	}
}

func TestLogoutTargetsSignInPolicyEndpoint(t *testing.T) {
	_, srv := newTestApp(t)
	client := newBrowser(t)
	signIn(t, client, srv)

	noRedirect := &http.Client{
		Jar: client.Jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := noRedirect.Get(srv.URL + "/auth/logout")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("logout status %d, want 302", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.Contains(loc, "/oauth2/v2.0/logout") || !strings.Contains(loc, "p=B2C_1_signin") {
		t.Fatalf("logout does not target the sign-in policy end-session endpoint: %s", loc)
	}
	if !strings.Contains(loc, "post_logout_redirect_uri=") {
		t.Fatalf("logout redirect missing post_logout_redirect_uri: %s", loc)
	}
}

func TestLogoutWithoutSession(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/auth/logout")
	if err != nil {
		t.Fatalf("logout request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestMeRequiresSession(t *testing.T) {
	_, srv := newTestApp(t)
	if _, status := fetchMe(t, &http.Client{}, srv); status != http.StatusUnauthorized {
		t.Fatalf("me status %d without session, want 401", status)
	}
}

func TestDirectoryLookupUnconfigured(t *testing.T) {
	_, srv := newTestApp(t)
	client := newBrowser(t)
	signIn(t, client, srv)

	resp, err := client.Get(srv.URL + "/backoffice/directory/users/some-id")
	if err != nil {
		t.Fatalf("directory request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503 without admin credentials", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	_, srv := newTestApp(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
