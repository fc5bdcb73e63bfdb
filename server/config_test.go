package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `server:
  public_url: http://localhost:8080
  dev_mode: true
provider:
  tenant: contoso.onmicrosoft.com
  issuer: https://login.microsoftonline.com/tenant-guid/v2.0/
  client_id: client-id
  client_secret: client-secret
  redirect_uri: http://localhost:8080/auth/callback
  sign_up_policy: B2C_1_signup
  sign_in_policy: B2C_1_signin
  user_profile_policy: B2C_1_profile
`

func writeConfigFile(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)

	t.Setenv("B2CAUTH_SERVER_PUBLIC_URL", "https://auth.example.com")
	t.Setenv("B2CAUTH_PROVIDER_CLIENT_SECRET", "from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://auth.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Provider.ClientSecret != "from-env" {
		t.Fatalf("ClientSecret override mismatch, got %q", cfg.Provider.ClientSecret)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfigFile(t, minimalYAML+"unknown_section:\n  x: 1\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unknown config field")
	}
}

func TestValidateRequiresIssuer(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	cfg.Provider.Issuer = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing issuer")
	}
}

func TestValidateRequiresSecretsInProduction(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	cfg.Server.DevMode = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error without tls domains and session secret")
	}

	cfg.Server.TLS.Domains = []string{"auth.example.com"}
	cfg.Server.SessionSecret = "prod-secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("production config rejected: %v", err)
	}
}

func TestValidateLoadTestRequiresContentService(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	cfg.LoadTest.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for loadtest without content service")
	}

	cfg.Content.BaseURL = "http://content.local"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loadtest with content service rejected: %v", err)
	}
}

func TestSessionTTLParsing(t *testing.T) {
	yaml := `server:
  public_url: http://localhost:8080
  dev_mode: true
  session_ttl: 30m
provider:
  tenant: contoso.onmicrosoft.com
  issuer: https://login.microsoftonline.com/tenant-guid/v2.0/
  client_id: client-id
  client_secret: client-secret
  redirect_uri: http://localhost:8080/auth/callback
  sign_up_policy: B2C_1_signup
  sign_in_policy: B2C_1_signin
  user_profile_policy: B2C_1_profile
`
	cfg, err := LoadConfig(writeConfigFile(t, yaml))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.SessionTTL() != 30*time.Minute {
		t.Fatalf("session ttl %v, want 30m", cfg.SessionTTL())
	}
}

func TestAuthConfigCarriesPolicies(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	authCfg := cfg.AuthConfig()
	if authCfg.SignInPolicy != "B2C_1_signin" {
		t.Fatalf("sign-in policy %q", authCfg.SignInPolicy)
	}
	if authCfg.Caption == "" {
		t.Fatalf("normalize did not fill caption default")
	}

	set, err := authCfg.Policies()
	if err != nil {
		t.Fatalf("Policies: %v", err)
	}
	if !set.Contains("B2C_1_profile") {
		t.Fatalf("profile policy missing from set")
	}
}

func TestDirectoryTokenURLDerivedFromAuthority(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	want := "https://login.microsoftonline.com/contoso.onmicrosoft.com/oauth2/token"
	if got := cfg.DirectoryTokenURL(); got != want {
		t.Fatalf("token url %q, want %q", got, want)
	}

	cfg.Directory.TokenURL = "http://override/token"
	if got := cfg.DirectoryTokenURL(); got != "http://override/token" {
		t.Fatalf("explicit token url not honoured, got %q", got)
	}
}
