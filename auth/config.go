package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// OIDCMetadataSuffix is the well-known discovery document path.
const OIDCMetadataSuffix = "/.well-known/openid-configuration"

// Defaults applied by Normalize.
const (
	DefaultCaption     = "Active Directory"
	DefaultStyle       = "btn-microsoft"
	DefaultIcon        = "fa-windows"
	DefaultMetadataTTL = 6 * time.Hour
	DefaultHTTPTimeout = 15 * time.Second
)

// Config is the immutable provider configuration assembled once at startup.
// Challenge-time decisions (which policy, which issuer address) belong to
// the orchestrator; nothing here is mutated after construction.
type Config struct {
	// Tenant identifies the identity-provider directory,
	// e.g. "contoso.onmicrosoft.com".
	Tenant string

	// Authority is the identity provider base URL,
	// e.g. "https://login.microsoftonline.com".
	Authority string

	// Issuer is the issuer value expected on validated tokens. The
	// upstream sample hardcoded a directory guid here; it must be
	// configured explicitly.
	Issuer string

	ClientID     string
	ClientSecret string
	RedirectURI  string

	SignUpPolicy      PolicyID
	SignInPolicy      PolicyID
	UserProfilePolicy PolicyID

	// Application credentials for directory queries, distinct from the
	// interactive client above.
	AdminClientID     string
	AdminClientSecret string

	// Back-office button chrome.
	Caption string
	Style   string
	Icon    string

	// MetadataTTL bounds how long a resolved discovery document is served
	// from cache.
	MetadataTTL time.Duration

	// HTTPTimeout bounds outbound metadata and token calls.
	HTTPTimeout time.Duration
}

// Normalize returns a copy with defaults filled in.
func (c Config) Normalize() Config {
	if c.Caption == "" {
		c.Caption = DefaultCaption
	}
	if c.Style == "" {
		c.Style = DefaultStyle
	}
	if c.Icon == "" {
		c.Icon = DefaultIcon
	}
	if c.MetadataTTL <= 0 {
		c.MetadataTTL = DefaultMetadataTTL
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	return c
}

// Validate checks the configuration for the errors that must reject startup.
func (c Config) Validate() error {
	if c.Tenant == "" {
		return errors.New("provider tenant is required")
	}
	if c.Authority == "" {
		return errors.New("provider authority is required")
	}
	if !strings.HasPrefix(c.Authority, "https://") && !strings.HasPrefix(c.Authority, "http://") {
		return fmt.Errorf("provider authority must be an http(s) URL, got %q", c.Authority)
	}
	if c.Issuer == "" {
		return errors.New("provider issuer is required and must not be guessed from responses")
	}
	if c.ClientID == "" {
		return errors.New("provider client id is required")
	}
	if c.RedirectURI == "" {
		return errors.New("provider redirect uri is required")
	}
	ids := []PolicyID{c.SignUpPolicy, c.SignInPolicy, c.UserProfilePolicy}
	seen := make(map[PolicyID]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return errors.New("sign-up, sign-in, and profile-edit policies must all be configured")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("policy %q configured for more than one role", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Policies materializes the configured policy set with policy-qualified
// metadata URLs.
func (c Config) Policies() (PolicySet, error) {
	if err := c.Validate(); err != nil {
		return PolicySet{}, err
	}
	return NewPolicySet(
		PolicyDescriptor{ID: c.SignUpPolicy, MetadataURL: c.metadataURL(c.SignUpPolicy)},
		PolicyDescriptor{ID: c.SignInPolicy, MetadataURL: c.metadataURL(c.SignInPolicy)},
		PolicyDescriptor{ID: c.UserProfilePolicy, MetadataURL: c.metadataURL(c.UserProfilePolicy)},
	)
}

func (c Config) metadataURL(policy PolicyID) string {
	base := strings.TrimSuffix(c.Authority, "/")
	return base + "/" + c.Tenant + "/v2.0" + OIDCMetadataSuffix + "?p=" + url.QueryEscape(string(policy))
}
