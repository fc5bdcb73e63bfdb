package auth

// Claim types consumed from validated tokens. The provider emits the long
// schema forms; the short forms appear on v2.0 tokens.
const (
	ClaimACR           = "http://schemas.microsoft.com/claims/authnclassreference"
	ClaimACRShort      = "acr"
	ClaimObjectID      = "http://schemas.microsoft.com/identity/claims/objectidentifier"
	ClaimObjectIDShort = "oid"
	ClaimSubject       = "sub"
	ClaimEmails        = "emails"
	ClaimEmail         = "email"
	ClaimDisplayName   = "name"
)

// Identity is the canonical post-validation view of a signed-in user.
type Identity struct {
	Subject     string
	DisplayName string
	// Email is the first value of the provider's repeated "emails" claim.
	// Empty when the claim was absent; never fabricated.
	Email string
	// Claims carries every input claim, plus a singular "email" claim when
	// one was derived.
	Claims map[string]any
}

// NormalizeClaims transforms raw identity claims into a canonical identity.
// Pure: the input map is not modified.
//
// The provider represents addresses as a repeated "emails" claim rather
// than a singular "email"; the first value becomes the canonical email so
// downstream account linking works. A missing "emails" claim is a valid
// state, not an error.
func NormalizeClaims(raw map[string]any) Identity {
	claims := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		claims[k] = v
	}

	id := Identity{Claims: claims}

	if email, ok := firstEmail(raw[ClaimEmails]); ok {
		id.Email = email
		claims[ClaimEmail] = email
	}
	id.Subject = stringClaim(raw, ClaimObjectID, ClaimObjectIDShort, ClaimSubject)
	id.DisplayName = stringClaim(raw, ClaimDisplayName)

	return id
}

// acrFromClaims extracts the authentication-context-reference claim, which
// records the policy that actually executed.
func acrFromClaims(raw map[string]any) (PolicyID, bool) {
	v := stringClaim(raw, ClaimACR, ClaimACRShort)
	if v == "" {
		return "", false
	}
	return PolicyID(v), true
}

func stringClaim(raw map[string]any, names ...string) string {
	for _, name := range names {
		if s, ok := raw[name].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstEmail(v any) (string, bool) {
	switch vals := v.(type) {
	case []any:
		for _, item := range vals {
			if s, ok := item.(string); ok && s != "" {
				return s, true
			}
		}
	case []string:
		for _, s := range vals {
			if s != "" {
				return s, true
			}
		}
	case string:
		if vals != "" {
			return vals, true
		}
	}
	return "", false
}
