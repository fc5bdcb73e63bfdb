package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/oauth2"
)

// TransactionState tracks an authentication transaction through the flow.
type TransactionState int

const (
	StateUnauthenticated TransactionState = iota
	StateChallengeIssued
	StateTokenReceived
	StateValidated
	StateClaimsNormalized
	StateSignedIn
	StateLogoutIssued
	StateLoggedOut
)

func (s TransactionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateChallengeIssued:
		return "challenge-issued"
	case StateTokenReceived:
		return "token-received"
	case StateValidated:
		return "validated"
	case StateClaimsNormalized:
		return "claims-normalized"
	case StateSignedIn:
		return "signed-in"
	case StateLogoutIssued:
		return "logout-issued"
	case StateLoggedOut:
		return "logged-out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transaction is the per-request authentication state. Exactly one exists
// per in-flight authentication and only the owning request touches it;
// it is discarded once the transaction resolves either way.
type Transaction struct {
	state TransactionState

	// RequestedPolicy is recorded at challenge time and read back at
	// callback and logout time.
	RequestedPolicy PolicyID

	// ACR records the policy that actually executed, from the
	// authentication-context-reference claim.
	ACR PolicyID

	Identity Identity
}

// NewTransaction starts a transaction in the unauthenticated state.
func NewTransaction() *Transaction {
	return &Transaction{state: StateUnauthenticated}
}

// State returns the current transaction state.
func (t *Transaction) State() TransactionState { return t.state }

// Orchestrator drives challenges, sign-in completion, and logout against
// the configured policy set. Signature/audience/issuer validation of the
// received token is delegated to the caller's OIDC verifier; the
// orchestrator picks up after validation succeeded.
type Orchestrator struct {
	cfg      Config
	policies PolicySet
	resolver *MetadataResolver
	logger   *slog.Logger
}

// NewOrchestrator validates the configuration and builds an orchestrator.
func NewOrchestrator(cfg Config, resolver *MetadataResolver, logger *slog.Logger) (*Orchestrator, error) {
	cfg = cfg.Normalize()
	policies, err := cfg.Policies()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg, policies: policies, resolver: resolver, logger: logger}, nil
}

// Policies exposes the configured policy set.
func (o *Orchestrator) Policies() PolicySet { return o.policies }

// Config exposes the immutable provider configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Challenge resolves the policy selected by kind, records it on the
// transaction, and returns the authorization redirect targeting the
// policy's own authorization endpoint. A metadata failure aborts the
// challenge; the transaction stays unauthenticated.
func (o *Orchestrator) Challenge(ctx context.Context, tx *Transaction, kind ChallengeKind, state, nonce string) (string, error) {
	if tx.state != StateUnauthenticated {
		return "", &InvalidTransactionStateError{Op: "challenge", State: tx.state}
	}

	policy := o.policies.ForKind(kind).ID
	md, err := o.resolver.Resolve(ctx, policy)
	if err != nil {
		return "", err
	}

	tx.RequestedPolicy = policy
	tx.state = StateChallengeIssued

	opts := []oauth2.AuthCodeOption{}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	redirect := o.OAuthConfig(md).AuthCodeURL(state, opts...)

	o.logger.Info("challenge issued", "policy", string(policy), "kind", kind.String())
	return redirect, nil
}

// OAuthConfig builds the code-exchange configuration for resolved policy
// metadata. Endpoints differ per policy, so the config is derived per
// transaction instead of held globally.
func (o *Orchestrator) OAuthConfig(md *PolicyMetadata) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     o.cfg.ClientID,
		ClientSecret: o.cfg.ClientSecret,
		RedirectURL:  o.cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  md.AuthorizationEndpoint,
			TokenURL: md.TokenEndpoint,
		},
		Scopes: []string{"openid"},
	}
}

// TokenReceived transitions a challenged transaction once the protocol
// response arrived, before validation.
func (o *Orchestrator) TokenReceived(tx *Transaction) error {
	if tx.state != StateChallengeIssued {
		return &InvalidTransactionStateError{Op: "token receipt", State: tx.state}
	}
	tx.state = StateTokenReceived
	return nil
}

// CompleteSignIn consumes the claims of an externally validated token:
// confirms the executed policy from the ACR claim against the configured
// set, normalizes the claims, and signs the transaction in. An ACR value
// outside the configured set fails closed.
func (o *Orchestrator) CompleteSignIn(ctx context.Context, tx *Transaction, rawClaims map[string]any) (Identity, error) {
	if tx.state != StateTokenReceived {
		return Identity{}, &InvalidTransactionStateError{Op: "sign-in completion", State: tx.state}
	}
	tx.state = StateValidated

	acr, ok := acrFromClaims(rawClaims)
	if !ok {
		acr = tx.RequestedPolicy
	}
	if !o.policies.Contains(acr) {
		tx.state = StateUnauthenticated
		return Identity{}, &InvalidTransactionStateError{
			Op:    fmt.Sprintf("sign-in under unconfigured policy %q", acr),
			State: StateValidated,
		}
	}
	tx.ACR = acr

	identity := NormalizeClaims(rawClaims)
	tx.state = StateClaimsNormalized
	tx.Identity = identity
	tx.state = StateSignedIn

	o.logger.Info("sign-in completed",
		"policy", string(acr),
		"subject", identity.Subject,
		"has_email", identity.Email != "")
	return identity, nil
}

// ResumeSignedIn reconstructs a signed-in transaction for a principal whose
// sign-in resolved in an earlier request, e.g. from session state at logout
// time. The recorded policy must still belong to the configured set.
func (o *Orchestrator) ResumeSignedIn(policy PolicyID, identity Identity) (*Transaction, error) {
	if !o.policies.Contains(policy) {
		return nil, &InvalidTransactionStateError{
			Op:    fmt.Sprintf("resume with unconfigured policy %q", policy),
			State: StateSignedIn,
		}
	}
	return &Transaction{
		state:           StateSignedIn,
		RequestedPolicy: policy,
		ACR:             policy,
		Identity:        identity,
	}, nil
}

// Logout resolves the end-session endpoint for the policy recorded at
// sign-in time and returns the logout redirect. Policies are not
// interchangeable for end-session semantics: the sign-in policy is used
// even when another policy is the configured default.
func (o *Orchestrator) Logout(ctx context.Context, tx *Transaction) (string, error) {
	if tx.state != StateSignedIn {
		return "", &InvalidTransactionStateError{Op: "logout", State: tx.state}
	}

	policy := tx.ACR
	if policy == "" {
		policy = tx.RequestedPolicy
	}
	md, err := o.resolver.Resolve(ctx, policy)
	if err != nil {
		return "", err
	}
	if md.EndSessionEndpoint == "" {
		return "", &MetadataFetchError{Policy: policy, Err: fmt.Errorf("discovery document has no end_session_endpoint")}
	}

	tx.state = StateLogoutIssued

	redirect := md.EndSessionEndpoint
	if o.cfg.RedirectURI != "" {
		sep := "?"
		if u, err := url.Parse(redirect); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		redirect += sep + "post_logout_redirect_uri=" + url.QueryEscape(o.cfg.RedirectURI)
	}

	o.logger.Info("logout issued", "policy", string(policy), "subject", tx.Identity.Subject)
	return redirect, nil
}

// CompleteLogout finishes an issued logout.
func (o *Orchestrator) CompleteLogout(tx *Transaction) error {
	if tx.state != StateLogoutIssued {
		return &InvalidTransactionStateError{Op: "logout completion", State: tx.state}
	}
	tx.state = StateLoggedOut
	return nil
}
