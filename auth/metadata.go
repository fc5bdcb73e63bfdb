package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// PolicyMetadata is the resolved subset of a policy's discovery document.
// Values are never mutated after publication; a refresh replaces the whole
// entry so concurrent readers see either the old or the new document.
type PolicyMetadata struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	EndSessionEndpoint    string
	JWKSURI               string

	FetchedAt time.Time
	ExpiresAt time.Time
}

type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// MetadataResolver fetches and caches discovery documents per policy.
//
// Concurrent resolutions of the same expired policy may both fetch; the
// documents are idempotent, so redundant fetches are preferred over a
// single-flight gate.
type MetadataResolver struct {
	policies PolicySet
	ttl      time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[PolicyID]*PolicyMetadata
}

// NewMetadataResolver builds a resolver over the configured policy set.
// A nil client gets a timeout-bounded default.
func NewMetadataResolver(policies PolicySet, ttl time.Duration, client *http.Client, logger *slog.Logger) *MetadataResolver {
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &MetadataResolver{
		policies: policies,
		ttl:      ttl,
		client:   client,
		logger:   logger,
		cache:    make(map[PolicyID]*PolicyMetadata),
	}
}

// Resolve returns the metadata for a configured policy, fetching the
// discovery document when no unexpired cache entry exists. Unknown policies
// fail before any network call.
func (r *MetadataResolver) Resolve(ctx context.Context, id PolicyID) (*PolicyMetadata, error) {
	desc, ok := r.policies.Lookup(id)
	if !ok {
		return nil, &UnknownPolicyError{Policy: id}
	}

	r.mu.RLock()
	cached := r.cache[id]
	r.mu.RUnlock()
	if cached != nil && time.Now().Before(cached.ExpiresAt) {
		return cached, nil
	}

	md, err := r.fetch(ctx, desc)
	if err != nil {
		return nil, &MetadataFetchError{Policy: id, Err: err}
	}

	r.mu.Lock()
	r.cache[id] = md
	r.mu.Unlock()

	r.logger.Debug("policy metadata resolved",
		"policy", string(id),
		"authorization_endpoint", md.AuthorizationEndpoint,
		"expires_at", md.ExpiresAt)
	return md, nil
}

func (r *MetadataResolver) fetch(ctx context.Context, desc PolicyDescriptor) (*PolicyMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.MetadataURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery document returned %s", resp.Status)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse discovery document: %w", err)
	}
	if doc.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("discovery document missing authorization_endpoint")
	}

	now := time.Now()
	return &PolicyMetadata{
		Issuer:                doc.Issuer,
		AuthorizationEndpoint: doc.AuthorizationEndpoint,
		TokenEndpoint:         doc.TokenEndpoint,
		EndSessionEndpoint:    doc.EndSessionEndpoint,
		JWKSURI:               doc.JWKSURI,
		FetchedAt:             now,
		ExpiresAt:             now.Add(r.ttl),
	}, nil
}
