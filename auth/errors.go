package auth

import "fmt"

// UnknownPolicyError reports a policy id outside the configured set.
// This is a misconfiguration: fatal for the transaction that hit it.
type UnknownPolicyError struct {
	Policy PolicyID
}

func (e *UnknownPolicyError) Error() string {
	return fmt.Sprintf("policy %q is not among the configured policies", e.Policy)
}

// MetadataFetchError reports a failed discovery document fetch or parse.
// Safe to retry on the next user-initiated action.
type MetadataFetchError struct {
	Policy PolicyID
	Err    error
}

func (e *MetadataFetchError) Error() string {
	return fmt.Sprintf("fetch metadata for policy %q: %v", e.Policy, e.Err)
}

func (e *MetadataFetchError) Unwrap() error { return e.Err }

// InvalidTransactionStateError reports a transition attempted from a state
// that does not permit it, e.g. logout without a prior sign-in record.
type InvalidTransactionStateError struct {
	Op    string
	State TransactionState
}

func (e *InvalidTransactionStateError) Error() string {
	return fmt.Sprintf("%s not permitted in transaction state %s", e.Op, e.State)
}

// TokenCachePersistError reports a failed write to the backing session
// store. The cache stays dirty so a later AfterAccess retries the persist.
type TokenCachePersistError struct {
	Key string
	Err error
}

func (e *TokenCachePersistError) Error() string {
	return fmt.Sprintf("persist token cache %q: %v", e.Key, e.Err)
}

func (e *TokenCachePersistError) Unwrap() error { return e.Err }
