package auth

import "fmt"

// PolicyID names an authentication flow variant exposed by the identity
// provider. Policy ids are opaque to this package beyond equality.
type PolicyID string

// ChallengeKind selects which configured policy a challenge targets.
type ChallengeKind int

const (
	// KindSignIn is the default challenge kind.
	KindSignIn ChallengeKind = iota
	KindSignUp
	KindProfileEdit
)

func (k ChallengeKind) String() string {
	switch k {
	case KindSignIn:
		return "sign-in"
	case KindSignUp:
		return "sign-up"
	case KindProfileEdit:
		return "profile-edit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PolicyDescriptor binds a policy id to its discovery document URL.
type PolicyDescriptor struct {
	ID          PolicyID
	MetadataURL string
}

// PolicySet holds the three policies a deployment is configured with.
// A valid set has exactly one sign-up, one sign-in, and one profile-edit
// policy, all with distinct non-empty ids.
type PolicySet struct {
	signUp  PolicyDescriptor
	signIn  PolicyDescriptor
	profile PolicyDescriptor
	byID    map[PolicyID]PolicyDescriptor
}

// NewPolicySet validates and builds a policy set.
func NewPolicySet(signUp, signIn, profile PolicyDescriptor) (PolicySet, error) {
	byID := make(map[PolicyID]PolicyDescriptor, 3)
	for _, d := range []PolicyDescriptor{signUp, signIn, profile} {
		if d.ID == "" {
			return PolicySet{}, fmt.Errorf("policy id must not be empty")
		}
		if d.MetadataURL == "" {
			return PolicySet{}, fmt.Errorf("policy %s: metadata url must not be empty", d.ID)
		}
		if _, dup := byID[d.ID]; dup {
			return PolicySet{}, fmt.Errorf("policy %s configured twice", d.ID)
		}
		byID[d.ID] = d
	}
	return PolicySet{signUp: signUp, signIn: signIn, profile: profile, byID: byID}, nil
}

// ForKind returns the descriptor backing a challenge kind.
func (s PolicySet) ForKind(kind ChallengeKind) PolicyDescriptor {
	switch kind {
	case KindSignUp:
		return s.signUp
	case KindProfileEdit:
		return s.profile
	default:
		return s.signIn
	}
}

// Lookup fetches a descriptor by id.
func (s PolicySet) Lookup(id PolicyID) (PolicyDescriptor, bool) {
	d, ok := s.byID[id]
	return d, ok
}

// Contains reports whether id belongs to the configured set.
func (s PolicySet) Contains(id PolicyID) bool {
	_, ok := s.byID[id]
	return ok
}

// All returns the configured descriptors in sign-in, sign-up,
// profile-edit order.
func (s PolicySet) All() []PolicyDescriptor {
	return []PolicyDescriptor{s.signIn, s.signUp, s.profile}
}

// SignIn returns the sign-in descriptor.
func (s PolicySet) SignIn() PolicyDescriptor { return s.signIn }

// SignUp returns the sign-up descriptor.
func (s PolicySet) SignUp() PolicyDescriptor { return s.signUp }

// ProfileEdit returns the profile-edit descriptor.
func (s PolicySet) ProfileEdit() PolicyDescriptor { return s.profile }
