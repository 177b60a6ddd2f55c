package experiments

import "context"

// AudiencePredicate decides whether a user matches an experiment's targeting
// rules. The explicit exclusion list is always enforced by the assignment
// path before the predicate runs; implementations only need to judge
// segment, country and user-type membership, which requires profile data the
// engine does not own.
type AudiencePredicate interface {
	Eligible(ctx context.Context, userID string, audience TargetAudience) (bool, error)
}

// AllowAllAudience admits every user not on the exclusion list. It is the
// default predicate for deployments without a profile service.
type AllowAllAudience struct{}

// Eligible always reports true.
func (AllowAllAudience) Eligible(context.Context, string, TargetAudience) (bool, error) {
	return true, nil
}

// AudiencePredicateFunc adapts a function to the AudiencePredicate interface.
type AudiencePredicateFunc func(ctx context.Context, userID string, audience TargetAudience) (bool, error)

// Eligible calls the function.
func (f AudiencePredicateFunc) Eligible(ctx context.Context, userID string, audience TargetAudience) (bool, error) {
	return f(ctx, userID, audience)
}
