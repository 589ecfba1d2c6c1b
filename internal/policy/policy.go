package policy

import (
	"fmt"
)

// DeniedError is a request rejected by a RestrictionPolicy.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "denied: " + e.Reason
}

func deny(format string, args ...any) error {
	return &DeniedError{Reason: fmt.Sprintf(format, args...)}
}

// RestrictionPolicy is the allow-list applied to remote-invoked requests.
// Empty pattern lists allow any name.
type RestrictionPolicy struct {
	Names             []string
	Bookmarks         []string
	RawOnly           bool
	AllowReceive      bool
	AllowForceReceive bool
}

// Authorizer applies a validated RestrictionPolicy.
type Authorizer struct {
	policy    RestrictionPolicy
	names     *Matcher
	bookmarks *Matcher
}

// NewAuthorizer validates the patterns of policy.
func NewAuthorizer(policy RestrictionPolicy) (*Authorizer, error) {
	names, err := NewMatcher(policy.Names)
	if err != nil {
		return nil, fmt.Errorf("names: %w", err)
	}
	bookmarks, err := NewMatcher(policy.Bookmarks)
	if err != nil {
		return nil, fmt.Errorf("bookmarks: %w", err)
	}
	return &Authorizer{policy: policy, names: names, bookmarks: bookmarks}, nil
}

// Authorize returns nil if req is allowed, or a *DeniedError. Checks run in
// order: verb, raw-only, name, bookmarks. Anything not explicitly allowed is
// denied.
func (a *Authorizer) Authorize(req *Request) error {
	if req == nil {
		return deny("empty request")
	}

	switch req.Verb {
	case VerbSend:
		if a.policy.RawOnly && !req.Raw {
			return deny("only raw sends are allowed")
		}
	case VerbReceive:
		if !a.policy.AllowReceive {
			return deny("receive is not allowed")
		}
		if req.Force && !a.policy.AllowForceReceive {
			return deny("forced receive is not allowed")
		}
	default:
		return deny("unsupported verb %s", req.Verb)
	}

	if req.Target == "" {
		return deny("no target")
	}
	if !a.names.Match(req.Target) {
		return deny("target %s does not match %s", req.Target, a.names)
	}

	if req.Bookmark != "" && !a.bookmarks.Match(req.Bookmark) {
		return deny("bookmark %s does not match %s", req.Bookmark, a.bookmarks)
	}
	if req.PurgeBookmarks != "" && !a.bookmarks.Match(req.PurgeBookmarks) {
		return deny("purge bookmarks %s does not match %s", req.PurgeBookmarks, a.bookmarks)
	}
	return nil
}

// BookmarkAllowed reports whether the bookmark allow-list admits name.
// A purge pattern that passes Authorize may still match names outside the
// allow-list, so every bookmark destroyed on behalf of a request is checked
// with this as well.
func (a *Authorizer) BookmarkAllowed(name string) bool {
	return a.bookmarks.Match(name)
}

// Authorize applies policy to req in one step.
func Authorize(policy RestrictionPolicy, req *Request) error {
	a, err := NewAuthorizer(policy)
	if err != nil {
		return deny("invalid policy: %v", err)
	}
	return a.Authorize(req)
}
