// Package scope implements the ScopeGate: resolving and enforcing resource
// scope (tenant) authorization on every thread operation (§4.6).
package scope

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// ResourceScope is the authorization selector identifying one or more
// tenant/workspace buckets. A nil *ResourceScope means admin bypass
// (read-any, write-existing-only); scope.Resolver returning (nil, false)
// (the "absent"/undefined case) means unauthorized.
type ResourceScope struct {
	ResourceID []string
	Properties map[string]any
}

// ClientHint is the parsed form of the X-CopilotKit-Resource-ID header:
// nil means absent, a single-element slice means a bare value, multiple
// elements mean a comma-separated list. Items are trimmed but empty items
// and duplicates are preserved for the Resolver to decide (§4.6).
type ClientHint []string

// ParseClientHint reads the X-CopilotKit-Resource-ID header from r.
func ParseClientHint(r *http.Request) ClientHint {
	raw := r.Header.Get("X-CopilotKit-Resource-ID")
	if raw == "" && r.Header.Values("X-CopilotKit-Resource-ID") == nil {
		return nil
	}
	if !strings.Contains(raw, ",") {
		decoded, err := url.QueryUnescape(raw)
		if err != nil {
			decoded = raw
		}
		return ClientHint{decoded}
	}
	parts := strings.Split(raw, ",")
	hint := make(ClientHint, len(parts))
	for i, p := range parts {
		hint[i] = strings.TrimSpace(p)
	}
	return hint
}

// Resolver is the application-supplied policy mapping a request (and its
// client-declared hint) to a ResourceScope, admin bypass (nil scope, true),
// or unauthorized (ok=false). Resolver may also return an error, which the
// HTTP layer maps to 500 (§6.3) — callers distinguish "unauthorized" from
// "resolver failed" by checking err first, then ok.
type Resolver func(ctx context.Context, r *http.Request, hint ClientHint) (scope *ResourceScope, ok bool, err error)

// Matches reports whether scope authorizes access to a thread owned by
// resourceIDs. A nil scope is the admin bypass. An empty scope.ResourceID
// authorizes nothing.
func Matches(resourceIDs []string, scope *ResourceScope) bool {
	if scope == nil {
		return true
	}
	if len(scope.ResourceID) == 0 {
		return false
	}
	owned := make(map[string]struct{}, len(resourceIDs))
	for _, id := range resourceIDs {
		owned[id] = struct{}{}
	}
	for _, id := range scope.ResourceID {
		if _, ok := owned[id]; ok {
			return true
		}
	}
	return false
}

// Strict builds a ResourceScope that requires every client-hint id to be
// present in authoritative (the ids the application's own auth layer trusts,
// e.g. extracted from a bearer token), rejecting otherwise. Scope is set to
// authoritative regardless of hint once accepted.
func Strict(authoritative []string, hint ClientHint) (*ResourceScope, error) {
	if len(hint) > 0 {
		owned := make(map[string]struct{}, len(authoritative))
		for _, id := range authoritative {
			owned[id] = struct{}{}
		}
		for _, id := range hint {
			if _, ok := owned[id]; !ok {
				return nil, ErrHintNotOwned
			}
		}
	}
	return &ResourceScope{ResourceID: append([]string(nil), authoritative...)}, nil
}

// Filtering intersects authoritative with hint, requiring the intersection
// to be non-empty. The result preserves hint's order and duplicates, which
// is why it must be computed against hint rather than authoritative.
func Filtering(authoritative []string, hint ClientHint) (*ResourceScope, error) {
	if len(hint) == 0 {
		return &ResourceScope{ResourceID: append([]string(nil), authoritative...)}, nil
	}
	owned := make(map[string]struct{}, len(authoritative))
	for _, id := range authoritative {
		owned[id] = struct{}{}
	}
	var intersection []string
	for _, id := range hint {
		if _, ok := owned[id]; ok {
			intersection = append(intersection, id)
		}
	}
	if len(intersection) == 0 {
		return nil, ErrNoIntersection
	}
	return &ResourceScope{ResourceID: intersection}, nil
}

// Override ignores the client hint entirely; scope is always authoritative.
func Override(authoritative []string, _ ClientHint) (*ResourceScope, error) {
	return &ResourceScope{ResourceID: append([]string(nil), authoritative...)}, nil
}

// sentinel errors for the three policy helpers above; features/scope/jwt's
// resolver reports both as its (nil, false, nil) unauthorized result, which
// httpapi answers with 401 Unauthorized (§6.1, §6.3).
var (
	ErrHintNotOwned   = scopeErr("client-declared resource id not owned by caller")
	ErrNoIntersection = scopeErr("client-declared resource id does not intersect caller's scope")
)

type scopeErr string

func (e scopeErr) Error() string { return string(e) }
