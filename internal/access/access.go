package access

import (
	"context"
	"errors"
	"log"

	"callbank/internal/domain"
	"callbank/internal/kv"
)

// Graph is the slice of the store the resolver traverses. store.Store
// satisfies it.
type Graph interface {
	MembershipsInScope(ctx context.Context, principalID, locationID string) ([]domain.Membership, error)
	RolesByGroup(ctx context.Context, groupID string) ([]string, error)
	GetPagePermission(ctx context.Context, roleID, page string) (domain.PagePermission, error)
}

// Resolver answers "can this principal use this page at this location"
// by walking principal -> group -> role -> page edges live in the
// store. No decision is cached.
//
// The resolver fails closed: any store error during the traversal is
// logged and the answer is false. It never returns an error a caller
// could mistake for "allowed".
type Resolver struct {
	Store  Graph
	Logger *log.Logger
}

func New(g Graph) Resolver {
	return Resolver{Store: g}
}

func (r Resolver) logf(format string, args ...any) {
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}

// CanAccess returns true when any role reachable from the principal's
// groups in scope allows the page. A deny on one role never overrides
// an allow on another.
func (r Resolver) CanAccess(ctx context.Context, principalID, locationID, page string) bool {
	memberships, err := r.Store.MembershipsInScope(ctx, principalID, locationID)
	if err != nil {
		r.logf("access: membership lookup failed for %s@%s: %v", principalID, locationID, err)
		return false
	}
	if len(memberships) == 0 {
		return false
	}
	seen := map[string]bool{}
	for _, m := range memberships {
		roles, err := r.Store.RolesByGroup(ctx, m.GroupID)
		if err != nil {
			r.logf("access: role lookup failed for group %s: %v", m.GroupID, err)
			return false
		}
		for _, roleID := range roles {
			if seen[roleID] {
				continue
			}
			seen[roleID] = true
			perm, err := r.Store.GetPagePermission(ctx, roleID, page)
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			if err != nil {
				r.logf("access: permission lookup failed for role %s page %s: %v", roleID, page, err)
				return false
			}
			if perm.Effect == domain.EffectAllow {
				return true
			}
		}
	}
	return false
}

// AccessiblePages filters candidates to the pages the principal can
// use. Each candidate is decided independently; there is no combined
// query.
func (r Resolver) AccessiblePages(ctx context.Context, principalID, locationID string, candidates []string) []string {
	var allowed []string
	for _, page := range candidates {
		if r.CanAccess(ctx, principalID, locationID, page) {
			allowed = append(allowed, page)
		}
	}
	return allowed
}
