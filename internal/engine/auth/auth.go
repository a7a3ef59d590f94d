package auth

import (
	"fmt"
	"sort"

	"tripdesk/internal/config"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is an authenticated caller. Permissions granted directly (for example
// by a token claim) add to those of its roles.
type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
}

// Service resolves permissions from the rbac section of tripdesk.yml.
type Service struct {
	Config *config.Config
}

// DefaultRoles is what a caller without explicit roles gets.
func (s Service) DefaultRoles() []string {
	if s.Config == nil || s.Config.RBAC.DefaultRole == "" {
		return nil
	}
	return []string{s.Config.RBAC.DefaultRole}
}

// Permissions returns the sorted permission set of p.
func (s Service) Permissions(p Principal) []string {
	set := s.Config.RolePermissions(p.Roles)
	for _, perm := range p.Permissions {
		set[perm] = true
	}
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

func (s Service) HasPermission(p Principal, perm string) bool {
	for _, have := range s.Permissions(p) {
		if have == perm {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError when p lacks perm.
func (s Service) Require(p Principal, perm string) error {
	if !s.HasPermission(p, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
