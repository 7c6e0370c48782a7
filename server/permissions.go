package server

import (
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// RoleID is a Discord role snowflake.
type RoleID uint64

func (id RoleID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Policy holds the two configured role sets. It is not modified after startup.
type Policy struct {
	AllowedRoles []RoleID // grants whitelist access
	AdminRoles   []RoleID // grants resync authority
}

func NewPolicy(allowed, admin []RoleID) Policy {
	return Policy{
		AllowedRoles: lo.Uniq(allowed),
		AdminRoles:   lo.Uniq(admin),
	}
}

// Overlap returns roles present in both sets.
func (p Policy) Overlap() []RoleID {
	return lo.Intersect(p.AllowedRoles, p.AdminRoles)
}

// EvaluateAccess reports whether any of the roles grants whitelist access.
func EvaluateAccess(roles []RoleID, policy Policy) bool {
	return hasAnyRole(roles, policy.AllowedRoles)
}

// EvaluateAdmin reports whether any of the roles grants resync authority.
func EvaluateAdmin(roles []RoleID, policy Policy) bool {
	return hasAnyRole(roles, policy.AdminRoles)
}

func hasAnyRole(roles, granted []RoleID) bool {
	if len(roles) == 0 || len(granted) == 0 {
		return false
	}
	return lo.Some(roles, granted)
}

// ParseRoleIDs converts Discord role id strings, dropping anything malformed.
func ParseRoleIDs(ids []string) []RoleID {
	return lo.FilterMap(ids, func(s string, _ int) (RoleID, bool) {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		if err != nil || v == 0 {
			return 0, false
		}
		return RoleID(v), true
	})
}
