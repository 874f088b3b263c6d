package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/buildnet/buildnet/pkg/types"
)

// resolvePermissions maps actor kind x requested scopes to the session's
// permission set.
func resolvePermissions(kind types.ActorKind, scopes []string) []types.Permission {
	scopeSet := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		scopeSet[s] = true
	}

	switch kind {
	case types.ActorKindSystem:
		return []types.Permission{{Pattern: "*", Actions: []string{"*"}}}
	case types.ActorKindService:
		return []types.Permission{
			{Pattern: "builds", Actions: []string{"read", "write", "execute"}},
			{Pattern: "resources", Actions: []string{"read"}},
			{Pattern: "sessions", Actions: []string{"read"}},
		}
	case types.ActorKindAgent:
		return []types.Permission{
			{Pattern: "builds", Actions: []string{"read", "write", "execute"}},
			{Pattern: "resources", Actions: []string{"read", "claim"}},
			{Pattern: "sessions", Actions: []string{"read"}},
		}
	case types.ActorKindUser:
		switch {
		case scopeSet["admin"]:
			return []types.Permission{{Pattern: "*", Actions: []string{"*"}}}
		case scopeSet["write"]:
			return []types.Permission{
				{Pattern: "builds", Actions: []string{"read", "write", "execute"}},
				{Pattern: "resources", Actions: []string{"read", "write"}},
				{Pattern: "sessions", Actions: []string{"read"}},
			}
		default:
			return []types.Permission{
				{Pattern: "builds", Actions: []string{"read"}},
				{Pattern: "resources", Actions: []string{"read"}},
				{Pattern: "sessions", Actions: []string{"read"}},
			}
		}
	}
	return nil
}

// flattenPermissions renders permissions as sorted flat strings so the
// audit store never carries structured policy.
func flattenPermissions(perms []types.Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, fmt.Sprintf("%s:%s", p.Pattern, strings.Join(p.Actions, ",")))
	}
	sort.Strings(out)
	return out
}

// Allowed reports whether the permission set grants action on resource.
func Allowed(perms []types.Permission, resource, action string) bool {
	for _, p := range perms {
		if p.Pattern != "*" && p.Pattern != resource {
			continue
		}
		for _, a := range p.Actions {
			if a == "*" || a == action {
				return true
			}
		}
	}
	return false
}
