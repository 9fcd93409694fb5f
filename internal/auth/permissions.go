package auth

import "strings"

// HasPermission reports whether granted permissions cover required.
// Grants are exact ("wallet:deposit"), namespace wildcards ("wallet:*") or
// the full wildcard ("*").
func HasPermission(granted []string, required string) bool {
	for _, g := range granted {
		if g == "*" || g == required {
			return true
		}
		if ns, ok := strings.CutSuffix(g, ":*"); ok {
			if strings.HasPrefix(required, ns+":") {
				return true
			}
		}
	}
	return false
}

// Can reports whether the identity holds the required permission.
func (id *Identity) Can(required string) bool {
	return HasPermission(id.Permissions, required)
}
