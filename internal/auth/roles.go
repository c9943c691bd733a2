package auth

import "strings"

// Role is an ops API role. Each role includes the access of the roles below
// it in roleLadder.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// roleLadder lists roles from least to most privileged.
var roleLadder = [...]Role{RoleViewer, RoleOperator, RoleAdmin}

// ParseRole reads a role claim. Case and surrounding space are ignored, so
// tokens minted by other tools as "Operator" still work.
func ParseRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if role.level() < 0 {
		return "", false
	}
	return role, true
}

// Allows reports whether r may call an endpoint that requires required.
// Unknown roles on either side allow nothing.
func (r Role) Allows(required Role) bool {
	have, need := r.level(), required.level()
	return have >= 0 && need >= 0 && have >= need
}

func (r Role) level() int {
	for i, role := range roleLadder {
		if role == r {
			return i
		}
	}
	return -1
}
