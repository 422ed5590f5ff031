package rbac

type Role string

const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleEditor      Role = "editor"
	RoleAdmin       Role = "admin"
)

var rank = map[Role]int{
	RoleViewer:      1,
	RoleContributor: 2,
	RoleEditor:      3,
	RoleAdmin:       4,
}

// AtLeast reports whether role may act where min is required. Unknown roles
// never satisfy any requirement.
func AtLeast(role, min Role) bool {
	have, ok := rank[role]
	if !ok {
		return false
	}
	return have >= rank[min]
}

func Valid(role string) bool {
	_, ok := rank[Role(role)]
	return ok
}

// Assignable lists the roles an account can hold; viewer is the anonymous floor.
func Assignable(role string) bool {
	switch Role(role) {
	case RoleContributor, RoleEditor, RoleAdmin:
		return true
	default:
		return false
	}
}

func Normalize(role string) Role {
	if Valid(role) {
		return Role(role)
	}
	return RoleViewer
}
