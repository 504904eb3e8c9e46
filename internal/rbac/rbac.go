package rbac

// Role is a broker's role on a single case.
type Role string
type Action string

const (
	RoleNone        Role = ""
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleEditor      Role = "editor"
	RoleOwner       Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionUpload  Action = "upload"
	ActionEdit    Action = "edit"
	ActionManage  Action = "manage"
)

// Platform roles, carried in the access token.
const (
	PlatformBroker = "broker"
	PlatformAdmin  = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionComment || action == ActionUpload || action == ActionEdit
	case RoleContributor:
		return action == ActionRead || action == ActionComment || action == ActionUpload
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps free-form input to an assignable collaborator role.
// Owner is never assignable; unknown values fall back to viewer.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleContributor, RoleEditor:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Valid reports whether role can be granted to a collaborator.
func Valid(role string) bool {
	switch Role(role) {
	case RoleViewer, RoleContributor, RoleEditor:
		return true
	default:
		return false
	}
}

// Rank orders roles so the stronger of two grants can be picked.
func Rank(role Role) int {
	switch role {
	case RoleOwner:
		return 4
	case RoleEditor:
		return 3
	case RoleContributor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Stronger returns whichever role grants more.
func Stronger(a, b Role) Role {
	if Rank(b) > Rank(a) {
		return b
	}
	return a
}
