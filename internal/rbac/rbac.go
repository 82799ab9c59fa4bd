package rbac

type Role string
type Action string

const (
	RoleStudent Role = "student"
	RoleAdviser Role = "adviser"
	RolePanel   Role = "panel"
	RoleDean    Role = "dean"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionSubmit Action = "submit"
	ActionReview Action = "review"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
	ActionBulk   Action = "bulk"
	ActionAdmin  Action = "admin"
)

// Can reports whether role may perform action. Unknown roles may only read.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleDean:
		return action == ActionRead || action == ActionReview || action == ActionManage || action == ActionBulk
	case RoleAdviser:
		return action == ActionRead || action == ActionReview || action == ActionManage || action == ActionBulk || action == ActionDelete
	case RolePanel:
		return action == ActionRead || action == ActionReview
	case RoleStudent:
		return action == ActionRead || action == ActionSubmit || action == ActionDelete
	default:
		return action == ActionRead
	}
}

// SeesAllResearch reports whether role reaches every project regardless of
// membership.
func SeesAllResearch(role Role) bool {
	return role == RoleAdmin || role == RoleDean
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleStudent, RoleAdviser, RolePanel, RoleDean, RoleAdmin:
		return Role(role)
	default:
		return ""
	}
}
