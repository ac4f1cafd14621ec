package rbac

type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	ActionView          Action = "view"
	ActionEdit          Action = "edit"
	ActionManageMembers Action = "manage-members"
	ActionDelete        Action = "delete"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleAdmin:
		return action == ActionView || action == ActionEdit || action == ActionManageMembers
	case RoleMember:
		return action == ActionView || action == ActionEdit
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleMember
	}
}
