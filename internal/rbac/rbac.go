package rbac

type Role string
type Action string

const (
	RoleViewer  Role = "viewer"
	RoleStaff   Role = "staff"
	RoleManager Role = "manager"
	RoleOwner   Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionPublish Action = "publish"
	ActionSend    Action = "send"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionWrite || action == ActionPublish || action == ActionSend
	case RoleStaff:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleStaff, RoleManager, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}
