package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleStudent   Role = "student"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"     // published posts, public comment listings
	ActionNote     Action = "note"     // own notes, reactions, comments
	ActionAnnotate Action = "annotate" // annotations and replies on drafts
	ActionEdit     Action = "edit"     // post content, draft versions
	ActionPublish  Action = "publish"  // publish versions, moderate comments
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action == ActionRead || action == ActionNote || action == ActionAnnotate ||
			action == ActionEdit || action == ActionPublish
	case RoleStudent:
		return action == ActionRead || action == ActionNote
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleStudent, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// IsEditorRole reports whether the role may author post versions.
// Version rows record the author as either moderator or admin.
func IsEditorRole(role Role) bool {
	return role == RoleModerator || role == RoleAdmin
}
