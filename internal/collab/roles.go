package collab

// Collaborator roles as stored per schema.
const (
	RoleWriter   = "writer"
	RoleReviewer = "reviewer"
	RoleReader   = "reader"
)

// RolePermissions maps a role to the actions it grants. Reviewers may look
// but not edit cells.
func RolePermissions(role string) ([]Permission, bool) {
	switch role {
	case RoleWriter:
		return []Permission{{Action: ActionView, Granted: true}, {Action: ActionEdit, Granted: true}}, true
	case RoleReviewer, RoleReader:
		return []Permission{{Action: ActionView, Granted: true}, {Action: ActionEdit, Granted: false}}, true
	}
	return nil, false
}
