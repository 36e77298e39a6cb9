package domain

// GlobalRole console-wide operator role (users.role)
type GlobalRole string

const (
	RoleSuperAdmin GlobalRole = "SuperAdmin"
	RoleAdmin      GlobalRole = "Admin"
	RoleOperator   GlobalRole = "Operator"
)

// Elevated the oversight role: may create groups, delete rooms, see all groups
func (r GlobalRole) Elevated() bool { return r == RoleSuperAdmin }

// ChatRole maps the global role to the participant role at add time
func (r GlobalRole) ChatRole() ParticipantRole {
	switch r {
	case RoleSuperAdmin:
		return ParticipantSuperAdmin
	case RoleAdmin:
		return ParticipantAdmin
	default:
		return ParticipantMember
	}
}

// Operator console operator as seen by the chat core (read from users)
type Operator struct {
	OperatorID string
	Username   string
	Nickname   string
	Role       GlobalRole
	Active     bool
}

// DisplayName nickname when present
func (o *Operator) DisplayName() string {
	if o.Nickname != "" {
		return o.Nickname
	}
	return o.Username
}
