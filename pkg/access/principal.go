package access

// GuestName is the display name of the unauthenticated showcase principal
const GuestName = "Showcase Guest"

// Principal is the caller a query or command is evaluated for
type Principal struct {
	UserID string
	Name   string
	Guest  bool
	ACL    ACL
}

// NewGuest returns the read-only showcase principal
func NewGuest() Principal {
	return Principal{Name: GuestName, Guest: true}
}

// Resolve returns the effective mask of the principal on (hostID, processID)
func (p Principal) Resolve(hostID, processID string) Permission {
	if p.Guest {
		return GuestPermissions
	}
	return Resolve(p.ACL, hostID, processID)
}

// Can reports whether the principal holds every required capability
func (p Principal) Can(hostID, processID string, required ...Permission) bool {
	return Has(p.Resolve(hostID, processID), required...)
}

// CanControl reports whether the principal holds any control capability on the process
func (p Principal) CanControl(hostID, processID string) bool {
	return p.Resolve(hostID, processID)&ControlPermissions != None
}

// IsPrivileged reports admin or owner
func (p Principal) IsPrivileged() bool {
	return !p.Guest && p.ACL.IsPrivileged()
}

// Sees reports whether the principal has any capability on the host at all
func (p Principal) Sees(hostID string) bool {
	if p.Guest || p.ACL.IsPrivileged() {
		return true
	}
	_, ok := p.ACL.host(hostID)
	return ok
}
