package domain

type Role string

const (
	RoleGuest Role = "guest"
	RoleAdmin Role = "admin"
)

// Principal is an identity already authenticated by the external auth service.
type Principal struct {
	ID   string
	Role Role
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// CanAccess reports whether p may read or act on r: the owning guest or an admin.
func (p Principal) CanAccess(r Reservation) bool {
	if p.ID == "" {
		return false
	}
	return p.IsAdmin() || p.ID == r.GuestID
}
