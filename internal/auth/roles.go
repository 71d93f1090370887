package auth

import "context"

const (
	RoleMember    = "member"
	RoleLibrarian = "librarian"
	RoleAdmin     = "admin"
)

// Permissions checked by the transports.
const (
	PermBorrow        = "lending.borrow"
	PermViewOwn       = "lending.view_own"
	PermManageLoans   = "lending.loans.manage"
	PermManageCatalog = "catalog.manage"
	PermRunJobs       = "jobs.run"
	PermViewStats     = "lending.stats"
)

var rolePermissions = map[string][]string{
	RoleMember:    {PermBorrow, PermViewOwn},
	RoleLibrarian: {PermBorrow, PermViewOwn, PermManageLoans, PermManageCatalog, PermViewStats},
	RoleAdmin:     {PermBorrow, PermViewOwn, PermManageLoans, PermManageCatalog, PermViewStats, PermRunJobs},
}

// Allowed reports whether any of roles grants perm.
func Allowed(roles []string, perm string) bool {
	for _, r := range dedupeRoles(roles) {
		for _, p := range rolePermissions[r] {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// Can checks perm against the roles carried by ctx.
func Can(ctx context.Context, perm string) bool {
	return Allowed(RolesFromContext(ctx), perm)
}

// Staff reports whether ctx acts for the library rather than a member.
func Staff(ctx context.Context) bool {
	return Can(ctx, PermManageLoans)
}

// Known reports whether role has an entry in the permission table.
func Known(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}
