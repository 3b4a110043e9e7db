package auth

const (
	PermAll         = "*"
	PermRolesManage = "roles.manage"
	PermUsersManage = "users.manage"
	PermAuditRead   = "audit.read"
	PermStatsRead   = "stats.read"
)

// Permission is a named capability a role may carry.
type Permission struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

var BuiltinPermissions = []Permission{
	{Key: PermRolesManage, Description: "Create, update and delete roles"},
	{Key: PermUsersManage, Description: "Manage administrator accounts"},
	{Key: PermAuditRead, Description: "Read the login audit trail"},
	{Key: PermStatsRead, Description: "Read account and session statistics"},
}
