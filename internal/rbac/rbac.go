package rbac

// Role constants
const (
	RoleDistrictAdmin    = "district_admin"
	RoleRegistrar        = "registrar"
	RoleAuditor          = "auditor"
	RoleSystem           = "system"
	RolePlatformOperator = "platform_operator"
)

// Permission constants
const (
	PermAuditSubmit       = "audit_submit"
	PermAuditRead         = "audit_read"
	PermAuditVerify       = "audit_verify"
	PermAuditExport       = "audit_export"
	PermAuditPlatformRead = "audit_platform_read"
)

// RolePermissions defines what each role can do against the trail. The
// audit core itself never consults this table; authorization is an API
// layer concern.
var RolePermissions = map[string][]string{
	RoleDistrictAdmin: {
		PermAuditSubmit, PermAuditRead, PermAuditVerify, PermAuditExport,
	},
	RoleRegistrar: {
		PermAuditSubmit, PermAuditRead,
	},
	RoleAuditor: {
		PermAuditRead, PermAuditVerify, PermAuditExport,
		// Auditor CANNOT: PermAuditSubmit (read-only review role)
	},
	RoleSystem: {
		PermAuditSubmit,
	},
	RolePlatformOperator: {
		PermAuditSubmit, PermAuditRead, PermAuditVerify, PermAuditExport,
		PermAuditPlatformRead,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}
