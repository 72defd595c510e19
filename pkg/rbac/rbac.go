package rbac

// 权限常量
const (
	PermissionReadRecords  = "records:read"
	PermissionReadStats    = "stats:read"
	PermissionReadOutbox   = "outbox:read"
	PermissionReplayOutbox = "outbox:replay"
)

// 角色常量
const (
	RoleViewer = "viewer"
	RoleAdmin  = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleViewer: {
		PermissionReadRecords,
		PermissionReadStats,
	},
	RoleAdmin: {
		PermissionReadRecords,
		PermissionReadStats,
		PermissionReadOutbox,
		PermissionReplayOutbox,
	},
}

// NormalizeRole maps an empty or unknown role to viewer.
func NormalizeRole(role string) string {
	if _, ok := rolePermissions[role]; ok {
		return role
	}
	return RoleViewer
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role, permission string) bool {
	for _, p := range rolePermissions[NormalizeRole(role)] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查角色是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{Role: role, Permission: permission}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
