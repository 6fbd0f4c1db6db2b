package services

import (
	"fmt"

	"gamepanel/models"
)

// PermissionError 权限不足，携带缺失的权限名，对应 HTTP 403
type PermissionError struct {
	Permission string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("缺少权限: %s", e.Permission)
}

func forbidden(permission string) error {
	return &PermissionError{Permission: permission}
}

// PermissionManager 单次请求的只读权限视图，由最多四个来源组合而成：
// 用户 admin 标志、角色权限列表、API 密钥权限列表、子用户权限列表。
// 模型是"限制取交集"：配置了哪个来源，哪个来源就必须放行；
// 完全没配置限制的属主/账号维度默认放行；admin 直接短路通过。
// 每次请求重新构建，从不持久化
type PermissionManager struct {
	Admin bool

	// 角色权限，nil 表示该用户没有角色限制
	RoleAdminPermissions  models.StringList
	RoleServerPermissions models.StringList
	hasRoleServerList     bool

	// API 密钥权限，hasApiKey 为 false 时忽略
	hasApiKey            bool
	KeyUserPermissions   models.StringList
	KeyAdminPermissions  models.StringList
	KeyServerPermissions models.StringList

	// 子用户在当前服务器上的权限列表
	SubuserPermissions models.StringList
	hasSubuserList     bool
}

// NewPermissionManager 从用户（含已预载的角色）构建基础视图
func NewPermissionManager(user *models.User) *PermissionManager {
	m := &PermissionManager{Admin: user.Admin}
	if user.Role != nil {
		m.RoleAdminPermissions = user.Role.AdminPermissions
		m.RoleServerPermissions = user.Role.ServerPermissions
		m.hasRoleServerList = user.Role.ServerPermissions != nil
	}
	return m
}

// WithApiKey 附加一把 API 密钥的限制
func (m *PermissionManager) WithApiKey(key *models.ApiKey) *PermissionManager {
	m.hasApiKey = true
	m.KeyUserPermissions = key.UserPermissions
	m.KeyAdminPermissions = key.AdminPermissions
	m.KeyServerPermissions = key.ServerPermissions
	return m
}

// WithSubuser 附加当前服务器上的子用户权限列表
func (m *PermissionManager) WithSubuser(sub *models.Subuser) *PermissionManager {
	m.SubuserPermissions = sub.Permissions
	m.hasSubuserList = true
	return m
}

// UserScope 账号自助操作。没有 API 密钥时无限制；
// 有密钥时要求密钥的 user 列表包含该权限
func (m *PermissionManager) UserScope(permission string) error {
	if m.hasApiKey && !m.KeyUserPermissions.Contains(permission) {
		return forbidden(permission)
	}
	return nil
}

// AdminScope 后台管理操作。admin 短路通过；否则角色的 admin 列表
// 必须包含该权限，且附加的 API 密钥（如有）也必须包含
func (m *PermissionManager) AdminScope(permission string) error {
	if m.Admin {
		return nil
	}
	if !m.RoleAdminPermissions.Contains(permission) {
		return forbidden(permission)
	}
	if m.hasApiKey && !m.KeyAdminPermissions.Contains(permission) {
		return forbidden(permission)
	}
	return nil
}

// ServerScope 服务器操作。admin 短路通过。角色和子用户都没有
// server 列表时视为不受限的属主：只剩 API 密钥可能收窄；
// 任一列表存在时要求两者并集包含该权限，再叠加 API 密钥的限制
func (m *PermissionManager) ServerScope(permission string) error {
	if m.Admin {
		return nil
	}

	if !m.hasRoleServerList && !m.hasSubuserList {
		if m.hasApiKey && !m.KeyServerPermissions.Contains(permission) {
			return forbidden(permission)
		}
		return nil
	}

	if !m.RoleServerPermissions.Contains(permission) && !m.SubuserPermissions.Contains(permission) {
		return forbidden(permission)
	}
	if m.hasApiKey && !m.KeyServerPermissions.Contains(permission) {
		return forbidden(permission)
	}
	return nil
}

// WingsPermissions 下发给节点用于实时会话鉴权的权限串列表。
// 管理员拿通配符加管理员专属范围；其他人拿 websocket.connect
// 加子用户列表，不受限的属主直接拿通配符
func (m *PermissionManager) WingsPermissions() []string {
	if m.Admin {
		return []string{
			"*",
			"admin.websocket.errors",
			"admin.websocket.install",
			"admin.websocket.transfer",
		}
	}

	perms := []string{"websocket.connect"}
	if m.hasSubuserList {
		return append(perms, m.SubuserPermissions...)
	}
	return append(perms, "*")
}
