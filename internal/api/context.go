package api

// Role describes the capability level of a caller.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// RequestContext identifies the caller of an orchestrator entry point.
// Every operation takes it explicitly; there is no ambient session state.
type RequestContext struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Role     Role   `json:"role"`
}

// Valid reports whether the context carries enough identity to act on.
func (rc RequestContext) Valid() bool {
	return rc.UserID != "" && rc.TenantID != ""
}

// CanMutate reports whether the caller may perform mutating operations.
func (rc RequestContext) CanMutate() bool {
	return rc.Role == RoleOperator || rc.Role == RoleAdmin
}
