package keycloak

import "context"

// RoleAPI is the subset of the admin API used to mirror resources into realm roles.
type RoleAPI interface {
	FindRoleByName(ctx context.Context, name string) (*Role, error)
	CreateRole(ctx context.Context, name, description string) (*Role, error)
	DeleteRoleByName(ctx context.Context, name string) error
	AddRoleToGroup(ctx context.Context, groupID string, role *Role) error
}

// RoleAPIFactory builds a RoleAPI authenticated with an access token.
type RoleAPIFactory interface {
	ForToken(token string) (RoleAPI, error)
}

var _ RoleAPI = (*Client)(nil)
var _ RoleAPIFactory = (*ClientFactory)(nil)
