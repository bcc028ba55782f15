package constants

// Keycloak admin REST API path templates. All are relative to the Keycloak base URL and
// take the realm as their first argument.
const (
	APIPathRealmRole          = "/admin/realms/%s/roles/%s"
	APIPathRealmRoles         = "/admin/realms/%s/roles"
	APIPathGroupRealmMappings = "/admin/realms/%s/groups/%s/role-mappings/realm"
	APIPathTokenEndpoint      = "/realms/%s/protocol/openid-connect/token"
	APIPathLogoutEndpoint     = "/realms/%s/protocol/openid-connect/logout"
	APIPathAuthEndpoint       = "/realms/%s/protocol/openid-connect/auth"
	APIPathWellKnown          = "/realms/%s/.well-known/openid-configuration"
)
