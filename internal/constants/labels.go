package constants

// Common Kubernetes label keys.
const (
	LabelAppName      = "app.kubernetes.io/name"
	LabelAppManagedBy = "app.kubernetes.io/managed-by"
	LabelAppComponent = "app.kubernetes.io/component"
)

// Common label values.
const (
	LabelValueAppNameKeycloakSync = "keycloak-sync"
	LabelValueComponentRBAC       = "rbac"
	LabelValueManagedByKustomize  = "kustomize"
)
