package constants

// Names of the tracked resource kinds. They double as metric labels and as block labels in
// the kinds file.
const (
	KindImage        = "image"
	KindDataset      = "dataset"
	KindInstanceType = "instanceType"
)

// Default role name prefixes per kind. A role is named "<prefix><resource name>".
const (
	DefaultImagePrefix        = "img:"
	DefaultDatasetPrefix      = "ds:"
	DefaultInstanceTypePrefix = "it:"

	// WritableRoleInfix is inserted after the prefix for the writable variant of a role,
	// e.g. "ds:rw:<name>".
	WritableRoleInfix = "rw:"
)

// MetricsNamespace is the Prometheus namespace for every metric exported by the syncer.
const MetricsNamespace = "keycloak_sync"

// DefaultNamespace is used when POD_NAMESPACE is not set.
const DefaultNamespace = "hub"
