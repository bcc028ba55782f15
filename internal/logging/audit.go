package logging

import (
	"sort"

	"github.com/go-logr/logr"
)

// Audit event types.
const (
	EventRoleCreated            = "role_created"
	EventRoleDeleted            = "role_deleted"
	EventRoleAssignedToGroup    = "role_assigned_to_group"
	EventCredentialFallback     = "credential_fallback_grant"
	EventCredentialCircuitBreak = "credential_circuit_break"
	EventSessionReLoginNotified = "session_relogin_notified"
	EventSessionForcedLogout    = "session_forced_logout"
)

// LogAuditEvent logs a structured audit event for changes made outside the cluster
// (Keycloak roles, credentials). Audit events are tagged with "audit=true" for easy
// filtering in log aggregation systems. Fields are emitted in key order.
func LogAuditEvent(logger logr.Logger, eventType string, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	kvs := make([]any, 0, 4+2*len(keys))
	kvs = append(kvs, "audit", "true", "event_type", eventType)
	for _, key := range keys {
		kvs = append(kvs, key, fields[key])
	}
	logger.WithValues(kvs...).Info("Audit event")
}
