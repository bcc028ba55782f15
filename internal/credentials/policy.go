package credentials

import (
	"context"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/dc-tec/keycloak-sync-operator/internal/logging"
)

// HaltPolicy terminates the process when credentials are exhausted. An unattended
// process holding a dead credential is unsafe to keep running.
type HaltPolicy struct {
	// Exit defaults to os.Exit.
	Exit func(code int)
	Log  logr.Logger
}

// Warn implements ExhaustionPolicy.
func (p HaltPolicy) Warn(_ context.Context, remaining time.Duration) {
	p.Log.Info("Credential cannot be extended further", "expiresIn", remaining.String())
}

// Exhausted implements ExhaustionPolicy.
func (p HaltPolicy) Exhausted(_ context.Context, err error) {
	p.Log.Error(err, "Terminating: credentials can no longer be refreshed")
	exit := p.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(1)
}

// NotifyPolicy asks a human to log in again, then forces a logout.
type NotifyPolicy struct {
	LoginURL  string
	LogoutURL string
	// ReLoginNotify is called with LoginURL when the session is about to end.
	ReLoginNotify func(loginURL string)
	// ForceLogout is called with LogoutURL once the session is gone.
	ForceLogout func(logoutURL string)
	Log         logr.Logger
}

// Warn implements ExhaustionPolicy.
func (p NotifyPolicy) Warn(_ context.Context, remaining time.Duration) {
	logging.LogAuditEvent(p.Log, logging.EventSessionReLoginNotified, map[string]string{
		"expiresIn": remaining.String(),
	})
	if p.ReLoginNotify != nil {
		p.ReLoginNotify(p.LoginURL)
	}
}

// Exhausted implements ExhaustionPolicy.
func (p NotifyPolicy) Exhausted(_ context.Context, err error) {
	fields := map[string]string{}
	if err != nil {
		fields["reason"] = err.Error()
	}
	logging.LogAuditEvent(p.Log, logging.EventSessionForcedLogout, fields)
	if p.ForceLogout != nil {
		p.ForceLogout(p.LogoutURL)
	}
}
