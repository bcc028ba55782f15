package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "operation timed out" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return false }

func TestIsTransientConnection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "sentinel error",
			err:  ErrTransientConnection,
			want: true,
		},
		{
			name: "wrapped sentinel error",
			err:  fmt.Errorf("context: %w", ErrTransientConnection),
			want: true,
		},
		{
			name: "connection refused",
			err:  errors.New("dial tcp 127.0.0.1:8080: connect: connection refused"),
			want: true,
		},
		{
			name: "connection reset",
			err:  errors.New("read: connection reset by peer"),
			want: true,
		},
		{
			name: "DNS error",
			err:  &net.DNSError{Err: "no such host", Name: "keycloak.example.com"},
			want: true,
		},
		{
			name: "timeout net.Error",
			err:  &timeoutError{},
			want: true,
		},
		{
			name: "non-transient error",
			err:  errors.New("invalid configuration"),
			want: false,
		},
		{
			name: "not found error",
			err:  ErrNotFound,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsTransientConnection(tt.err)
			if got != tt.want {
				t.Errorf("IsTransientConnection() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTransientConnection_ContextTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	if !IsTransientConnection(ctx.Err()) {
		t.Errorf("context.DeadlineExceeded should be detected as transient connection error")
	}
}

func TestWrapHelpers(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		wrap  func(error) error
		check func(error) bool
	}{
		{name: "transient connection", wrap: WrapTransientConnection, check: IsTransientConnection},
		{name: "remote overloaded", wrap: WrapTransientRemoteOverloaded, check: IsTransientRemoteOverloaded},
		{name: "permanent config", wrap: WrapPermanentConfig, check: IsPermanent},
		{name: "not found", wrap: WrapNotFound, check: IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wrap(nil) != nil {
				t.Fatalf("wrapping nil must return nil")
			}
			wrapped := tt.wrap(base)
			if !tt.check(wrapped) {
				t.Fatalf("expected wrapped error to be classified, got %v", wrapped)
			}
			if !errors.Is(wrapped, base) {
				t.Fatalf("wrapped error lost its cause: %v", wrapped)
			}
		})
	}
}

func TestWrapNotFound_Idempotent(t *testing.T) {
	once := WrapNotFound(errors.New("role img:base missing"))
	twice := WrapNotFound(once)
	if once != twice {
		t.Fatalf("expected already-wrapped error to be returned as-is")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(WrapTransientRemoteOverloaded(errors.New("503"))) {
		t.Errorf("remote overloaded should be transient")
	}
	if !IsTransient(errors.New("i/o timeout")) {
		t.Errorf("i/o timeout should be transient")
	}
	if IsTransient(WrapPermanentConfig(errors.New("missing realm"))) {
		t.Errorf("permanent config error should not be transient")
	}
}

func TestWrapCRDMissing(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{
			name:          "nil error",
			err:           nil,
			wantPermanent: false,
		},
		{
			name:          "no matches for kind",
			err:           errors.New(`no matches for kind "Dataset" in version "primehub.io/v1alpha1"`),
			wantPermanent: true,
		},
		{
			name:          "could not find the requested resource",
			err:           errors.New("the server could not find the requested resource"),
			wantPermanent: true,
		},
		{
			name:          "unrelated error",
			err:           errors.New("forbidden"),
			wantPermanent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WrapCRDMissing(tt.err)
			if IsPermanent(got) != tt.wantPermanent {
				t.Errorf("IsPermanent(WrapCRDMissing()) = %v, want %v", IsPermanent(got), tt.wantPermanent)
			}
			if tt.err != nil && !errors.Is(got, tt.err) {
				t.Errorf("WrapCRDMissing() lost original error")
			}
		})
	}
}
