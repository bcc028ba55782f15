package rolesync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	primehubv1alpha1 "github.com/dc-tec/keycloak-sync-operator/api/v1alpha1"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
	"github.com/dc-tec/keycloak-sync-operator/internal/keycloak"
	"github.com/dc-tec/keycloak-sync-operator/internal/source"
)

type fakeSubscription[T any] struct {
	events  chan source.Event[T]
	stopped chan struct{}
	once    sync.Once
}

func (s *fakeSubscription[T]) Events() <-chan source.Event[T] {
	return s.events
}

func (s *fakeSubscription[T]) Stop() {
	s.once.Do(func() { close(s.stopped) })
}

// send delivers ev, giving up if the watcher stopped reading.
func (s *fakeSubscription[T]) send(ev source.Event[T]) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		return false
	}
}

type fakeSource[T any] struct {
	mu        sync.Mutex
	items     []T
	watchErrs []error
	watches   int

	subs chan *fakeSubscription[T]
}

func newFakeSource[T any](items ...T) *fakeSource[T] {
	return &fakeSource[T]{items: items, subs: make(chan *fakeSubscription[T], 16)}
}

func (f *fakeSource[T]) List(context.Context) ([]T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]T(nil), f.items...), nil
}

func (f *fakeSource[T]) Get(_ context.Context, name string) (T, error) {
	var zero T
	return zero, operatorerrors.WrapNotFound(fmt.Errorf("%s", name))
}

func (f *fakeSource[T]) Watch(context.Context) (source.Subscription[T], error) {
	f.mu.Lock()
	i := f.watches
	f.watches++
	var err error
	if i < len(f.watchErrs) {
		err = f.watchErrs[i]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sub := &fakeSubscription[T]{events: make(chan source.Event[T]), stopped: make(chan struct{})}
	f.subs <- sub
	return sub, nil
}

func (f *fakeSource[T]) watchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watches
}

// fakeRealm is an in-memory Keycloak realm.
type fakeRealm struct {
	mu       sync.Mutex
	roles    map[string]*keycloak.Role
	mappings map[string][]string
	created  int
	deleted  int
	tokens   []string

	// fail maps a role or group name to the error returned by every call touching it.
	fail map[string]error
}

func newFakeRealm(existing ...string) *fakeRealm {
	r := &fakeRealm{
		roles:    map[string]*keycloak.Role{},
		mappings: map[string][]string{},
		fail:     map[string]error{},
	}
	for _, name := range existing {
		r.roles[name] = &keycloak.Role{ID: "id-" + name, Name: name}
	}
	return r
}

func (r *fakeRealm) ForToken(token string) (keycloak.RoleAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, token)
	return r, nil
}

func (r *fakeRealm) FindRoleByName(_ context.Context, name string) (*keycloak.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[name]; err != nil {
		return nil, err
	}
	role, ok := r.roles[name]
	if !ok {
		return nil, nil
	}
	copied := *role
	return &copied, nil
}

func (r *fakeRealm) CreateRole(_ context.Context, name, description string) (*keycloak.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[name]; err != nil {
		return nil, err
	}
	if role, ok := r.roles[name]; ok {
		copied := *role
		return &copied, nil
	}
	r.created++
	role := &keycloak.Role{ID: "id-" + name, Name: name, Description: description}
	r.roles[name] = role
	copied := *role
	return &copied, nil
}

func (r *fakeRealm) DeleteRoleByName(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[name]; err != nil {
		return err
	}
	if _, ok := r.roles[name]; !ok {
		return operatorerrors.WrapNotFound(fmt.Errorf("delete role: role %q", name))
	}
	r.deleted++
	delete(r.roles, name)
	return nil
}

func (r *fakeRealm) AddRoleToGroup(_ context.Context, groupID string, role *keycloak.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role == nil {
		return errors.New("role is required")
	}
	if err := r.fail[groupID]; err != nil {
		return err
	}
	if !slices.Contains(r.mappings[groupID], role.Name) {
		r.mappings[groupID] = append(r.mappings[groupID], role.Name)
	}
	return nil
}

// setFail sets or, with a nil err, clears the failure for name.
func (r *fakeRealm) setFail(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, name)
		return
	}
	r.fail[name] = err
}

func (r *fakeRealm) roleNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	return names
}

func (r *fakeRealm) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.roles[name]
	return ok
}

func (r *fakeRealm) counts() (created, deleted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created, r.deleted
}

func (r *fakeRealm) mapped(groupID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.mappings[groupID]...)
}

type staticTokens struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *staticTokens) GetAccessToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("token-%d", s.calls), nil
}

func (s *staticTokens) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func dataset(name string, global bool) *primehubv1alpha1.Dataset {
	ds := &primehubv1alpha1.Dataset{}
	ds.Name = name
	ds.Namespace = "hub"
	ds.Spec.Global = global
	ds.Spec.DisplayName = "Dataset " + name
	return ds
}

func image(name string, global bool) *primehubv1alpha1.Image {
	img := &primehubv1alpha1.Image{}
	img.Name = name
	img.Namespace = "hub"
	img.Spec.Global = global
	return img
}

// logLine is one captured log call.
type logLine struct {
	msg string
	kvs map[string]any
}

type logCapture struct {
	mu    sync.Mutex
	lines []logLine
}

func (c *logCapture) logger() logr.Logger {
	return logr.New(&captureSink{capture: c})
}

func (c *logCapture) messages(msg string) []logLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []logLine
	for _, l := range c.lines {
		if l.msg == msg {
			out = append(out, l)
		}
	}
	return out
}

type captureSink struct {
	capture *logCapture
	kvs     []any
}

func (s *captureSink) Init(logr.RuntimeInfo) {}
func (s *captureSink) Enabled(int) bool      { return true }
func (s *captureSink) Info(_ int, msg string, kvs ...any) {
	s.record(msg, kvs)
}
func (s *captureSink) Error(_ error, msg string, kvs ...any) {
	s.record(msg, kvs)
}
func (s *captureSink) WithValues(kvs ...any) logr.LogSink {
	return &captureSink{capture: s.capture, kvs: append(append([]any{}, s.kvs...), kvs...)}
}
func (s *captureSink) WithName(string) logr.LogSink {
	return s
}

func (s *captureSink) record(msg string, kvs []any) {
	all := append(append([]any{}, s.kvs...), kvs...)
	m := map[string]any{}
	for i := 0; i+1 < len(all); i += 2 {
		if k, ok := all[i].(string); ok {
			m[k] = all[i+1]
		}
	}
	s.capture.mu.Lock()
	defer s.capture.mu.Unlock()
	s.capture.lines = append(s.capture.lines, logLine{msg: msg, kvs: m})
}
