package rolesync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/utils/clock"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
	"github.com/dc-tec/keycloak-sync-operator/internal/keycloak"
	"github.com/dc-tec/keycloak-sync-operator/internal/logging"
	"github.com/dc-tec/keycloak-sync-operator/internal/source"
)

// TokenSource supplies the current access token for the admin API.
type TokenSource interface {
	GetAccessToken() (string, error)
}

// State is the lifecycle state of a Watcher.
type State int32

const (
	// StateIdle means no watch stream is open.
	StateIdle State = iota
	// StateWatching means a watch stream is open and events are being dispatched.
	StateWatching
)

func (s State) String() string {
	switch s {
	case StateWatching:
		return "Watching"
	default:
		return "Idle"
	}
}

// DefaultBackoff is the rewatch backoff: 1s doubling up to 2m, with 10% jitter.
func DefaultBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: constants.DefaultRewatchInitialDelay,
		Factor:   constants.DefaultRewatchFactor,
		Jitter:   constants.DefaultRewatchJitter,
		Steps:    math.MaxInt32,
		Cap:      constants.DefaultRewatchMaxDelay,
	}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*watcherOptions)

type watcherOptions struct {
	rewatch bool
	backoff wait.Backoff
	clock   clock.Clock
	log     logr.Logger
}

// WithRewatch controls whether the stream is reopened after it ends. Defaults to true.
func WithRewatch(rewatch bool) WatcherOption {
	return func(o *watcherOptions) {
		o.rewatch = rewatch
	}
}

// WithBackoff sets the delay policy between rewatches.
func WithBackoff(b wait.Backoff) WatcherOption {
	return func(o *watcherOptions) {
		o.backoff = b
	}
}

// WithClock injects the clock used for rewatch delays and resync timing.
func WithClock(c clock.Clock) WatcherOption {
	return func(o *watcherOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) WatcherOption {
	return func(o *watcherOptions) {
		o.log = log
	}
}

// Watcher mirrors ADDED and DELETED events of one kind into Keycloak roles. Each event is
// handled on its own goroutine; handlers are idempotent so duplicate and replayed events
// are harmless. MODIFIED events are ignored because role identity depends only on the
// resource name.
type Watcher[T Object] struct {
	kind   Kind[T]
	src    source.Source[T]
	tokens TokenSource
	roles  keycloak.RoleAPIFactory
	opts   watcherOptions
	log    logr.Logger

	state    atomic.Int32
	handlers sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	aborted bool
}

// NewWatcher returns a watcher for kind reading src. Every event handler asks tokens for
// the current access token and builds its admin client through roles.
func NewWatcher[T Object](kind Kind[T], src source.Source[T], tokens TokenSource, roles keycloak.RoleAPIFactory, opts ...WatcherOption) *Watcher[T] {
	o := watcherOptions{
		rewatch: true,
		backoff: DefaultBackoff(),
		clock:   clock.RealClock{},
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Watcher[T]{
		kind:   kind,
		src:    src,
		tokens: tokens,
		roles:  roles,
		opts:   o,
		log:    o.log.WithName("rolesync").WithValues("kind", kind.Name()),
	}
}

// Kind returns the kind name.
func (w *Watcher[T]) Kind() string {
	return w.kind.Name()
}

// State returns the current lifecycle state.
func (w *Watcher[T]) State() State {
	return State(w.state.Load())
}

// Start watches until ctx is cancelled, Abort is called, or, with rewatch disabled, the
// first stream ends. It waits for in-flight handlers before returning. The error of the
// last stream is returned only when rewatch is disabled.
func (w *Watcher[T]) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	if w.aborted {
		w.mu.Unlock()
		return nil
	}
	w.cancel = cancel
	w.mu.Unlock()

	defer w.handlers.Wait()

	backoff := w.opts.backoff
	for {
		healthy, err := w.watchOnce(watchCtx, ctx)
		w.state.Store(int32(StateIdle))

		if watchCtx.Err() != nil {
			return nil
		}
		if !w.opts.rewatch {
			return err
		}

		if healthy {
			backoff = w.opts.backoff
		}
		delay := backoff.Step()
		rewatchTotal.WithLabelValues(w.kind.Name()).Inc()
		if err != nil {
			w.log.Error(err, "Watch stream failed, restarting", "delay", delay.String())
		} else {
			w.log.Info("Watch stream closed, restarting", "delay", delay.String())
		}

		timer := w.opts.clock.NewTimer(delay)
		select {
		case <-watchCtx.Done():
			timer.Stop()
			return nil
		case <-timer.C():
		}
	}
}

// Abort closes the current stream and suppresses any further rewatch. A later Start
// returns immediately.
func (w *Watcher[T]) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborted = true
	if w.cancel != nil {
		w.cancel()
	}
}

// NeedLeaderElection implements manager.LeaderElectionRunnable.
func (w *Watcher[T]) NeedLeaderElection() bool {
	return true
}

// watchOnce consumes one stream. Handlers run with handlerCtx so that closing the
// stream does not interrupt them. healthy reports whether the stream delivered events or
// ended cleanly.
func (w *Watcher[T]) watchOnce(ctx, handlerCtx context.Context) (healthy bool, err error) {
	sub, err := w.src.Watch(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to open watch: %w", err)
	}
	defer sub.Stop()

	w.state.Store(int32(StateWatching))
	w.log.V(1).Info("Watch stream opened")

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-sub.Events():
			if !ok {
				return true, nil
			}
			switch ev.Type {
			case watch.Error:
				return healthy, ev.Err
			case watch.Added:
				healthy = true
				w.dispatch(handlerCtx, ev.Type, ev.Object, w.handleAdded)
			case watch.Deleted:
				healthy = true
				w.dispatch(handlerCtx, ev.Type, ev.Object, w.handleDeleted)
			default:
				healthy = true
				eventsTotal.WithLabelValues(w.kind.Name(), string(ev.Type), resultIgnored).Inc()
			}
		}
	}
}

func (w *Watcher[T]) dispatch(ctx context.Context, eventType watch.EventType, obj T, handle func(context.Context, T) (string, error)) {
	w.handlers.Add(1)
	go func() {
		defer w.handlers.Done()

		result, err := handle(ctx, obj)
		if err != nil {
			result = resultError
			w.log.Error(err, "Failed to reconcile event", "event", string(eventType), "name", obj.GetName(),
				"transient", operatorerrors.IsTransient(err))
		}
		eventsTotal.WithLabelValues(w.kind.Name(), string(eventType), result).Inc()
	}()
}

func (w *Watcher[T]) api() (keycloak.RoleAPI, error) {
	accessToken, err := w.tokens.GetAccessToken()
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	return w.roles.ForToken(accessToken)
}

func (w *Watcher[T]) handleAdded(ctx context.Context, obj T) (string, error) {
	api, err := w.api()
	if err != nil {
		return "", err
	}

	name := obj.GetName()
	roleNames := w.kind.RoleNames(name)
	created, err := w.kind.CreateOnKeycloak(ctx, api, obj)
	if err != nil {
		return "", err
	}
	if !created {
		w.log.V(1).Info("Role already exists", "name", name, "roles", fmt.Sprint(roleNames))
		return resultUnchanged, nil
	}
	logging.LogAuditEvent(w.log, logging.EventRoleCreated, map[string]string{
		"name":   name,
		"roles":  fmt.Sprint(roleNames),
		"global": fmt.Sprint(w.kind.DefaultGroupAssignment(obj)),
	})
	return resultSuccess, nil
}

func (w *Watcher[T]) handleDeleted(ctx context.Context, obj T) (string, error) {
	api, err := w.api()
	if err != nil {
		return "", err
	}

	name := obj.GetName()
	result := resultUnchanged
	var errs []error
	for _, role := range w.kind.RoleNames(name) {
		err := api.DeleteRoleByName(ctx, role)
		switch {
		case err == nil:
			result = resultSuccess
			logging.LogAuditEvent(w.log, logging.EventRoleDeleted, map[string]string{
				"name": name,
				"role": role,
			})
		case operatorerrors.IsNotFound(err):
			w.log.Info("Role already deleted", "name", name, "role", role)
		default:
			errs = append(errs, fmt.Errorf("failed to delete role %q: %w", role, err))
		}
	}
	return result, errors.Join(errs...)
}

// Resync replays every listed resource through the ADDED handler. Handling is
// sequential; the first listing error aborts, individual handler errors are collected.
func (w *Watcher[T]) Resync(ctx context.Context) error {
	items, err := w.src.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", w.kind.Name(), err)
	}

	start := w.opts.clock.Now()
	var errs []error
	created := 0
	for _, item := range items {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		result, err := w.handleAdded(ctx, item)
		if err != nil {
			result = resultError
			errs = append(errs, fmt.Errorf("%s %q: %w", w.kind.Name(), item.GetName(), err))
		}
		if result == resultSuccess {
			created++
		}
		resyncTotal.WithLabelValues(w.kind.Name(), result).Inc()
	}

	w.log.Info("Resync finished", "listed", len(items), "created", created, "failed", len(errs),
		"took", w.opts.clock.Since(start).String())
	return errors.Join(errs...)
}
