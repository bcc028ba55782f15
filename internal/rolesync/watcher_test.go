package rolesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	clocktesting "k8s.io/utils/clock/testing"

	primehubv1alpha1 "github.com/dc-tec/keycloak-sync-operator/api/v1alpha1"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
	"github.com/dc-tec/keycloak-sync-operator/internal/logging"
	"github.com/dc-tec/keycloak-sync-operator/internal/source"
)

type datasetHarness struct {
	src    *fakeSource[*primehubv1alpha1.Dataset]
	realm  *fakeRealm
	tokens *staticTokens
	logs   *logCapture
	w      *Watcher[*primehubv1alpha1.Dataset]

	done chan error
}

func newDatasetHarness(t *testing.T, realm *fakeRealm, opts ...WatcherOption) *datasetHarness {
	t.Helper()
	h := &datasetHarness{
		src:    newFakeSource[*primehubv1alpha1.Dataset](),
		realm:  realm,
		tokens: &staticTokens{},
		logs:   &logCapture{},
		done:   make(chan error, 1),
	}
	opts = append([]WatcherOption{WithLogger(h.logs.logger())}, opts...)
	h.w = NewWatcher(DatasetKind(KindConfig{EveryoneGroupID: "everyone"}), h.src, h.tokens, realm, opts...)
	return h
}

func (h *datasetHarness) start(ctx context.Context) {
	go func() { h.done <- h.w.Start(ctx) }()
}

func (h *datasetHarness) nextSub(t *testing.T) *fakeSubscription[*primehubv1alpha1.Dataset] {
	t.Helper()
	select {
	case sub := <-h.src.subs:
		return sub
	case <-time.After(5 * time.Second):
		t.Fatalf("watch stream was not opened")
		return nil
	}
}

// stop aborts the watcher and waits for Start, which waits for in-flight handlers.
func (h *datasetHarness) stop(t *testing.T) error {
	t.Helper()
	h.w.Abort()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not stop")
		return nil
	}
}

func event(eventType watch.EventType, obj *primehubv1alpha1.Dataset) source.Event[*primehubv1alpha1.Dataset] {
	return source.Event[*primehubv1alpha1.Dataset]{Type: eventType, Object: obj}
}

func TestWatcher_DuplicateAddedCreatesOnce(t *testing.T) {
	h := newDatasetHarness(t, newFakeRealm())
	h.start(context.Background())
	sub := h.nextSub(t)

	require.True(t, sub.send(event(watch.Added, dataset("ds-1", false))))
	require.Eventually(t, func() bool { return h.realm.has("ds:ds-1") }, 5*time.Second, 10*time.Millisecond)
	require.True(t, sub.send(event(watch.Added, dataset("ds-1", false))))

	require.NoError(t, h.stop(t))

	created, _ := h.realm.counts()
	assert.Equal(t, 2, created, "primary and writable role created exactly once")
	assert.ElementsMatch(t, []string{"ds:ds-1", "ds:rw:ds-1"}, h.realm.roleNames())
	assert.Equal(t, 2, h.tokens.count(), "token is fetched for every event")
}

func TestWatcher_DeleteIsIdempotent(t *testing.T) {
	h := newDatasetHarness(t, newFakeRealm("ds:ds-1", "ds:rw:ds-1"))
	h.start(context.Background())
	sub := h.nextSub(t)

	require.True(t, sub.send(event(watch.Deleted, dataset("ds-1", false))))
	require.Eventually(t, func() bool { return !h.realm.has("ds:ds-1") }, 5*time.Second, 10*time.Millisecond)
	require.True(t, sub.send(event(watch.Deleted, dataset("ds-1", false))))

	require.NoError(t, h.stop(t))

	_, deleted := h.realm.counts()
	assert.Equal(t, 2, deleted)
	assert.Empty(t, h.realm.roleNames())
	assert.Len(t, h.logs.messages("Role already deleted"), 2)
	assert.Empty(t, h.logs.messages("Failed to reconcile event"))
}

func TestWatcher_ModifiedIsIgnored(t *testing.T) {
	before := testutil.ToFloat64(eventsTotal.WithLabelValues("dataset", string(watch.Modified), resultIgnored))

	h := newDatasetHarness(t, newFakeRealm())
	h.start(context.Background())
	sub := h.nextSub(t)

	require.True(t, sub.send(event(watch.Modified, dataset("ds-1", true))))
	require.True(t, sub.send(source.Event[*primehubv1alpha1.Dataset]{Type: watch.Bookmark}))
	require.NoError(t, h.stop(t))

	assert.Empty(t, h.realm.roleNames())
	assert.Zero(t, h.tokens.count())
	after := testutil.ToFloat64(eventsTotal.WithLabelValues("dataset", string(watch.Modified), resultIgnored))
	assert.Equal(t, before+1, after)
}

func TestWatcher_HandlerFailureKeepsStreamOpen(t *testing.T) {
	realm := newFakeRealm()
	realm.fail["ds:bad"] = operatorerrors.WrapTransientConnection(errors.New("connection refused"))

	h := newDatasetHarness(t, realm)
	h.start(context.Background())
	sub := h.nextSub(t)

	require.True(t, sub.send(event(watch.Added, dataset("bad", false))))
	require.True(t, sub.send(event(watch.Added, dataset("ds-2", true))))
	require.NoError(t, h.stop(t))

	assert.ElementsMatch(t, []string{"ds:ds-2", "ds:rw:ds-2"}, realm.roleNames())
	assert.Equal(t, []string{"ds:ds-2"}, realm.mapped("everyone"))

	failures := h.logs.messages("Failed to reconcile event")
	require.Len(t, failures, 1)
	assert.Equal(t, "bad", failures[0].kvs["name"])
	assert.Equal(t, true, failures[0].kvs["transient"])
	assert.Equal(t, 1, h.src.watchCount(), "stream was not reopened")
}

func TestWatcher_TokenFailureIsPerEvent(t *testing.T) {
	h := newDatasetHarness(t, newFakeRealm())
	h.tokens.err = operatorerrors.ErrTokenExpired
	h.start(context.Background())
	sub := h.nextSub(t)

	require.True(t, sub.send(event(watch.Added, dataset("ds-1", false))))
	require.NoError(t, h.stop(t))

	assert.Empty(t, h.realm.roleNames())
	assert.Len(t, h.logs.messages("Failed to reconcile event"), 1)
}

func TestWatcher_RewatchAfterStreamError(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1_800_000_000, 0))
	h := newDatasetHarness(t, newFakeRealm(),
		WithClock(clk),
		WithBackoff(wait.Backoff{Duration: time.Second, Factor: 2, Steps: 10}),
	)
	h.start(context.Background())

	sub := h.nextSub(t)
	assert.Eventually(t, func() bool { return h.w.State() == StateWatching }, 5*time.Second, 10*time.Millisecond)
	require.True(t, sub.send(source.Event[*primehubv1alpha1.Dataset]{
		Type: watch.Error,
		Err:  apierrors.NewResourceExpired("too old resource version"),
	}))

	require.Eventually(t, clk.HasWaiters, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateIdle, h.w.State())
	assert.Equal(t, 1, h.src.watchCount())

	clk.Step(time.Second)
	sub = h.nextSub(t)
	require.True(t, sub.send(event(watch.Added, dataset("ds-1", false))))

	require.NoError(t, h.stop(t))
	assert.True(t, h.realm.has("ds:ds-1"))
	assert.Len(t, h.logs.messages("Watch stream failed, restarting"), 1)
}

func TestWatcher_RewatchAfterOpenFailure(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1_800_000_000, 0))
	h := newDatasetHarness(t, newFakeRealm(),
		WithClock(clk),
		WithBackoff(wait.Backoff{Duration: time.Second, Factor: 2, Steps: 10}),
	)
	h.src.watchErrs = []error{errors.New("dial tcp: connection refused"), errors.New("dial tcp: connection refused")}
	h.start(context.Background())

	require.Eventually(t, clk.HasWaiters, 5*time.Second, 10*time.Millisecond)
	clk.Step(time.Second)

	// The second failure doubles the delay.
	require.Eventually(t, func() bool { return h.src.watchCount() == 2 && clk.HasWaiters() }, 5*time.Second, 10*time.Millisecond)
	clk.Step(time.Second)
	assert.Never(t, func() bool { return h.src.watchCount() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	clk.Step(time.Second)

	h.nextSub(t)
	require.NoError(t, h.stop(t))
	assert.Equal(t, 3, h.src.watchCount())
}

func TestWatcher_AbortSuppressesRewatch(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1_800_000_000, 0))
	h := newDatasetHarness(t, newFakeRealm(), WithClock(clk))
	h.start(context.Background())

	sub := h.nextSub(t)
	close(sub.events)
	require.Eventually(t, clk.HasWaiters, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.stop(t))
	clk.Step(time.Hour)
	assert.Equal(t, 1, h.src.watchCount())

	// A later Start is a no-op.
	require.NoError(t, h.w.Start(context.Background()))
	assert.Equal(t, 1, h.src.watchCount())
}

func TestWatcher_WithoutRewatchReturnsStreamError(t *testing.T) {
	h := newDatasetHarness(t, newFakeRealm(), WithRewatch(false))
	h.start(context.Background())

	sub := h.nextSub(t)
	streamErr := apierrors.NewResourceExpired("too old resource version")
	require.True(t, sub.send(source.Event[*primehubv1alpha1.Dataset]{Type: watch.Error, Err: streamErr}))

	select {
	case err := <-h.done:
		require.Error(t, err)
		assert.True(t, apierrors.IsResourceExpired(err))
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not return")
	}
	assert.Equal(t, 1, h.src.watchCount())
}

func TestWatcher_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newDatasetHarness(t, newFakeRealm())
	h.start(ctx)
	sub := h.nextSub(t)

	cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not stop on cancellation")
	}
	select {
	case <-sub.stopped:
	default:
		t.Fatalf("subscription was not stopped")
	}
}

func TestWatcher_Resync(t *testing.T) {
	realm := newFakeRealm("ds:ds-1", "ds:rw:ds-1")
	realm.fail["ds:bad"] = errors.New("boom")
	h := newDatasetHarness(t, realm)
	h.src.items = []*primehubv1alpha1.Dataset{dataset("ds-1", false), dataset("ds-2", true), dataset("bad", false)}

	err := h.w.Resync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `dataset "bad"`)

	assert.ElementsMatch(t, []string{"ds:ds-1", "ds:rw:ds-1", "ds:ds-2", "ds:rw:ds-2"}, realm.roleNames())
	assert.Equal(t, []string{"ds:ds-2"}, realm.mapped("everyone"))

	resync := h.logs.messages("Resync finished")
	require.Len(t, resync, 1)
	assert.Equal(t, 3, resync[0].kvs["listed"])
	assert.Equal(t, 1, resync[0].kvs["created"])
}

func TestWatcher_ReplayedAddedCompletesPartialState(t *testing.T) {
	realm := newFakeRealm()
	realm.setFail("ds:rw:ds-1", errors.New("503 service unavailable"))
	h := newDatasetHarness(t, realm)
	h.start(context.Background())
	sub := h.nextSub(t)

	require.True(t, sub.send(event(watch.Added, dataset("ds-1", true))))
	require.Eventually(t, func() bool { return len(h.logs.messages("Failed to reconcile event")) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"ds:ds-1"}, realm.roleNames())
	assert.Empty(t, realm.mapped("everyone"))

	realm.setFail("ds:rw:ds-1", nil)
	require.True(t, sub.send(event(watch.Added, dataset("ds-1", true))))
	require.Eventually(t, func() bool { return realm.has("ds:rw:ds-1") }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.stop(t))

	assert.Equal(t, []string{"ds:ds-1"}, realm.mapped("everyone"))
	var audits int
	for _, l := range h.logs.messages("Audit event") {
		if l.kvs["event_type"] == logging.EventRoleCreated {
			audits++
		}
	}
	assert.Equal(t, 1, audits, "only the delivery that created a role is audited")
}

func TestWatcher_ResyncHealsFailedGroupMapping(t *testing.T) {
	realm := newFakeRealm()
	realm.setFail("everyone", errors.New("503 service unavailable"))
	h := newDatasetHarness(t, realm)
	h.src.items = []*primehubv1alpha1.Dataset{dataset("ds-1", true)}

	require.Error(t, h.w.Resync(context.Background()))
	assert.ElementsMatch(t, []string{"ds:ds-1", "ds:rw:ds-1"}, realm.roleNames())
	assert.Empty(t, realm.mapped("everyone"))

	realm.setFail("everyone", nil)
	require.NoError(t, h.w.Resync(context.Background()))
	assert.Equal(t, []string{"ds:ds-1"}, realm.mapped("everyone"))
}

func TestWatcher_ResyncUsesInjectedClock(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(1_800_000_000, 0))
	h := newDatasetHarness(t, newFakeRealm(), WithClock(clk))

	require.NoError(t, h.w.Resync(context.Background()))
	resync := h.logs.messages("Resync finished")
	require.Len(t, resync, 1)
	assert.Equal(t, "0s", resync[0].kvs["took"])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "Watching", StateWatching.String())
}
