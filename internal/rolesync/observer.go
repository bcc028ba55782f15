package rolesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
)

// Reconciler is one per-kind watcher as seen by the Observer.
type Reconciler interface {
	Kind() string
	Start(ctx context.Context) error
	Abort()
	Resync(ctx context.Context) error
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithResyncSchedule replays every kind through its ADDED handler on a cron schedule.
// An empty expression disables resync.
func WithResyncSchedule(expr string) ObserverOption {
	return func(o *Observer) {
		o.schedule = expr
	}
}

// WithObserverLogger sets the logger.
func WithObserverLogger(log logr.Logger) ObserverOption {
	return func(o *Observer) {
		o.log = log
	}
}

// Observer starts and stops one Reconciler per tracked kind as a unit. Kinds are
// independent: one failing watcher does not stop the others.
type Observer struct {
	reconcilers []Reconciler
	schedule    string
	log         logr.Logger

	resyncMu sync.Mutex
}

// NewObserver returns an observer over reconcilers.
func NewObserver(reconcilers []Reconciler, opts ...ObserverOption) *Observer {
	o := &Observer{
		reconcilers: reconcilers,
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.WithName("observer")
	return o
}

// Observe runs every reconciler until ctx is cancelled or Abort is called, and returns
// their joined errors.
func (o *Observer) Observe(ctx context.Context) error {
	var scheduler *cron.Cron
	if o.schedule != "" {
		schedule, err := ParseSchedule(o.schedule)
		if err != nil {
			return err
		}
		scheduler = cron.New(cron.WithParser(Parser))
		scheduler.Schedule(schedule, cron.FuncJob(func() { o.resyncAll(ctx) }))
		scheduler.Start()
		o.log.Info("Scheduled resync enabled", "schedule", o.schedule)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(o.reconcilers))
	for i, r := range o.reconcilers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.log.Info("Starting watcher", "kind", r.Kind())
			if err := r.Start(ctx); err != nil {
				errs[i] = fmt.Errorf("%s watcher: %w", r.Kind(), err)
			}
			o.log.Info("Watcher stopped", "kind", r.Kind())
		}()
	}
	wg.Wait()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	return errors.Join(errs...)
}

// Start implements manager.Runnable.
func (o *Observer) Start(ctx context.Context) error {
	return o.Observe(ctx)
}

// NeedLeaderElection implements manager.LeaderElectionRunnable.
func (o *Observer) NeedLeaderElection() bool {
	return true
}

// Abort stops every reconciler and suppresses their rewatches.
func (o *Observer) Abort() {
	for _, r := range o.reconcilers {
		r.Abort()
	}
}

// Resync replays every kind once.
func (o *Observer) Resync(ctx context.Context) error {
	return o.resyncAll(ctx)
}

func (o *Observer) resyncAll(ctx context.Context) error {
	// Overlapping cron ticks would only duplicate work.
	if !o.resyncMu.TryLock() {
		o.log.Info("Resync already running, skipping")
		return nil
	}
	defer o.resyncMu.Unlock()

	var errs []error
	for _, r := range o.reconcilers {
		if err := r.Resync(ctx); err != nil {
			o.log.Error(err, "Resync failed", "kind", r.Kind())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
