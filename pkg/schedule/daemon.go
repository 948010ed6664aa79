package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// watchLimit throttles fstab-change-triggered runs. Editors fire several
// events per save; one early run per half minute is plenty.
var watchLimit = rate.Every(30 * time.Second)

// DaemonConfig configures the in-process scheduler.
type DaemonConfig struct {
	// Schedule is a standard 5-field cron expression
	Schedule string

	// WatchPath, when non-empty, names a file whose changes trigger an
	// early run (throttled)
	WatchPath string
}

// Daemon runs the check function on a cron schedule until the context is
// cancelled. At most one run is in flight at a time; a run still going when
// the next tick arrives makes the tick a no-op.
type Daemon struct {
	config  DaemonConfig
	runFn   func(ctx context.Context)
	running atomic.Bool
	skipped atomic.Int64
	limiter *rate.Limiter
}

// NewDaemon creates a daemon around the given run function.
func NewDaemon(config DaemonConfig, runFn func(ctx context.Context)) (*Daemon, error) {
	if _, err := cron.ParseStandard(config.Schedule); err != nil {
		return nil, fmt.Errorf("schedule %q is invalid: %w", config.Schedule, err)
	}
	if runFn == nil {
		return nil, fmt.Errorf("run function is required")
	}
	return &Daemon{
		config:  config,
		runFn:   runFn,
		limiter: rate.NewLimiter(watchLimit, 1),
	}, nil
}

// Run blocks until ctx is cancelled, firing the check on schedule. The
// first run happens immediately on startup so a freshly deployed daemon
// reports without waiting out the first interval.
func (d *Daemon) Run(ctx context.Context) error {
	klog.Infof("Daemon starting (schedule: %q)", d.config.Schedule)

	c := cron.New()
	if _, err := c.AddFunc(d.config.Schedule, func() { d.tryRun(ctx, "schedule") }); err != nil {
		return fmt.Errorf("registering cron job: %w", err)
	}

	var watcher *fsnotify.Watcher
	if d.config.WatchPath != "" {
		w, err := d.watch(ctx)
		if err != nil {
			klog.Warningf("Cannot watch %s, change-triggered runs disabled: %v", d.config.WatchPath, err)
		} else {
			watcher = w
			defer watcher.Close()
		}
	}

	d.tryRun(ctx, "startup")

	c.Start()
	<-ctx.Done()
	klog.Info("Daemon stopping")

	// Let an in-flight job finish before returning
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// tryRun executes one check unless one is already in flight.
func (d *Daemon) tryRun(ctx context.Context, trigger string) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		klog.Warningf("Previous run still in progress, skipping %s-triggered run", trigger)
		return
	}
	defer d.running.Store(false)

	klog.V(2).Infof("Run starting (trigger: %s)", trigger)
	d.runFn(ctx)
}

// SkippedRuns reports how many triggers found a run already in flight.
func (d *Daemon) SkippedRuns() int64 {
	return d.skipped.Load()
}

// watch starts an fstab watcher whose events trigger early runs through
// the rate limiter. Rewrites that replace the file (the common editor
// pattern) drop the watch; re-adding the path picks the new inode back up.
func (d *Daemon) watch(ctx context.Context) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(d.config.WatchPath); err != nil {
		watcher.Close()
		return nil, err
	}
	klog.Infof("Watching %s for changes", d.config.WatchPath)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				klog.V(4).Infof("Mount table event: %s", event)
				if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
					_ = watcher.Add(d.config.WatchPath)
				}
				if !d.limiter.Allow() {
					klog.V(4).Info("Change-triggered run throttled")
					continue
				}
				go d.tryRun(ctx, "fstab change")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				klog.Warningf("Mount table watcher error: %v", err)
			}
		}
	}()

	return watcher, nil
}
