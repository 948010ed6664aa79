// Package repair drives the per-share check-and-repair state machine. For
// each network share discovered in fstab it decides whether a repair is
// needed, runs the unmount/scan/remount sequence, and classifies the final
// outcome for notifications, metrics, and the process exit code.
package repair

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/sweets9/checkmounts/pkg/fstab"
	"github.com/sweets9/checkmounts/pkg/mount"
	"github.com/sweets9/checkmounts/pkg/notify"
	"github.com/sweets9/checkmounts/pkg/observability"
	"github.com/sweets9/checkmounts/pkg/utils"
)

// Outcome is the terminal classification of one share for one run.
type Outcome string

const (
	// OutcomeNoAction means the share was mounted and healthy
	OutcomeNoAction Outcome = "no_action"

	// OutcomeRemounted means the repair cycle brought the share back
	OutcomeRemounted Outcome = "remounted"

	// OutcomeRemountedSentinelMissing means the remount worked but the
	// sentinel file has not reappeared. The mount answered, so this is
	// success with an advisory, not a failure.
	OutcomeRemountedSentinelMissing Outcome = "remounted_sentinel_missing"

	// OutcomeRemountFailed means every remount attempt failed, or the
	// share came back stale
	OutcomeRemountFailed Outcome = "remount_failed"

	// OutcomeUnmountFailed means the stale share could not be detached;
	// no remount was attempted
	OutcomeUnmountFailed Outcome = "unmount_failed"
)

// Failed reports whether the outcome counts toward the run error total.
func (o Outcome) Failed() bool {
	return o == OutcomeRemountFailed || o == OutcomeUnmountFailed
}

// MountOps is the slice of mount operations the orchestrator drives.
// *mount.Ops satisfies it; tests substitute fakes.
type MountOps interface {
	IsMounted(ctx context.Context, path string) (bool, error)
	CheckStale(ctx context.Context, mountpoint string) mount.StaleResult
	Unmount(ctx context.Context, path string) (mount.UnmountStage, error)
	Remount(ctx context.Context, path, host string) error
	ScanResiduals(mountpoint string) (mount.ResidualInventory, error)
}

// Notifier queues operator notifications. *notify.Collector satisfies it.
type Notifier interface {
	Add(subject, body string, cat notify.Category)
}

// Orchestrator runs the repair state machine over a share list, strictly
// sequentially. Shares do not affect each other: a panic or failure in one
// is recorded and the next share still runs.
type Orchestrator struct {
	ops      MountOps
	notifier Notifier
	metrics  *observability.Metrics
	settle   time.Duration

	// Injected for testing
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator. metrics may be nil.
func New(ops MountOps, notifier Notifier, metrics *observability.Metrics, settle time.Duration) *Orchestrator {
	return &Orchestrator{
		ops:      ops,
		notifier: notifier,
		metrics:  metrics,
		settle:   settle,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run processes every share in order and returns the aggregated report.
// Context cancellation stops the run between shares; shares already
// processed keep their outcomes so the digest still reflects the work done.
func (r *Orchestrator) Run(ctx context.Context, shares []fstab.ShareEntry) *Report {
	report := NewReport(len(shares))

	for _, share := range shares {
		if err := ctx.Err(); err != nil {
			klog.Warningf("Run cancelled, skipping remaining %d share(s)", len(shares)-len(report.Outcomes))
			report.AddError(fmt.Sprintf("run cancelled: %v", err))
			break
		}
		outcome := r.processShare(ctx, share)
		report.Record(share.Mountpoint, outcome)
		if r.metrics != nil {
			r.metrics.RecordRepairOutcome(string(outcome))
		}
		if outcome.Failed() {
			report.AddError(fmt.Sprintf("%s: %s", share.Mountpoint, outcome))
		}
	}

	report.Finish()
	return report
}

// processShare runs one share through the state machine, catching panics at
// the share boundary so one bad share cannot take the run down.
func (r *Orchestrator) processShare(ctx context.Context, share fstab.ShareEntry) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			klog.Errorf("Panic while processing %s: %v\n%s", share.Mountpoint, rec, debug.Stack())
			r.notifier.Add(
				fmt.Sprintf("Script error: %s", share.Mountpoint),
				fmt.Sprintf("Unexpected error while processing share %s at %s: %v",
					share.Device, share.Mountpoint, rec),
				notify.CategoryScriptErrors,
			)
			outcome = OutcomeRemountFailed
		}
	}()

	klog.V(2).Infof("Processing %s -> %s (%s)", share.Device, share.Mountpoint, share.FSType)
	if r.metrics != nil {
		r.metrics.RecordShareChecked()
	}

	mounted, err := r.ops.IsMounted(ctx, share.Mountpoint)
	if err != nil {
		klog.Warningf("Cannot read mount state for %s, treating as unmounted: %v", share.Mountpoint, err)
	}

	if !mounted {
		klog.V(2).Infof("%s is not mounted", share.Mountpoint)
		r.notifier.Add(
			fmt.Sprintf("Share DOWN: %s", share.Mountpoint),
			fmt.Sprintf("The %s share %s at %s is not mounted.",
				strings.ToUpper(share.FSType), share.Device, share.Mountpoint),
			notify.CategoryShareDown,
		)
		if r.metrics != nil {
			r.metrics.RecordStaleDetected(string(mount.StaleReasonMountpointMissing))
		}
		return r.remountShare(ctx, share)
	}

	stale := r.ops.CheckStale(ctx, share.Mountpoint)
	if !stale.Stale {
		klog.V(2).Infof("No remount needed for %s", share.Mountpoint)
		return OutcomeNoAction
	}

	klog.V(2).Infof("Stale mount detected at %s: %s", share.Mountpoint, stale.Detail)
	if r.metrics != nil {
		r.metrics.RecordStaleDetected(string(stale.Reason))
	}
	r.notifier.Add(
		fmt.Sprintf("Stale handle: %s", share.Mountpoint),
		fmt.Sprintf("Stale handle detected at %s.\nReason: %s\nDevice: %s",
			share.Mountpoint, stale.Detail, share.Device),
		notify.CategoryStaleHandle,
	)

	if _, err := r.ops.Unmount(ctx, share.Mountpoint); err != nil {
		klog.Errorf("Failed to unmount stale share %s: %v", share.Mountpoint, err)
		r.notifier.Add(
			fmt.Sprintf("Unmount FAILED: %s", share.Mountpoint),
			fmt.Sprintf("Failed to unmount stale share %s (%s)", share.Mountpoint, share.Device),
			notify.CategoryScriptErrors,
		)
		return OutcomeUnmountFailed
	}

	return r.remountShare(ctx, share)
}

// remountShare runs the scan-then-remount half of the state machine and
// classifies what the share looks like afterwards.
func (r *Orchestrator) remountShare(ctx context.Context, share fstab.ShareEntry) Outcome {
	r.reportResiduals(share)

	host := fstab.RemoteHost(share.Device)
	err := r.ops.Remount(ctx, share.Mountpoint, host)

	success := err == nil
	var outcome Outcome
	switch {
	case err != nil:
		outcome = OutcomeRemountFailed
	default:
		outcome = r.verifyAfterRemount(ctx, share)
		success = outcome != OutcomeRemountFailed
	}

	status, verdict := "OK", "successful"
	if !success {
		status, verdict = "FAILED", "FAILED"
	}
	r.notifier.Add(
		fmt.Sprintf("Remount %s: %s", status, share.Mountpoint),
		fmt.Sprintf("Share %s at %s remount %s.", share.Device, share.Mountpoint, verdict),
		notify.CategoryRemountResult,
	)
	return outcome
}

// verifyAfterRemount settles and re-checks the share. A missing sentinel is
// the one stale condition tolerated here: the mount itself answered, the
// remote side just has not written its heartbeat file yet.
func (r *Orchestrator) verifyAfterRemount(ctx context.Context, share fstab.ShareEntry) Outcome {
	if err := r.sleep(ctx, r.settle); err != nil {
		klog.Warningf("Settle after remount of %s interrupted: %v", share.Mountpoint, err)
	}

	stale := r.ops.CheckStale(ctx, share.Mountpoint)
	switch {
	case !stale.Stale:
		return OutcomeRemounted
	case stale.Reason == mount.StaleReasonSentinelMissing:
		klog.Warningf("Remount of %s succeeded but sentinel file is missing", share.Mountpoint)
		r.notifier.Add(
			fmt.Sprintf("Sentinel missing after remount: %s", share.Mountpoint),
			fmt.Sprintf("Share %s at %s was successfully remounted, but the required "+
				"sentinel file is still missing.\n\nConsider verifying the share contents.",
				share.Device, share.Mountpoint),
			notify.CategoryScriptErrors,
		)
		return OutcomeRemountedSentinelMissing
	default:
		klog.Errorf("Remount of %s failed due to persistent stale state: %s", share.Mountpoint, stale.Detail)
		return OutcomeRemountFailed
	}
}

// reportResiduals inventories what is left under the mountpoint before the
// remount shadows it. Scan failures are logged, never fatal; the remount
// matters more than the inventory.
func (r *Orchestrator) reportResiduals(share fstab.ShareEntry) {
	inv, err := r.ops.ScanResiduals(share.Mountpoint)
	if err != nil {
		klog.Warningf("Error checking residual files in %s: %v", share.Mountpoint, err)
		return
	}
	if inv.Empty() {
		return
	}
	if r.metrics != nil {
		r.metrics.RecordResiduals(inv.Count, inv.TotalBytes)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "After unmounting %s we found %d file(s)/folder(s):\n\n", share.Mountpoint, inv.Count)
	for _, p := range inv.Entries {
		fmt.Fprintf(&b, "  %s\n", p)
	}
	if extra := inv.Count - len(inv.Entries); extra > 0 {
		fmt.Fprintf(&b, "... and %d more items\n", extra)
	}
	fmt.Fprintf(&b, "\nTotal size: %s", utils.FormatBytes(inv.TotalBytes))

	r.notifier.Add(
		fmt.Sprintf("Residual files: %s", share.Mountpoint),
		b.String(),
		notify.CategoryResidualFiles,
	)
}
