package mount

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"github.com/sweets9/checkmounts/pkg/utils"
)

// linearBackOff yields base, 2*base, 3*base, ... between attempts.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.base
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// Remount mounts path back using its fstab entry, retrying up to MaxRetries
// with linearly growing pauses. host keys the circuit breaker; pass the
// result of fstab.RemoteHost, or empty to bypass the breaker. Success
// requires both a clean mount command and the path reappearing in the
// mount table. Exhausting all attempts wraps ErrRemountFailed.
func (o *Ops) Remount(ctx context.Context, path, host string) error {
	bo := &linearBackOff{base: o.config.RetryDelay}
	var lastErr error

	for attempt := 1; attempt <= o.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("remount of %s cancelled: %w", path, err)
		}

		klog.V(4).Infof("Remount attempt %d/%d for %s", attempt, o.config.MaxRetries, path)
		err := o.mountOnce(ctx, path, host)
		if err == nil {
			err = o.verifyMounted(ctx, path)
		}
		o.recordRemount(err)

		if err == nil {
			klog.V(2).Infof("Remounted %s after %d attempt(s)", path, attempt)
			return nil
		}
		lastErr = err

		if errors.Is(err, utils.ErrBreakerOpen) {
			klog.Warningf("Skipping remaining remount attempts for %s: %v", path, err)
			return fmt.Errorf("remount of %s: %w", path, err)
		}
		klog.Warningf("Remount of %s failed (attempt %d/%d): %v", path, attempt, o.config.MaxRetries, err)

		if attempt < o.config.MaxRetries {
			wait := bo.NextBackOff()
			klog.V(4).Infof("Sleeping %v before retry", wait)
			select {
			case <-ctx.Done():
				return fmt.Errorf("remount of %s cancelled during backoff: %w", path, ctx.Err())
			case <-time.After(wait):
			}
		}
	}

	klog.Errorf("Remount of %s failed after %d attempts: %v", path, o.config.MaxRetries, lastErr)
	return fmt.Errorf("remount of %s: %w after %d attempts: %v",
		path, utils.ErrRemountFailed, o.config.MaxRetries, lastErr)
}

// mountOnce runs one mount command, guarded by the host circuit breaker
// when one is configured. `mount <path>` picks up the device and options
// from fstab, the same entry the share was discovered from.
func (o *Ops) mountOnce(ctx context.Context, path, host string) error {
	mountFn := func() error {
		res := o.run(ctx, o.config.MountTimeout, "mount", path)
		switch res.State {
		case CmdTimedOut:
			return res.Err
		case CmdFailed:
			return fmt.Errorf("mount exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return nil
	}

	if o.breaker == nil {
		return mountFn()
	}
	return o.breaker.Execute(ctx, host, mountFn)
}

// verifyMounted settles and then requires path in the mount table. A mount
// command that exits zero without producing a mount entry is still a
// failure, wrapped as ErrNotMounted.
func (o *Ops) verifyMounted(ctx context.Context, path string) error {
	if err := o.settle(ctx, 1); err != nil {
		return err
	}

	mounted, err := o.IsMounted(ctx, path)
	if err != nil {
		return fmt.Errorf("verifying remount of %s: %w", path, err)
	}
	if !mounted {
		return fmt.Errorf("mount command succeeded but %s absent from mount table: %w", path, utils.ErrNotMounted)
	}
	return nil
}

func (o *Ops) recordRemount(err error) {
	if o.metrics != nil {
		o.metrics.RecordRemountAttempt(err)
	}
}
