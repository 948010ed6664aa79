package mount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// StaleReason describes why a share is considered unhealthy
type StaleReason string

const (
	StaleReasonNone              StaleReason = ""
	StaleReasonMountpointMissing StaleReason = "mountpoint_missing"
	StaleReasonIOError           StaleReason = "io_error"
	StaleReasonSentinelMissing   StaleReason = "sentinel_missing"
)

// StaleResult is the outcome of one share health check. Detail is the
// human-readable explanation that ends up in notifications; callers that
// need to branch compare Reason, never Detail.
type StaleResult struct {
	Stale  bool
	Reason StaleReason
	Detail string
}

// CheckStale probes the health of a mounted share. The check is three
// layered probes: the mountpoint directory must exist, a directory read
// must complete without an IO error, and the sentinel file must be present.
// The directory read runs under ProbeTimeout because a dead hard-mounted
// share blocks forever.
//
// Unrecognized probe errors do not mark the share stale by themselves:
// unmounting is destructive, so only positively identified failures trigger
// repair. They fall through to the sentinel check, which can still find the
// share unhealthy.
func (o *Ops) CheckStale(ctx context.Context, mountpoint string) StaleResult {
	klog.V(4).Infof("Checking share health for %s", mountpoint)

	if _, err := o.statFn(mountpoint); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return StaleResult{Stale: true, Reason: StaleReasonMountpointMissing, Detail: "mountpoint does not exist"}
		}
		if reason, detail, ok := classifyProbeError(err); ok {
			return StaleResult{Stale: true, Reason: reason, Detail: detail}
		}
		klog.Warningf("Unrecognized error from stat of %s, falling through to sentinel check: %v", mountpoint, err)
	} else if err := o.probeWithTimeout(ctx, mountpoint); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return StaleResult{
				Stale:  true,
				Reason: StaleReasonIOError,
				Detail: fmt.Sprintf("directory read timed out after %v", o.config.ProbeTimeout),
			}
		}
		if reason, detail, ok := classifyProbeError(err); ok {
			klog.V(2).Infof("Share %s failed directory probe: %s", mountpoint, detail)
			return StaleResult{Stale: true, Reason: reason, Detail: detail}
		}
		klog.Warningf("Unrecognized error probing %s, falling through to sentinel check: %v", mountpoint, err)
	}

	sentinel := filepath.Join(mountpoint, o.config.SentinelName)
	if _, err := o.statFn(sentinel); err != nil {
		klog.V(4).Infof("Sentinel check failed for %s: %v", sentinel, err)
		return StaleResult{
			Stale:  true,
			Reason: StaleReasonSentinelMissing,
			Detail: fmt.Sprintf("%s file missing", o.config.SentinelName),
		}
	}

	klog.V(4).Infof("Share %s is healthy", mountpoint)
	return StaleResult{Stale: false, Reason: StaleReasonNone, Detail: "healthy"}
}

// probeWithTimeout runs the directory read probe in a goroutine so a hung
// share surfaces as context.DeadlineExceeded instead of blocking the run.
func (o *Ops) probeWithTimeout(ctx context.Context, mountpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, o.config.ProbeTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- o.probeFn(mountpoint)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readDirProbe reads a single directory entry to force real IO against the
// share. io.EOF means the directory is empty, which is still a healthy read.
func readDirProbe(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Readdirnames(1); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// classifyProbeError maps errno values from a failed probe to a stale
// reason. Returns ok=false for errors that do not positively identify a
// dead share.
func classifyProbeError(err error) (StaleReason, string, bool) {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return StaleReasonNone, "", false
	}

	switch errno {
	case unix.ESTALE, unix.EIO, unix.ENOTCONN, unix.ENOENT:
		return StaleReasonIOError, errno.Error(), true
	default:
		return StaleReasonNone, "", false
	}
}
