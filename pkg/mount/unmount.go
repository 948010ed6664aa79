package mount

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/sweets9/checkmounts/pkg/utils"
)

// UnmountStage identifies one step of the unmount escalation ladder.
type UnmountStage string

const (
	// StageSoft is a plain umount
	StageSoft UnmountStage = "soft"

	// StageForce is umount -f, which aborts in-flight NFS requests
	StageForce UnmountStage = "force"

	// StageLazy is umount -l, which detaches the mount immediately and
	// cleans up references later
	StageLazy UnmountStage = "lazy"
)

// unmountStages in escalation order. settle is the number of settle delays
// to wait after the command before verifying; lazy detach needs longer for
// the mount table to reflect reality.
var unmountStages = []struct {
	stage  UnmountStage
	args   []string
	settle int
}{
	{stage: StageSoft, args: nil, settle: 1},
	{stage: StageForce, args: []string{"-f"}, settle: 1},
	{stage: StageLazy, args: []string{"-l"}, settle: 2},
}

// Unmount detaches path from the filesystem, escalating soft -> force ->
// lazy until the mount table no longer lists it. Returns the stage that
// succeeded. Unmounting an already-absent path is a no-op. When every
// stage is exhausted the error wraps ErrUnmountFailed.
func (o *Ops) Unmount(ctx context.Context, path string) (UnmountStage, error) {
	mounted, err := o.IsMounted(ctx, path)
	if err != nil {
		// An unreadable mount table reads as an empty one: the path is
		// not known to be mounted, so there is nothing to escalate
		// against
		klog.Warningf("Cannot verify mount state of %s, skipping unmount: %v", path, err)
		return "", nil
	}
	if !mounted {
		klog.V(2).Infof("Path %s is not mounted, nothing to unmount", path)
		return "", nil
	}

	for _, s := range unmountStages {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("unmount of %s cancelled: %w", path, err)
		}

		klog.V(4).Infof("Unmounting %s (stage: %s)", path, s.stage)
		args := append(append([]string{}, s.args...), path)
		res := o.run(ctx, o.config.UnmountTimeout, "umount", args...)

		// A soft unmount that exits non-zero has definitively failed, so
		// skip straight to escalation. Force and lazy may report errors
		// yet still detach the mount, so those verify regardless.
		if s.stage == StageSoft && res.State != CmdOK {
			o.recordUnmount(s.stage, res.Err)
			klog.Warningf("Soft unmount of %s failed (rc=%d): %s", path, res.ExitCode, cmdDetail(res))
			continue
		}

		if err := o.settle(ctx, s.settle); err != nil {
			return "", fmt.Errorf("unmount of %s cancelled: %w", path, err)
		}

		mounted, err := o.IsMounted(ctx, path)
		if err != nil {
			klog.Warningf("Cannot verify unmount of %s (stage: %s): %v", path, s.stage, err)
		}
		if err == nil && !mounted {
			o.recordUnmount(s.stage, nil)
			klog.V(2).Infof("Unmounted %s (stage: %s)", path, s.stage)
			return s.stage, nil
		}

		stageErr := fmt.Errorf("%s still mounted after %s unmount", path, s.stage)
		o.recordUnmount(s.stage, stageErr)
		if s.stage == StageLazy {
			klog.Errorf("Lazy unmount of %s did not detach the mount: %s", path, cmdDetail(res))
		} else {
			klog.Warningf("Stage %s did not unmount %s: %s", s.stage, path, cmdDetail(res))
		}
	}

	return "", fmt.Errorf("all unmount stages exhausted for %s: %w", path, utils.ErrUnmountFailed)
}

func (o *Ops) recordUnmount(stage UnmountStage, err error) {
	if o.metrics != nil {
		o.metrics.RecordUnmountAttempt(string(stage), err)
	}
}

// cmdDetail summarizes a command result for log lines.
func cmdDetail(res CmdResult) string {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	if res.Err != nil {
		return res.Err.Error()
	}
	return "no output"
}
