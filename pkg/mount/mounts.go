package mount

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"
	"k8s.io/klog/v2"

	"github.com/sweets9/checkmounts/pkg/circuitbreaker"
	"github.com/sweets9/checkmounts/pkg/observability"
	"github.com/sweets9/checkmounts/pkg/utils"
)

// Config holds timing and repair parameters for mount operations.
type Config struct {
	SentinelName   string        // Default: ".checkMount"
	SettleDelay    time.Duration // Default: 2s
	ProbeTimeout   time.Duration // Default: 10s
	UnmountTimeout time.Duration // Default: 30s
	MountTimeout   time.Duration // Default: 60s
	ListTimeout    time.Duration // Default: 10s
	MaxRetries     int           // Default: 3
	RetryDelay     time.Duration // Default: 2s
	MaxListing     int           // Default: 20
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SentinelName:   ".checkMount",
		SettleDelay:    2 * time.Second,
		ProbeTimeout:   10 * time.Second,
		UnmountTimeout: 30 * time.Second,
		MountTimeout:   60 * time.Second,
		ListTimeout:    10 * time.Second,
		MaxRetries:     3,
		RetryDelay:     2 * time.Second,
		MaxListing:     20,
	}
}

// Ops executes share health checks and repair commands against the running
// system. All external commands run under deadlines from Config.
type Ops struct {
	config  Config
	breaker *circuitbreaker.HostCircuitBreaker
	metrics *observability.Metrics

	// Injected for testing
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	listMounts  func() ([]*mountinfo.Info, error)
	statFn      func(string) (os.FileInfo, error)
	probeFn     func(string) error
}

// NewOps creates mount operations with the given config. breaker may be nil,
// in which case mount commands run unguarded.
func NewOps(config Config, breaker *circuitbreaker.HostCircuitBreaker) *Ops {
	return &Ops{
		config:      config,
		breaker:     breaker,
		execCommand: exec.CommandContext,
		listMounts:  func() ([]*mountinfo.Info, error) { return mountinfo.GetMounts(nil) },
		statFn:      os.Stat,
		probeFn:     readDirProbe,
	}
}

// SetMetrics sets the Prometheus metrics instance for recording mount operations
func (o *Ops) SetMetrics(metrics *observability.Metrics) {
	o.metrics = metrics
}

// mountLinePattern extracts the target path from one line of `mount` output,
// e.g. "filer01:/export/media on /mnt/media type nfs4 (rw,relatime)".
var mountLinePattern = regexp.MustCompile(` on (\S+) type `)

// MountedSet returns the set of currently mounted target paths. The primary
// source is /proc/self/mountinfo; when that fails or hangs, `mount` command
// output is parsed as a fallback. When both fail an empty set is returned
// along with ErrMountTableUnavailable so the caller can record the problem
// and still treat shares as unmounted, the way a missing mount entry would.
func (o *Ops) MountedSet(ctx context.Context) (map[string]bool, error) {
	mounts, err := o.mountinfoWithTimeout(ctx)
	if err == nil {
		set := make(map[string]bool, len(mounts))
		for _, m := range mounts {
			set[m.Mountpoint] = true
		}
		klog.V(5).Infof("Mount table has %d entries (mountinfo)", len(set))
		return set, nil
	}
	klog.Warningf("Reading mountinfo failed, falling back to mount command: %v", err)

	res := o.run(ctx, o.config.ListTimeout, "mount")
	if res.State != CmdOK {
		return map[string]bool{}, fmt.Errorf("%w: mountinfo: %v; mount command: %v",
			utils.ErrMountTableUnavailable, err, res.Err)
	}

	set := make(map[string]bool)
	for _, line := range strings.Split(res.Stdout, "\n") {
		if m := mountLinePattern.FindStringSubmatch(line); m != nil {
			set[m[1]] = true
		}
	}
	klog.V(5).Infof("Mount table has %d entries (mount command)", len(set))
	return set, nil
}

// mountinfoWithTimeout parses mount information with a timeout to prevent
// hangs when the mount table is wedged by a dead share.
func (o *Ops) mountinfoWithTimeout(ctx context.Context) ([]*mountinfo.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.ListTimeout)
	defer cancel()

	type result struct {
		mounts []*mountinfo.Info
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		mounts, err := o.listMounts()
		resultCh <- result{mounts: mounts, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.mounts, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("mountinfo parsing timed out after %v: %w", o.config.ListTimeout, ctx.Err())
	}
}

// IsMounted reports whether path appears in the current mount table.
func (o *Ops) IsMounted(ctx context.Context, path string) (bool, error) {
	set, err := o.MountedSet(ctx)
	if err != nil {
		return false, err
	}
	return set[path], nil
}

// settle pauses for n settle delays so the kernel mount table catches up
// after a mount or unmount command.
func (o *Ops) settle(ctx context.Context, n int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(n) * o.config.SettleDelay):
		return nil
	}
}
