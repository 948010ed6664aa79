// Package schedule handles the two ways checkmounts recurs: installing a
// crontab line for one-shot invocations, and running as an in-process
// daemon on a cron schedule.
package schedule

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"
)

// marker identifies crontab lines managed by this tool, both the comment
// and the command line itself.
const marker = "checkmounts"

// markerComment precedes the managed line so a human reading crontab -l
// knows where it came from.
const markerComment = "# Network share monitoring (checkmounts)"

// crontabTimeout bounds the crontab read and write commands.
const crontabTimeout = 10 * time.Second

// Crontab installs and removes the periodic invocation in root's crontab.
type Crontab struct {
	// Injected for testing
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	executable  func() (string, error)
	geteuid     func() int
}

// NewCrontab creates a crontab manager bound to the real system.
func NewCrontab() *Crontab {
	return &Crontab{
		execCommand: exec.CommandContext,
		executable:  os.Executable,
		geteuid:     os.Geteuid,
	}
}

// Install adds the managed crontab line with the given schedule. Requires
// root: the crontab being edited is root's, and mount operations need the
// privilege anyway. Installing twice is a no-op.
func (c *Crontab) Install(ctx context.Context, schedule string) error {
	if c.geteuid() != 0 {
		return fmt.Errorf("installing to root's crontab requires root")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("schedule %q is invalid: %w", schedule, err)
	}

	self, err := c.executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	current, err := c.read(ctx)
	if err != nil {
		return err
	}
	if strings.Contains(current, marker) {
		klog.Info("Already installed in crontab:")
		for _, line := range strings.Split(current, "\n") {
			if strings.Contains(line, marker) {
				klog.Infof("  %s", line)
			}
		}
		return nil
	}

	line := fmt.Sprintf("%s %s >/dev/null 2>&1", schedule, self)
	updated := current
	if updated != "" && !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}
	updated += markerComment + "\n" + line + "\n"

	if err := c.write(ctx, updated); err != nil {
		return err
	}
	klog.Infof("Installed to root's crontab: %s", line)
	return nil
}

// Remove deletes every managed line from root's crontab.
func (c *Crontab) Remove(ctx context.Context) error {
	if c.geteuid() != 0 {
		return fmt.Errorf("editing root's crontab requires root")
	}

	current, err := c.read(ctx)
	if err != nil {
		return err
	}

	var kept []string
	removed := 0
	for _, line := range strings.Split(strings.TrimRight(current, "\n"), "\n") {
		if strings.Contains(line, marker) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		klog.Info("No checkmounts entry found in crontab")
		return nil
	}

	updated := strings.Join(kept, "\n")
	if updated != "" {
		updated += "\n"
	}
	if err := c.write(ctx, updated); err != nil {
		return err
	}
	klog.Infof("Removed %d line(s) from root's crontab", removed)
	return nil
}

// read returns the current crontab. A missing crontab ("no crontab for
// root") reads as empty, not as an error.
func (c *Crontab) read(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, crontabTimeout)
	defer cancel()

	cmd := c.execCommand(ctx, "crontab", "-l")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		klog.V(4).Infof("crontab -l failed, assuming empty table: %v (%s)",
			err, strings.TrimSpace(stderr.String()))
		return "", nil
	}
	return stdout.String(), nil
}

// write replaces the crontab by piping the new table to crontab's stdin.
func (c *Crontab) write(ctx context.Context, table string) error {
	ctx, cancel := context.WithTimeout(ctx, crontabTimeout)
	defer cancel()

	cmd := c.execCommand(ctx, "crontab", "-")
	cmd.Stdin = strings.NewReader(table)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("writing crontab: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
