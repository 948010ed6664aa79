package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sweets9/checkmounts/pkg/fstab"
	"github.com/sweets9/checkmounts/pkg/mount"
	"github.com/sweets9/checkmounts/pkg/notify"
)

// fakeOps scripts the mount layer per mountpoint and records every call.
type fakeOps struct {
	mounted    map[string]bool
	stale      map[string]mount.StaleResult
	staleAfter map[string]mount.StaleResult
	unmountErr map[string]error
	remountErr map[string]error
	residuals  map[string]mount.ResidualInventory
	scanErr    map[string]error
	panicOn    string

	calls []string

	// remounted tracks whether Remount already ran for a mountpoint so
	// CheckStale can switch to the post-remount script
	remounted map[string]bool
}

func newFakeOps() *fakeOps {
	return &fakeOps{
		mounted:    map[string]bool{},
		stale:      map[string]mount.StaleResult{},
		staleAfter: map[string]mount.StaleResult{},
		unmountErr: map[string]error{},
		remountErr: map[string]error{},
		residuals:  map[string]mount.ResidualInventory{},
		scanErr:    map[string]error{},
		remounted:  map[string]bool{},
	}
}

func (f *fakeOps) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeOps) IsMounted(_ context.Context, path string) (bool, error) {
	f.record("IsMounted %s", path)
	return f.mounted[path], nil
}

func (f *fakeOps) CheckStale(_ context.Context, mountpoint string) mount.StaleResult {
	f.record("CheckStale %s", mountpoint)
	if mountpoint == f.panicOn {
		panic("boom")
	}
	if f.remounted[mountpoint] {
		return f.staleAfter[mountpoint]
	}
	return f.stale[mountpoint]
}

func (f *fakeOps) Unmount(_ context.Context, path string) (mount.UnmountStage, error) {
	f.record("Unmount %s", path)
	if err := f.unmountErr[path]; err != nil {
		return "", err
	}
	f.mounted[path] = false
	return mount.StageSoft, nil
}

func (f *fakeOps) Remount(_ context.Context, path, host string) error {
	f.record("Remount %s host=%s", path, host)
	if err := f.remountErr[path]; err != nil {
		return err
	}
	f.remounted[path] = true
	f.mounted[path] = true
	return nil
}

func (f *fakeOps) ScanResiduals(mountpoint string) (mount.ResidualInventory, error) {
	f.record("ScanResiduals %s", mountpoint)
	if err := f.scanErr[mountpoint]; err != nil {
		return mount.ResidualInventory{}, err
	}
	return f.residuals[mountpoint], nil
}

func (f *fakeOps) called(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// fakeNotifier records queued notifications without gating.
type fakeNotifier struct {
	entries []notify.Entry
}

func (n *fakeNotifier) Add(subject, body string, cat notify.Category) {
	n.entries = append(n.entries, notify.Entry{Subject: subject, Body: body, Category: cat})
}

func (n *fakeNotifier) byCategory(cat notify.Category) []notify.Entry {
	var out []notify.Entry
	for _, e := range n.entries {
		if e.Category == cat {
			out = append(out, e)
		}
	}
	return out
}

func newTestOrchestrator(ops MountOps, n Notifier) *Orchestrator {
	o := New(ops, n, nil, time.Millisecond)
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o
}

func share(mountpoint string) fstab.ShareEntry {
	return fstab.ShareEntry{
		Device:     "filer01:/export" + mountpoint,
		Mountpoint: mountpoint,
		FSType:     "nfs",
	}
}

func TestHealthyShareNoAction(t *testing.T) {
	ops := newFakeOps()
	ops.mounted["/mnt/media"] = true
	ops.stale["/mnt/media"] = mount.StaleResult{Stale: false}
	n := &fakeNotifier{}

	report := newTestOrchestrator(ops, n).Run(context.Background(), []fstab.ShareEntry{share("/mnt/media")})

	if got := report.Outcomes["/mnt/media"]; got != OutcomeNoAction {
		t.Errorf("Expected no_action, got %s", got)
	}
	if ops.called("Unmount") != 0 || ops.called("Remount") != 0 || ops.called("ScanResiduals") != 0 {
		t.Errorf("Healthy share must not trigger repair calls, got %v", ops.calls)
	}
	if len(n.entries) != 0 {
		t.Errorf("Healthy share must not notify, got %v", n.entries)
	}
	if !report.OK() {
		t.Errorf("Expected OK report, errors: %v", report.Errors)
	}
}

func TestUnmountedShareFullRepairCycle(t *testing.T) {
	ops := newFakeOps()
	ops.mounted["/mnt/media"] = false
	n := &fakeNotifier{}

	report := newTestOrchestrator(ops, n).Run(context.Background(), []fstab.ShareEntry{share("/mnt/media")})

	if got := report.Outcomes["/mnt/media"]; got != OutcomeRemounted {
		t.Errorf("Expected remounted, got %s", got)
	}
	// Down share: staleness is never consulted before the mount check
	// short-circuits, and unmount is skipped entirely
	if ops.called("Unmount") != 0 {
		t.Errorf("Unmount must be skipped for an unmounted share, calls: %v", ops.calls)
	}
	if ops.called("ScanResiduals") != 1 || ops.called("Remount") != 1 {
		t.Errorf("Expected scan and remount, calls: %v", ops.calls)
	}

	down := n.byCategory(notify.CategoryShareDown)
	if len(down) != 1 {
		t.Fatalf("Expected one share_down notification, got %d", len(down))
	}
	if !strings.Contains(down[0].Body, "NFS share") {
		t.Errorf("Expected upper-cased fstype in body, got %q", down[0].Body)
	}
	results := n.byCategory(notify.CategoryRemountResult)
	if len(results) != 1 || !strings.HasPrefix(results[0].Subject, "Remount OK") {
		t.Errorf("Expected Remount OK notification, got %v", results)
	}
}

func TestStaleShareUnmountsThenRemounts(t *testing.T) {
	ops := newFakeOps()
	ops.mounted["/mnt/media"] = true
	ops.stale["/mnt/media"] = mount.StaleResult{
		Stale: true, Reason: mount.StaleReasonIOError, Detail: "stale NFS file handle",
	}
	n := &fakeNotifier{}

	report := newTestOrchestrator(ops, n).Run(context.Background(), []fstab.ShareEntry{share("/mnt/media")})

	if got := report.Outcomes["/mnt/media"]; got != OutcomeRemounted {
		t.Errorf("Expected remounted, got %s", got)
	}
	if ops.called("Unmount") != 1 || ops.called("Remount") != 1 {
		t.Errorf("Expected one unmount and one remount, calls: %v", ops.calls)
	}
	handles := n.byCategory(notify.CategoryStaleHandle)
	if len(handles) != 1 || !strings.Contains(handles[0].Body, "stale NFS file handle") {
		t.Errorf("Expected stale_handle notification with detail, got %v", handles)
	}
}

func TestUnmountFailureAbortsShare(t *testing.T) {
	ops := newFakeOps()
	ops.mounted["/mnt/media"] = true
	ops.mounted["/mnt/backup"] = true
	ops.stale["/mnt/media"] = mount.StaleResult{Stale: true, Reason: mount.StaleReasonIOError, Detail: "io error"}
	ops.stale["/mnt/backup"] = mount.StaleResult{Stale: false}
	ops.unmountErr["/mnt/media"] = errors.New("all unmount stages exhausted")
	n := &fakeNotifier{}

	report := newTestOrchestrator(ops, n).Run(context.Background(), []fstab.ShareEntry{
		share("/mnt/media"), share("/mnt/backup"),
	})

	if got := report.Outcomes["/mnt/media"]; got != OutcomeUnmountFailed {
		t.Errorf("Expected unmount_failed, got %s", got)
	}
	if ops.called("Remount") != 0 {
		t.Errorf("No remount after unmount failure, calls: %v", ops.calls)
	}
	if len(n.byCategory(notify.CategoryScriptErrors)) != 1 {
		t.Errorf("Expected error notification, got %v", n.entries)
	}
	// The failing share must not stop the next one
	if got := report.Outcomes["/mnt/backup"]; got != OutcomeNoAction {
		t.Errorf("Expected subsequent share processed, got %s", got)
	}
	if report.OK() {
		t.Error("Report must not be OK after an unmount failure")
	}
}

func TestRemountFailure(t *testing.T) {
	ops := newFakeOps()
	ops.mounted["/mnt/media"] = false
	ops.remountErr["/mnt/media"] = errors.New("mount exited 32")
	n := &fakeNotifier{}

	report := newTestOrchestrator(ops, n).Run(context.Background(), []fstab.ShareEntry{share("/mnt/media")})

	if got := report.Outcomes["/mnt/media"]; got != OutcomeRemountFailed {
		t.Errorf("Expected remount_failed, got %s", got)
	}
	results := n.byCategory(notify.CategoryRemountResult)
	if len(results) != 1 || !strings.HasPrefix(results[0].Subject, "Remount FAILED") {
		t.Errorf("Expected Remount FAILED notification, got %v", results)
	}
	if report.OK() {
		t.Error("Report must not be OK after a remount failure")
	}
}

func TestSentinelMissingAfterRemountIsSuccess(t *testing.T) {
	ops := newFakeOps()
	ops.mounted["/mnt/media"] = false
	ops.staleAfter["/mnt/media"] = mount.StaleResult{
		Stale: true, Reason: mount.StaleReasonSentinelMissing, Detail: ".checkMount file missing",
	}
	n := &fakeNotifier{}

	report := newTestOrchestrator(ops, n).Run(context.Background(), []fstab.ShareEntry{share("/mnt/media")})

	if got := report.Outcomes["/mnt/media"]; got != OutcomeRemountedSentinelMissing {
		t.Errorf("Expected remounted_sentinel_missing, got %s", got)
	}
	if !report.OK() {
		t.Errorf("Sentinel-missing remount is a success, errors: %v", report.Errors)
	}
	advisories := n.byCategory(notify.CategoryScriptErrors)
	if len(advisories) != 1 || !strings.Contains(advisories[0].Subject, "Sentinel missing") {
		t.Errorf("Expected sentinel advisory, got %v", n.entries)
	}
	results := n.byCategory(notify.CategoryRemountResult)
	if len(results) != 1 || !strings.HasPrefix(results[0].Subject, "Remount OK") {
		t.Errorf("Sentinel-missing remount still reports OK, got %v", results)
	}
}

func TestStillStaleAfterRemountIsFailure(t *testing.T) {
	ops := newFakeOps()
	ops.mounted["/mnt/media"] = false
	ops.staleAfter["/mnt/media"] = mount.StaleResult{
		Stale: true, Reason: mount.StaleReasonIOError, Detail: "input/output error",
	}
	n := &fakeNotifier{}

	report := newTestOrchestrator(ops, n).Run(context.Background(), []fstab.ShareEntry{share("/mnt/media")})

	if got := report.Outcomes["/mnt/media"]; got != OutcomeRemountFailed {
		t.Errorf("Expected remount_failed for persistent stale state, got %s", got)
	}
	results := n.byCategory(notify.CategoryRemountResult)
	if len(results) != 1 || !strings.HasPrefix(results[0].Subject, "Remount FAILED") {
		t.Errorf("Expected Remount FAILED notification, got %v", results)
	}
}

func TestResidualFilesNotification(t *testing.T) {
	ops := newFakeOps()
	ops.mounted["/mnt/media"] = false
	ops.residuals["/mnt/media"] = mount.ResidualInventory{
		Count:      25,
		Entries:    []string{"/mnt/media/a.mkv", "/mnt/media/b.mkv"},
		Truncated:  true,
		TotalBytes: 1536,
	}
	n := &fakeNotifier{}

	newTestOrchestrator(ops, n).Run(context.Background(), []fstab.ShareEntry{share("/mnt/media")})

	residual := n.byCategory(notify.CategoryResidualFiles)
	if len(residual) != 1 {
		t.Fatalf("Expected one residual_files notification, got %d", len(residual))
	}
	body := residual[0].Body
	for _, want := range []string{"25 file(s)/folder(s)", "/mnt/media/a.mkv", "and 23 more items", "1.50 KB"} {
		if !strings.Contains(body, want) {
			t.Errorf("Residual body missing %q:\n%s", want, body)
		}
	}
}

func TestScanErrorDoesNotBlockRemount(t *testing.T) {
	ops := newFakeOps()
	ops.mounted["/mnt/media"] = false
	ops.scanErr["/mnt/media"] = errors.New("permission denied")
	n := &fakeNotifier{}

	report := newTestOrchestrator(ops, n).Run(context.Background(), []fstab.ShareEntry{share("/mnt/media")})

	if got := report.Outcomes["/mnt/media"]; got != OutcomeRemounted {
		t.Errorf("Scan failure must not stop the remount, got %s", got)
	}
}

func TestPanicIsolatedToShare(t *testing.T) {
	ops := newFakeOps()
	ops.mounted["/mnt/media"] = true
	ops.mounted["/mnt/backup"] = true
	ops.panicOn = "/mnt/media"
	ops.stale["/mnt/backup"] = mount.StaleResult{Stale: false}
	n := &fakeNotifier{}

	report := newTestOrchestrator(ops, n).Run(context.Background(), []fstab.ShareEntry{
		share("/mnt/media"), share("/mnt/backup"),
	})

	if got := report.Outcomes["/mnt/backup"]; got != OutcomeNoAction {
		t.Errorf("Panic in one share must not stop the next, got %s", got)
	}
	if report.OK() {
		t.Error("Report must carry the panic as an error")
	}
	if len(n.byCategory(notify.CategoryScriptErrors)) != 1 {
		t.Errorf("Expected script error notification for the panic, got %v", n.entries)
	}
}

func TestCancelledRunSkipsRemainingShares(t *testing.T) {
	ops := newFakeOps()
	ops.mounted["/mnt/media"] = true
	ops.stale["/mnt/media"] = mount.StaleResult{Stale: false}
	n := &fakeNotifier{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := newTestOrchestrator(ops, n).Run(ctx, []fstab.ShareEntry{share("/mnt/media")})

	if len(report.Outcomes) != 0 {
		t.Errorf("Cancelled run must not process shares, got %v", report.Outcomes)
	}
	if report.OK() {
		t.Error("Cancelled run must not report OK")
	}
}

func TestRemountUsesRemoteHost(t *testing.T) {
	ops := newFakeOps()
	ops.mounted["/mnt/media"] = false
	n := &fakeNotifier{}

	newTestOrchestrator(ops, n).Run(context.Background(), []fstab.ShareEntry{share("/mnt/media")})

	if ops.called("Remount /mnt/media host=filer01") != 1 {
		t.Errorf("Expected remount keyed by remote host, calls: %v", ops.calls)
	}
}
