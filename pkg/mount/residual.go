package mount

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/charlievieth/fastwalk"
	"k8s.io/klog/v2"

	"github.com/sweets9/checkmounts/pkg/utils"
)

// residualLogPreview caps how many residual entries appear in the log.
// Notifications carry up to MaxListing entries instead.
const residualLogPreview = 10

// ResidualInventory describes data found under a mountpoint after the share
// was unmounted. Anything here was written to the local disk instead of the
// share and will be shadowed by the next mount.
type ResidualInventory struct {
	// Count is the total number of direct entries under the mountpoint,
	// not counting the sentinel file
	Count int

	// Entries holds up to MaxListing full paths
	Entries []string

	// Truncated reports whether Entries was capped
	Truncated bool

	// TotalBytes is the recursive size of all regular files, not counting
	// the sentinel file
	TotalBytes int64
}

// Empty reports whether the mountpoint directory was clean.
func (r ResidualInventory) Empty() bool {
	return r.Count == 0
}

// ScanResiduals inspects the underlying mountpoint directory after an
// unmount. Residual data means some process wrote to the local path while
// the share was gone, which is exactly the misdirected-write condition the
// sentinel file exists to catch. The sentinel itself is ignored.
func (o *Ops) ScanResiduals(mountpoint string) (ResidualInventory, error) {
	dirents, err := os.ReadDir(mountpoint)
	if err != nil {
		return ResidualInventory{}, err
	}

	var inv ResidualInventory
	for _, e := range dirents {
		if e.Name() == o.config.SentinelName {
			continue
		}
		inv.Count++
		if len(inv.Entries) < o.config.MaxListing {
			inv.Entries = append(inv.Entries, filepath.Join(mountpoint, e.Name()))
		}
	}
	if inv.Count == 0 {
		klog.V(4).Infof("No residual files under %s", mountpoint)
		return inv, nil
	}

	inv.Truncated = inv.Count >= o.config.MaxListing
	inv.TotalBytes = o.residualSize(mountpoint)

	names := make([]string, 0, residualLogPreview)
	for _, p := range inv.Entries {
		if len(names) == residualLogPreview {
			break
		}
		names = append(names, filepath.Base(p))
	}
	klog.Warningf("Residual files/folders: %s", strings.Join(names, ", "))
	if inv.Count > len(names) {
		klog.Warning("...")
	}
	klog.Warningf("Total folder size: %s", utils.FormatBytes(inv.TotalBytes))
	klog.Warning("Residual files appear to have been written while the mount was offline")

	return inv, nil
}

// residualSize walks the mountpoint recursively and sums regular file
// sizes, skipping the sentinel. Unreadable entries are skipped too; an
// approximate total beats no total when the caller is deciding how loudly
// to alert.
func (o *Ops) residualSize(mountpoint string) int64 {
	var total atomic.Int64

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, mountpoint, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			klog.V(4).Infof("Skipping unreadable entry during residual walk: %v", err)
			return nil
		}
		if d.Name() == o.config.SentinelName {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total.Add(info.Size())
			}
		}
		return nil
	})
	if err != nil {
		klog.V(4).Infof("Residual size walk of %s ended early: %v", mountpoint, err)
	}

	return total.Load()
}
