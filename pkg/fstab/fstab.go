// Package fstab discovers network shares declared in the system
// filesystem table.
package fstab

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/sweets9/checkmounts/pkg/utils"
)

// DefaultPath is the filesystem table consulted when no override is given.
const DefaultPath = "/etc/fstab"

// networkFilesystems lists the fstab filesystem types treated as network
// shares. Matching is case-insensitive.
var networkFilesystems = map[string]bool{
	"nfs":   true,
	"nfs4":  true,
	"cifs":  true,
	"smbfs": true,
}

// ShareEntry is one network share declared in fstab.
type ShareEntry struct {
	// Device is the remote source, e.g. "filer01:/export/media" or
	// "//nas/backup"
	Device string

	// Mountpoint is the local directory the share mounts onto
	Mountpoint string

	// FSType is the lowercased filesystem type from fstab
	FSType string
}

// Parse reads the filesystem table at path and returns the network share
// entries in declaration order. Blank lines and comments are skipped,
// malformed lines are logged and skipped, and local filesystems are
// filtered out. Missing mountpoint directories are created so the health
// check probes the directory instead of tripping over it.
func Parse(path string) ([]ShareEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w: %v", path, utils.ErrMountTableUnavailable, err)
	}
	defer f.Close()

	var shares []ShareEntry
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			klog.Warningf("Skipping malformed fstab line %d: %q", lineno, line)
			continue
		}
		fstype := strings.ToLower(fields[2])
		if !networkFilesystems[fstype] {
			continue
		}
		entry := ShareEntry{
			Device:     fields[0],
			Mountpoint: fields[1],
			FSType:     fstype,
		}
		if err := ensureMountpoint(entry.Mountpoint); err != nil {
			klog.Errorf("Cannot create mountpoint %s for %s, skipping share: %v",
				entry.Mountpoint, entry.Device, err)
			continue
		}
		shares = append(shares, entry)
		klog.V(4).Infof("Found network share %s on %s (%s)", entry.Device, entry.Mountpoint, fstype)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w: %v", path, utils.ErrMountTableUnavailable, err)
	}

	klog.V(2).Infof("Discovered %d network share(s) in %s", len(shares), path)
	return shares, nil
}

// ensureMountpoint creates the mountpoint directory when absent. A share
// whose mountpoint cannot exist cannot be checked or repaired, so the
// caller drops the entry on error.
func ensureMountpoint(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	klog.V(2).Infof("Created missing mountpoint %s", dir)
	return nil
}

// RemoteHost extracts the server portion of a share device string.
// Supported forms are NFS "host:/export", bracketed IPv6
// "[fe80::1]:/export", and SMB "//host/share" (optionally with a
// "user@" prefix). An empty string means no host could be determined.
func RemoteHost(device string) string {
	switch {
	case strings.HasPrefix(device, "//"):
		host := strings.TrimPrefix(device, "//")
		if i := strings.IndexByte(host, '/'); i >= 0 {
			host = host[:i]
		}
		if i := strings.IndexByte(host, '@'); i >= 0 {
			host = host[i+1:]
		}
		return host
	case strings.HasPrefix(device, "["):
		if i := strings.IndexByte(device, ']'); i > 0 {
			return device[1:i]
		}
		return ""
	default:
		if i := strings.IndexByte(device, ':'); i > 0 {
			return device[:i]
		}
		return ""
	}
}
