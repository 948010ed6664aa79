package notify

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"k8s.io/klog/v2"
)

// DigestInfo carries the run-level header fields for the summary report.
type DigestInfo struct {
	RunID    string
	Hostname string
	Platform string
	Started  time.Time
	Finished time.Time
}

// CollectHostInfo returns the hostname and a short platform description for
// the digest header. Everything here is best-effort; a host that cannot
// describe itself still gets a report.
func CollectHostInfo(ctx context.Context) (hostname, platform string) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		klog.V(4).Infof("Could not collect host info: %v", err)
	} else {
		hostname = info.Hostname
		platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		if info.Uptime > 0 {
			up := time.Duration(info.Uptime) * time.Second
			platform = fmt.Sprintf("%s, up %s", platform, up)
		}
	}
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}
	if hostname == "" {
		hostname = "unknown"
	}
	return hostname, platform
}

// RenderDigest produces the summary mail subject and body from the queued
// entries. Sections keep their insertion order; each carries the subject,
// the time the event was queued, and the original body.
func RenderDigest(info DigestInfo, entries []Entry) (subject, body string) {
	subject = fmt.Sprintf("[checkMount] %s Summary Report", info.Hostname)

	var b strings.Builder
	if info.RunID != "" {
		fmt.Fprintf(&b, "Run ID: %s\n", info.RunID)
	}
	if info.Platform != "" {
		fmt.Fprintf(&b, "Host: %s (%s)\n", info.Hostname, info.Platform)
	} else {
		fmt.Fprintf(&b, "Host: %s\n", info.Hostname)
	}
	fmt.Fprintf(&b, "Started: %s\n", info.Started.Format(timeFormat))
	fmt.Fprintf(&b, "Finished: %s\n", info.Finished.Format(timeFormat))
	fmt.Fprintf(&b, "Runtime: %.2f seconds\n", info.Finished.Sub(info.Started).Seconds())

	sections := make([]string, 0, len(entries))
	for _, e := range entries {
		sections = append(sections, fmt.Sprintf("\n--- %s ---\nTime: %s\n%s\n",
			e.Subject, e.Time.Format(timeFormat), e.Body))
	}
	b.WriteString(strings.Join(sections, "\n"))

	return subject, b.String()
}
