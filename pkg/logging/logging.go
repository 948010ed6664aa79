// Package logging routes klog output to the console, to syslog, and
// optionally into an in-memory capture used by the debug-output
// notification.
package logging

import (
	"bytes"
	"flag"
	"io"
	"log/syslog"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

const (
	syslogTag = "checkmounts"

	// captureLimit bounds the debug capture so a noisy run cannot produce
	// an unmailable digest.
	captureLimit = 1 << 20
)

// Capture retains log output in memory. Writes past the limit are dropped
// and the truncation is marked when the content is read back.
type Capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewCapture creates a capture holding at most limit bytes.
func NewCapture(limit int) *Capture {
	return &Capture{limit: limit}
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

// String returns the captured output, with a marker when writes were
// dropped.
func (c *Capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.truncated {
		return c.buf.String() + "\n[output truncated]\n"
	}
	return c.buf.String()
}

// Len returns the number of retained bytes.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

// severityFor reads the severity letter klog puts first on every line.
func severityFor(p []byte) byte {
	if len(p) == 0 {
		return 'I'
	}
	return p[0]
}

// syslogMessage strips the klog header ("I0824 10:00:00.000000 123
// file.go:42] ") so syslog lines carry only the message; syslog stamps its
// own time and tag.
func syslogMessage(p []byte) string {
	if i := bytes.Index(p, []byte("] ")); i >= 0 {
		p = p[i+2:]
	}
	return strings.TrimRight(string(p), "\n")
}

type syslogWriter struct {
	w *syslog.Writer
}

func (s *syslogWriter) Write(p []byte) (int, error) {
	msg := syslogMessage(p)
	switch severityFor(p) {
	case 'W':
		_ = s.w.Warning(msg)
	case 'E':
		_ = s.w.Err(msg)
	case 'F':
		_ = s.w.Crit(msg)
	default:
		_ = s.w.Info(msg)
	}
	return len(p), nil
}

// fanout duplicates one log stream to every configured destination. Sink
// errors are swallowed; logging must never fail the run.
type fanout struct {
	console io.Writer
	capture *Capture      // nil unless debug capture is on
	sys     *syslogWriter // nil when syslog is unreachable
}

func (f *fanout) Write(p []byte) (int, error) {
	_, _ = f.console.Write(p)
	if f.capture != nil {
		_, _ = f.capture.Write(p)
	}
	if f.sys != nil {
		_, _ = f.sys.Write(p)
	}
	return len(p), nil
}

// Setup points klog at the fan-out: console always, syslog when reachable,
// and an in-memory capture when debug is set. Returns the capture, nil
// without debug.
func Setup(debug bool) *Capture {
	var capture *Capture
	if debug {
		capture = NewCapture(captureLimit)
	}

	f := &fanout{console: os.Stderr, capture: capture}
	if w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, syslogTag); err != nil {
		klog.Warningf("Syslog unavailable, logging to console only: %v", err)
	} else {
		f.sys = &syslogWriter{w: w}
	}

	klog.LogToStderr(false)
	// Severities at or above the stderr threshold write straight to stderr
	// on top of the fan-out console; push the threshold past FATAL. A
	// private FlagSet reaches the same singleton klog state without
	// touching the command line.
	fs := flag.NewFlagSet("klog-internal", flag.ContinueOnError)
	klog.InitFlags(fs)
	_ = fs.Set("stderrthreshold", "4")

	klog.SetOutputBySeverity("INFO", f)
	// Warning and error lines cascade into the INFO output; keep their own
	// outputs dark so each line lands exactly once.
	klog.SetOutputBySeverity("WARNING", io.Discard)
	klog.SetOutputBySeverity("ERROR", io.Discard)
	klog.SetOutputBySeverity("FATAL", io.Discard)

	return capture
}
