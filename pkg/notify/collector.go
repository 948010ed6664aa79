package notify

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// timeFormat is the timestamp layout used in digest sections.
const timeFormat = "2006-01-02 15:04:05"

// Entry is one queued notification.
type Entry struct {
	Category Category
	Subject  string
	Body     string
	Time     time.Time
}

// Sender delivers a rendered digest.
type Sender interface {
	Send(ctx context.Context, subject, body string) error
}

// TrapEmitter mirrors one notification entry to an SNMP manager.
type TrapEmitter interface {
	Emit(ctx context.Context, e Entry) error
}

// Collector batches notifications for a single run. Events queue up as the
// run progresses and go out once, as a digest, when Flush is called. A
// Collector is built fresh per run and is not safe for concurrent use.
type Collector struct {
	enabled bool
	gates   Gates
	entries []Entry

	mail  Sender
	traps TrapEmitter

	// Injected for testing
	now func() time.Time
}

// NewCollector creates a collector. When enabled is false every Add is a
// no-op and Flush sends nothing.
func NewCollector(enabled bool, gates Gates) *Collector {
	return &Collector{
		enabled: enabled,
		gates:   gates,
		now:     time.Now,
	}
}

// SetMail configures digest delivery. Without a sender the digest is
// rendered and dropped.
func (c *Collector) SetMail(s Sender) {
	c.mail = s
}

// SetTraps configures SNMP mirroring of queued entries.
func (c *Collector) SetTraps(t TrapEmitter) {
	c.traps = t
}

// Add queues one notification, honoring the global switch and the category
// gate. Gated-off events disappear silently.
func (c *Collector) Add(subject, body string, cat Category) {
	if !c.enabled || !c.gates.Enabled(cat) {
		klog.V(5).Infof("Notification %q suppressed (category %s)", subject, cat)
		return
	}
	c.entries = append(c.entries, Entry{
		Category: cat,
		Subject:  subject,
		Body:     body,
		Time:     c.now(),
	})
}

// Entries returns the queued notifications in insertion order.
func (c *Collector) Entries() []Entry {
	return c.entries
}

// Flush renders the digest and delivers it. Called once, at the end of a
// run. An empty queue sends nothing. Trap failures are logged warnings; only
// mail delivery failure is returned, and the caller decides how loudly to
// report it.
func (c *Collector) Flush(ctx context.Context, info DigestInfo) error {
	if len(c.entries) == 0 {
		klog.V(4).Info("No notifications queued, skipping digest")
		return nil
	}

	subject, body := RenderDigest(info, c.entries)

	if c.traps != nil {
		for _, e := range c.entries {
			if err := c.traps.Emit(ctx, e); err != nil {
				klog.Warningf("Failed to send SNMP trap for %q: %v", e.Subject, err)
			}
		}
	}

	if c.mail == nil {
		klog.V(2).Infof("No mail sender configured, dropping digest with %d entries", len(c.entries))
		return nil
	}
	if err := c.mail.Send(ctx, subject, body); err != nil {
		return fmt.Errorf("sending summary email: %w", err)
	}
	klog.Info("Summary email sent")
	return nil
}
