// Package notify batches per-run operator notifications and delivers them
// as a single digest over SMTP, optionally mirrored to an SNMP manager.
package notify

// Category identifies a class of notification. Delivery of each class is
// switched independently through Gates.
type Category string

const (
	CategoryShareDown     Category = "share_down"
	CategoryStaleHandle   Category = "stale_handle"
	CategoryResidualFiles Category = "residual_files"
	CategoryRemountResult Category = "remount_result"
	CategoryScriptErrors  Category = "script_errors"
	CategoryDebugOutput   Category = "debug_output"
)

// Gates holds the per-category delivery switches.
type Gates map[Category]bool

// DefaultGates returns the stock gate set: every category on except debug
// output, which only --debug runs turn on.
func DefaultGates() Gates {
	return Gates{
		CategoryShareDown:     true,
		CategoryStaleHandle:   true,
		CategoryResidualFiles: true,
		CategoryRemountResult: true,
		CategoryScriptErrors:  true,
		CategoryDebugOutput:   false,
	}
}

// Enabled reports whether a category should be delivered. Categories absent
// from the map are delivered.
func (g Gates) Enabled(c Category) bool {
	open, ok := g[c]
	if !ok {
		return true
	}
	return open
}
