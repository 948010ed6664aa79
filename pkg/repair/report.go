package repair

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Report aggregates one run: which shares were seen, how each ended, and
// the errors accumulated along the way. The RunID correlates log lines,
// metrics pushes, and the notification digest for the same invocation.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time

	// Outcomes maps mountpoint to terminal classification, in whatever
	// order Shares preserves
	Outcomes map[string]Outcome

	// Shares lists the mountpoints in processing order
	Shares []string

	Errors []string
}

// NewReport starts a report for a run over n shares.
func NewReport(n int) *Report {
	return &Report{
		RunID:    uuid.New().String(),
		Started:  time.Now(),
		Outcomes: make(map[string]Outcome, n),
	}
}

// Record stores the outcome for one mountpoint.
func (r *Report) Record(mountpoint string, outcome Outcome) {
	if _, seen := r.Outcomes[mountpoint]; !seen {
		r.Shares = append(r.Shares, mountpoint)
	}
	r.Outcomes[mountpoint] = outcome
}

// AddError appends one run-level error.
func (r *Report) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// Finish stamps the end of the run.
func (r *Report) Finish() {
	r.Finished = time.Now()
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// OK reports whether the run should exit zero: at least one share was
// processed and nothing failed. An empty share list is a failure; a
// monitor that silently watches nothing is misconfigured.
func (r *Report) OK() bool {
	return len(r.Shares) > 0 && len(r.Errors) == 0
}

// Repaired counts shares that went through a successful repair cycle.
func (r *Report) Repaired() int {
	n := 0
	for _, o := range r.Outcomes {
		if o == OutcomeRemounted || o == OutcomeRemountedSentinelMissing {
			n++
		}
	}
	return n
}

// Summary renders a one-line account of the run for logs and the digest
// trailer.
func (r *Report) Summary() string {
	counts := make(map[Outcome]int, len(r.Outcomes))
	for _, o := range r.Outcomes {
		counts[o]++
	}

	parts := []string{fmt.Sprintf("%d share(s) checked", len(r.Shares))}
	for _, o := range []Outcome{
		OutcomeNoAction,
		OutcomeRemounted,
		OutcomeRemountedSentinelMissing,
		OutcomeRemountFailed,
		OutcomeUnmountFailed,
	} {
		if n := counts[o]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, o))
		}
	}
	if len(r.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("%d error(s)", len(r.Errors)))
	}
	return strings.Join(parts, ", ")
}
