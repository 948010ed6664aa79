package repair

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportOK(t *testing.T) {
	tests := []struct {
		name     string
		outcomes map[string]Outcome
		errors   []string
		want     bool
	}{
		{
			name:     "all healthy",
			outcomes: map[string]Outcome{"/mnt/a": OutcomeNoAction, "/mnt/b": OutcomeRemounted},
			want:     true,
		},
		{
			name:     "sentinel missing still ok",
			outcomes: map[string]Outcome{"/mnt/a": OutcomeRemountedSentinelMissing},
			want:     true,
		},
		{
			name:     "no shares is a failure",
			outcomes: map[string]Outcome{},
			want:     false,
		},
		{
			name:     "errors fail the run",
			outcomes: map[string]Outcome{"/mnt/a": OutcomeNoAction},
			errors:   []string{"/mnt/b: remount_failed"},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReport(len(tt.outcomes))
			for mp, o := range tt.outcomes {
				r.Record(mp, o)
			}
			for _, e := range tt.errors {
				r.AddError(e)
			}
			r.Finish()
			assert.Equal(t, tt.want, r.OK())
		})
	}
}

func TestReportOutcomeFailed(t *testing.T) {
	failed := map[Outcome]bool{
		OutcomeNoAction:                 false,
		OutcomeRemounted:                false,
		OutcomeRemountedSentinelMissing: false,
		OutcomeRemountFailed:            true,
		OutcomeUnmountFailed:            true,
	}
	for o, want := range failed {
		assert.Equal(t, want, o.Failed(), "outcome %s", o)
	}
}

func TestReportSummary(t *testing.T) {
	r := NewReport(3)
	r.Record("/mnt/a", OutcomeNoAction)
	r.Record("/mnt/b", OutcomeRemounted)
	r.Record("/mnt/c", OutcomeRemountFailed)
	r.AddError("/mnt/c: remount_failed")
	r.Finish()

	s := r.Summary()
	assert.Contains(t, s, "3 share(s) checked")
	assert.Contains(t, s, "1 no_action")
	assert.Contains(t, s, "1 remounted")
	assert.Contains(t, s, "1 remount_failed")
	assert.Contains(t, s, "1 error(s)")
	assert.Equal(t, 1, r.Repaired())
}

func TestReportRecordPreservesOrder(t *testing.T) {
	r := NewReport(3)
	r.Record("/mnt/c", OutcomeNoAction)
	r.Record("/mnt/a", OutcomeNoAction)
	r.Record("/mnt/b", OutcomeRemounted)
	r.Record("/mnt/a", OutcomeRemounted) // re-record must not duplicate

	require.Equal(t, []string{"/mnt/c", "/mnt/a", "/mnt/b"}, r.Shares)
	assert.Equal(t, OutcomeRemounted, r.Outcomes["/mnt/a"])
}

func TestReportRunIDUnique(t *testing.T) {
	a, b := NewReport(0), NewReport(0)
	require.NotEmpty(t, a.RunID)
	assert.NotEqual(t, a.RunID, b.RunID)
}
