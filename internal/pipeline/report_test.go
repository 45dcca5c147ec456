package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReportSummary(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Report{
		State:      StateFailed,
		Processed:  1,
		Errors:     map[Kind]int64{KindHandlerFatal: 1, KindSourceTransient: 2},
		FirstFatal: NewError(KindHandlerFatal, "consumer", errors.New("bad row")),
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
	}

	require.Equal(t, KindHandlerFatal, r.FirstFatalKind())
	require.EqualValues(t, 2, r.ErrorCount(KindSourceTransient))
	require.Zero(t, r.ErrorCount(KindTimeout))
	require.Equal(t, 1500*time.Millisecond, r.Duration())
	require.Contains(t, r.String(), "state=failed processed=1")
	require.Contains(t, r.String(), "handler_fatal=1")
	require.Contains(t, r.String(), "timeout=0")
	require.Contains(t, r.String(), `first_fatal="consumer: handler_fatal: bad row"`)
}

func TestReportZeroValue(t *testing.T) {
	t.Parallel()

	var r Report
	require.Zero(t, r.Duration())
	require.Equal(t, Kind(""), r.FirstFatalKind())
	require.NotContains(t, r.String(), "first_fatal")
	require.False(t, StateDraining.Terminal())
	require.True(t, StateStopped.Terminal())
}

func TestItemCloneIsIndependent(t *testing.T) {
	t.Parallel()

	orig := Item{ID: "a", Payload: []byte("xyz"), Metadata: map[string]string{"k": "v"}}
	cp := orig.Clone()
	cp.Payload[0] = 'Q'
	cp.Metadata["k"] = "changed"

	require.Equal(t, "xyz", string(orig.Payload))
	require.Equal(t, "v", orig.Metadata["k"])
}
