package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func easternTime(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestAlignedWindowMidBucket(t *testing.T) {
	loc := easternTime(t)
	now := time.Date(2025, 6, 10, 5, 17, 0, 0, loc)

	w := AlignedWindow(now, loc)

	require.Equal(t, time.Date(2025, 6, 10, 3, 0, 0, 0, loc), w.From)
	require.Equal(t, time.Date(2025, 6, 10, 5, 59, 59, 0, loc), w.To)
}

func TestAlignedWindowMidnightWrapsToPreviousDay(t *testing.T) {
	loc := easternTime(t)
	now := time.Date(2025, 6, 10, 1, 0, 0, 0, loc)

	w := AlignedWindow(now, loc)

	require.Equal(t, time.Date(2025, 6, 9, 21, 0, 0, 0, loc), w.From)
	require.Equal(t, time.Date(2025, 6, 9, 23, 59, 59, 0, loc), w.To)
}

func TestAlignedWindowLastBucketOfDay(t *testing.T) {
	loc := easternTime(t)
	now := time.Date(2025, 6, 10, 23, 10, 0, 0, loc)

	w := AlignedWindow(now, loc)

	require.Equal(t, time.Date(2025, 6, 10, 21, 0, 0, 0, loc), w.From)
	require.Equal(t, time.Date(2025, 6, 10, 23, 59, 59, 0, loc), w.To)
}

func TestAlignedWindowConvertsToBusinessZone(t *testing.T) {
	loc := easternTime(t)
	// 09:17 UTC on a summer day is 05:17 eastern.
	now := time.Date(2025, 6, 10, 9, 17, 0, 0, time.UTC)

	w := AlignedWindow(now, loc)

	require.Equal(t, time.Date(2025, 6, 10, 3, 0, 0, 0, loc), w.From)
}

func TestBackfillWindowsFullDay(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	windows := BackfillWindows(start, end)

	require.Len(t, windows, SlicesPerDay)
	require.Equal(t, start, windows[0].From)
	require.Equal(t, start.Add(SliceDuration-time.Second), windows[0].To)
	last := windows[len(windows)-1]
	require.Equal(t, time.Date(2024, 1, 1, 22, 30, 0, 0, time.UTC), last.From)
	require.Equal(t, time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC), last.To)

	// Windows are contiguous and non-overlapping.
	for i := 1; i < len(windows); i++ {
		require.Equal(t, windows[i-1].To.Add(time.Second), windows[i].From)
	}
}

func TestBackfillWindowsTruncatesAtEnd(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)

	windows := BackfillWindows(start, end)

	require.Len(t, windows, 2)
	require.Equal(t, time.Date(2024, 1, 1, 1, 30, 0, 0, time.UTC), windows[1].From)
	require.Equal(t, end, windows[1].To)
}

func TestBackfillWindowsEmptyRange(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Nil(t, BackfillWindows(at, at))
	require.Nil(t, BackfillWindows(at.Add(time.Hour), at))
}

func TestBackfillWindowsSpanningDays(t *testing.T) {
	start := time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)

	windows := BackfillWindows(start, end)

	// 22:30 slice on day one, then 00:00, 01:30 slices on day two.
	require.Len(t, windows, 3)
	require.Equal(t, time.Date(2024, 1, 1, 22, 30, 0, 0, time.UTC), windows[0].From)
	require.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), windows[1].From)
	require.Equal(t, time.Date(2024, 1, 2, 1, 30, 0, 0, time.UTC), windows[2].From)
}
