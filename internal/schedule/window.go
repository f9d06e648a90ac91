// Package schedule computes the import windows that drive trip ingestion.
package schedule

import "time"

// Window is an inclusive [From, To] time range covered by one import pass.
type Window struct {
	From time.Time
	To   time.Time
}

// Duration returns the span of the window.
func (w Window) Duration() time.Duration {
	return w.To.Sub(w.From)
}

const (
	// SliceDuration is the length of one historical backfill sub-window.
	SliceDuration = 90 * time.Minute
	// SlicesPerDay is the number of backfill sub-windows in one day.
	SlicesPerDay = 16
)

// AlignedWindow resolves the 3-hour import bucket for the given instant in
// the business timezone. Buckets start at hours 0, 3, ..., 21 and the window
// end is inclusive (hh:59:59). The bucket starting at hour 0 wraps to the
// last bucket of the previous day, matching the midnight scheduler run that
// imports 21:00-23:59:59.
func AlignedWindow(now time.Time, loc *time.Location) Window {
	n := now.In(loc)
	bucketHour := n.Hour() - n.Hour()%3

	if bucketHour == 0 {
		prev := n.AddDate(0, 0, -1)
		return Window{
			From: time.Date(prev.Year(), prev.Month(), prev.Day(), 21, 0, 0, 0, loc),
			To:   time.Date(prev.Year(), prev.Month(), prev.Day(), 23, 59, 59, 0, loc),
		}
	}

	from := time.Date(n.Year(), n.Month(), n.Day(), bucketHour, 0, 0, 0, loc)
	return Window{From: from, To: from.Add(3*time.Hour - time.Second)}
}

// BackfillWindows slices [start, end] into sequential 90-minute windows, day
// by day. Windows starting past end are skipped; a window extending past end
// is truncated so in-flight data beyond the safety buffer is never queried.
func BackfillWindows(start, end time.Time) []Window {
	if !start.Before(end) {
		return nil
	}

	var windows []Window
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	for !day.After(end) {
		for i := 0; i < SlicesPerDay; i++ {
			from := day.Add(time.Duration(i) * SliceDuration)
			if from.Before(start) {
				continue
			}
			if !from.Before(end) {
				return windows
			}
			to := from.Add(SliceDuration - time.Second)
			if to.After(end) {
				to = end
			}
			windows = append(windows, Window{From: from, To: to})
		}
		day = day.AddDate(0, 0, 1)
	}
	return windows
}
