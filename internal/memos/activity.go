package memos

import "time"

const activityDayLayout = "2006-01-02"

// ActivityCounts returns the number of memos created per UTC calendar day, keyed "YYYY-MM-DD".
// Records without a creation time are skipped.
func ActivityCounts(records []MemoRecord) map[string]int {
	counts := make(map[string]int)
	for _, record := range records {
		if record.CreateTime.IsZero() {
			continue
		}
		counts[record.CreateTime.UTC().Format(activityDayLayout)]++
	}
	return counts
}

// ActivityDay formats a time as an ActivityCounts key.
func ActivityDay(t time.Time) string {
	return t.UTC().Format(activityDayLayout)
}
