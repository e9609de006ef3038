package schedule

import "time"

// DayAdherence is the adherence breakdown for one calendar day
type DayAdherence struct {
	Date      string `json:"date"`
	Day       string `json:"day"`
	Scheduled int    `json:"scheduled"`
	Taken     int    `json:"taken"`
	Missed    int    `json:"missed"`
	Adherence int    `json:"adherence"`
}

// Summary aggregates adherence over a window of days
type Summary struct {
	Days           []DayAdherence `json:"days"`
	AdherenceRate  int            `json:"adherence_rate"`
	TotalTaken     int            `json:"total_taken"`
	TotalMissed    int            `json:"total_missed"`
	TotalScheduled int            `json:"total_scheduled"`
}

// Summarize builds the day-by-day adherence between start and end inclusive,
// oldest first. Days are read in start's location; a log counts toward the
// day its scheduled time falls on in that location. An end before start
// yields an empty summary.
func Summarize(reminders []Reminder, logs []DoseLog, start, end time.Time) Summary {
	summary := Summary{Days: []DayAdherence{}}
	loc := start.Location()
	first := civil(start)
	last := civil(end.In(loc))
	if last.Before(first) {
		return summary
	}

	taken := make(map[time.Time]int)
	for _, l := range logs {
		if l.Status != DoseTaken {
			continue
		}
		taken[civil(l.ScheduledAt.In(loc))]++
	}

	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		local := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		scheduled := 0
		for _, r := range reminders {
			scheduled += ScheduledDoses(r, local)
		}
		t := taken[day]
		summary.Days = append(summary.Days, DayAdherence{
			Date:      day.Format("2006-01-02"),
			Day:       day.Weekday().String()[:3],
			Scheduled: scheduled,
			Taken:     t,
			Missed:    max(scheduled-t, 0),
			Adherence: Percent(t, scheduled),
		})
		summary.TotalScheduled += scheduled
		summary.TotalTaken += t
	}

	summary.TotalMissed = max(summary.TotalScheduled-summary.TotalTaken, 0)
	summary.AdherenceRate = Percent(summary.TotalTaken, summary.TotalScheduled)
	return summary
}

// Percent returns part/whole as a whole percentage rounded half-up, or 0
// when whole is not positive.
func Percent(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	return (200*part + whole) / (2 * whole)
}
