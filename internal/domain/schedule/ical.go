package schedule

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-ical"
)

const calendarProductID = "-//MedTrack//Reminders//EN"

// Calendar renders active reminders as an iCalendar feed with one daily
// recurring event per time-of-day marker. Wall-clock times are read in loc.
func Calendar(reminders []Reminder, loc *time.Location, now time.Time) (*ical.Calendar, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, calendarProductID)

	for _, r := range reminders {
		if !r.Active {
			continue
		}
		first := r.CreatedAt.In(loc)
		if r.StartDate != nil {
			first = *r.StartDate
		}
		for _, marker := range r.Times {
			h, m, err := ParseTimeOfDay(marker)
			if err != nil {
				return nil, err
			}
			y, mo, d := first.Date()
			start := time.Date(y, mo, d, h, m, 0, 0, loc)

			event := ical.NewEvent()
			event.Props.SetText(ical.PropUID, fmt.Sprintf("%s-%02d%02d@medtrack", r.ID, h, m))
			event.Props.SetText(ical.PropSummary, fmt.Sprintf("Take %s", r.MedicineName))
			if desc := describe(r); desc != "" {
				event.Props.SetText(ical.PropDescription, desc)
			}
			event.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
			event.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(15*time.Minute).UTC())
			event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())

			rule := ical.NewProp(ical.PropRecurrenceRule)
			rule.Value = "FREQ=DAILY"
			if r.EndDate != nil {
				ey, em, ed := r.EndDate.Date()
				until := time.Date(ey, em, ed, 23, 59, 59, 0, loc).UTC()
				rule.Value += ";UNTIL=" + until.Format("20060102T150405Z")
			}
			event.Props.Set(rule)

			cal.Children = append(cal.Children, event.Component)
		}
	}
	return cal, nil
}

// EncodeCalendar serializes cal in iCalendar text form
func EncodeCalendar(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

func describe(r Reminder) string {
	switch {
	case r.Dosage != "" && r.Instructions != "":
		return r.Dosage + " - " + r.Instructions
	case r.Dosage != "":
		return r.Dosage
	default:
		return r.Instructions
	}
}
