package features

import "time"

// CalendarColumns lists the columns AddCalendarFeatures produces.
var CalendarColumns = []string{
	ColHourOfDay, ColDayOfWeek, ColDayOfMonth, ColMonth, ColYear, ColIsWeekend, ColQuarter, ColWeekOfYear,
}

// AddCalendarFeatures derives calendar columns from each row's hour.
// day_of_week runs Monday=0 to Sunday=6; week_of_year is the ISO week.
func AddCalendarFeatures(t *Table) error {
	n := t.NumRows()
	cols := make(map[string][]float64, len(CalendarColumns))
	for _, name := range CalendarColumns {
		cols[name] = make([]float64, n)
	}

	for i, h := range t.Hours {
		h = h.UTC()
		dow := DayOfWeek(h)
		_, week := h.ISOWeek()

		cols[ColHourOfDay][i] = float64(h.Hour())
		cols[ColDayOfWeek][i] = float64(dow)
		cols[ColDayOfMonth][i] = float64(h.Day())
		cols[ColMonth][i] = float64(h.Month())
		cols[ColYear][i] = float64(h.Year())
		if dow >= 5 {
			cols[ColIsWeekend][i] = 1
		}
		cols[ColQuarter][i] = float64((int(h.Month())-1)/3 + 1)
		cols[ColWeekOfYear][i] = float64(week)
	}

	for _, name := range CalendarColumns {
		if err := t.AddColumn(name, cols[name], false); err != nil {
			return err
		}
	}
	return nil
}

// DayOfWeek returns 0 for Monday through 6 for Sunday.
func DayOfWeek(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
