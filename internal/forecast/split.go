package forecast

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/taxi-demand/internal/features"
)

// Cutoff returns the first validation hour: the last testDays days of the
// table's span, counted back from its latest hour.
func Cutoff(t *features.Table, testDays int) time.Time {
	return t.MaxHour().Add(-time.Duration(testDays) * 24 * time.Hour).Add(time.Hour)
}

// Split partitions t by time. Rows at or after the cutoff are validation
// rows, the rest are training rows, so every validation hour is strictly
// later than every training hour.
func Split(t *features.Table, testDays int) (train, valid *features.Table, cutoff time.Time, err error) {
	if testDays <= 0 {
		return nil, nil, time.Time{}, eris.Errorf("forecast: test days must be positive, got %d", testDays)
	}
	if t.NumRows() == 0 {
		return nil, nil, time.Time{}, eris.Wrap(ErrEmptySplit, "forecast: empty table")
	}
	cutoff = Cutoff(t, testDays)
	train = t.FilterRows(func(i int) bool { return t.Hours[i].Before(cutoff) })
	valid = t.FilterRows(func(i int) bool { return !t.Hours[i].Before(cutoff) })
	if train.NumRows() == 0 {
		return nil, nil, cutoff, eris.Wrapf(ErrEmptySplit, "forecast: no training rows before %s", cutoff.Format(time.RFC3339))
	}
	if valid.NumRows() == 0 {
		return nil, nil, cutoff, eris.Wrapf(ErrEmptySplit, "forecast: no validation rows from %s", cutoff.Format(time.RFC3339))
	}
	return train, valid, cutoff, nil
}
