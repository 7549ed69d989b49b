package field

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/couchcryptid/etc-composites/internal/domain"
)

// TimeAxis decodes CF "<unit> since <origin>" offsets into JDs.
type TimeAxis struct {
	cal         domain.Calendar
	originHours float64
	hoursPer    float64
}

var unitHours = map[string]float64{
	"day": 24, "days": 24, "d": 24,
	"hour": 1, "hours": 1, "hr": 1, "hrs": 1, "h": 1,
	"minute": 1.0 / 60, "minutes": 1.0 / 60, "min": 1.0 / 60, "mins": 1.0 / 60,
	"second": 1.0 / 3600, "seconds": 1.0 / 3600, "sec": 1.0 / 3600, "secs": 1.0 / 3600, "s": 1.0 / 3600,
}

// ParseTimeAxis parses units such as "hours since 1800-01-01 00:00:0.0" in
// the given calendar.
func ParseTimeAxis(units string, cal domain.Calendar) (*TimeAxis, error) {
	unit, origin, ok := strings.Cut(strings.TrimSpace(units), " since ")
	if !ok {
		return nil, fmt.Errorf("time units %q: missing \"since\"", units)
	}
	hoursPer, ok := unitHours[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return nil, fmt.Errorf("time units %q: unknown unit %q", units, unit)
	}

	originHours, err := parseOrigin(strings.TrimSpace(origin), cal)
	if err != nil {
		return nil, fmt.Errorf("time units %q: %w", units, err)
	}
	return &TimeAxis{cal: cal, originHours: originHours, hoursPer: hoursPer}, nil
}

// parseOrigin returns hours since the calendar epoch for "Y-M-D[ T]h:m:s".
func parseOrigin(s string, cal domain.Calendar) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSuffix(s, "Z"), " UTC")
	datePart, clockPart, _ := strings.Cut(strings.Replace(s, "T", " ", 1), " ")

	ymd := strings.Split(datePart, "-")
	if len(ymd) != 3 {
		return 0, fmt.Errorf("origin date %q", datePart)
	}
	var parts [3]int
	for i, p := range ymd {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("origin date %q: %w", datePart, err)
		}
		parts[i] = v
	}
	if parts[1] < 1 || parts[1] > 12 || parts[2] < 1 || parts[2] > cal.DaysInMonth(parts[0], parts[1]) {
		return 0, fmt.Errorf("origin date %q out of range in %s calendar", datePart, cal.Name())
	}
	hours := float64(cal.DayNumber(parts[0], parts[1], parts[2]) * 24)

	clockPart = strings.TrimSpace(clockPart)
	if clockPart == "" {
		return hours, nil
	}
	// Drop a trailing UTC offset; reanalysis origins are UTC.
	if i := strings.IndexAny(clockPart, "+ "); i > 0 {
		clockPart = clockPart[:i]
	}
	hms := strings.Split(clockPart, ":")
	scale := 1.0
	for _, p := range hms {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, fmt.Errorf("origin time %q: %w", clockPart, err)
		}
		hours += v * scale
		scale /= 60
	}
	return hours, nil
}

// JD converts an offset along the axis to the nearest whole hour.
func (a *TimeAxis) JD(offset float64) domain.JD {
	return domain.JDFromHours(int64(math.Round(a.originHours + offset*a.hoursPer)))
}

// Calendar returns the axis calendar.
func (a *TimeAxis) Calendar() domain.Calendar { return a.cal }

// decodeTimes converts a raw time coordinate into JDs, failing with
// ErrTimeDisorder unless they strictly increase.
func decodeTimes(c Coord, calendarOverride string) ([]domain.JD, domain.Calendar, error) {
	name := calendarOverride
	if name == "" {
		name = c.Calendar
	}
	cal, err := domain.ParseCalendar(name)
	if err != nil {
		return nil, nil, err
	}
	axis, err := ParseTimeAxis(c.Units, cal)
	if err != nil {
		return nil, nil, err
	}

	jds := make([]domain.JD, len(c.Values))
	for t, v := range c.Values {
		jds[t] = axis.JD(v)
		if t > 0 && jds[t].Hours() <= jds[t-1].Hours() {
			return nil, nil, fmt.Errorf("step %d (%s) does not follow %s: %w",
				t, domain.StampOf(cal, jds[t]), domain.StampOf(cal, jds[t-1]), domain.ErrTimeDisorder)
		}
	}
	return jds, cal, nil
}
