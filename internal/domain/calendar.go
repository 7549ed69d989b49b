package domain

import (
	"fmt"
	"strings"
)

// Calendar converts between calendar dates and a sequential day number
// counted from 0001-01-01 in that calendar.
type Calendar interface {
	Name() string
	DayNumber(year, month, day int) int64
	Date(dayNumber int64) (year, month, day int)
	DaysInMonth(year, month int) int
}

type calendar struct {
	name        string
	isLeap      func(year int) bool
	yearStart   func(year int) int64 // day number of Jan 1st
	monthLength func(year, month int) int
}

var standardMonths = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func gregorianLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

var (
	gregorianCalendar = &calendar{
		name:   "gregorian",
		isLeap: gregorianLeap,
		yearStart: func(y int) int64 {
			p := int64(y - 1)
			return p*365 + p/4 - p/100 + p/400
		},
	}
	noLeapCalendar = &calendar{
		name:      "noleap",
		isLeap:    func(int) bool { return false },
		yearStart: func(y int) int64 { return int64(y-1) * 365 },
	}
	allLeapCalendar = &calendar{
		name:      "all_leap",
		isLeap:    func(int) bool { return true },
		yearStart: func(y int) int64 { return int64(y-1) * 366 },
	}
	day360Calendar = &calendar{
		name:        "360_day",
		isLeap:      func(int) bool { return false },
		yearStart:   func(y int) int64 { return int64(y-1) * 360 },
		monthLength: func(int, int) int { return 30 },
	}
)

// ParseCalendar maps a CF calendar attribute to a Calendar. An empty name is
// treated as the CF default (standard).
func ParseCalendar(name string) (Calendar, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "standard", "gregorian", "proleptic_gregorian":
		return gregorianCalendar, nil
	case "noleap", "365_day":
		return noLeapCalendar, nil
	case "all_leap", "366_day":
		return allLeapCalendar, nil
	case "360_day":
		return day360Calendar, nil
	default:
		return nil, fmt.Errorf("unsupported calendar %q", name)
	}
}

func (c *calendar) Name() string { return c.name }

func (c *calendar) DaysInMonth(year, month int) int {
	if c.monthLength != nil {
		return c.monthLength(year, month)
	}
	if month == 2 && c.isLeap(year) {
		return 29
	}
	return standardMonths[month-1]
}

func (c *calendar) DayNumber(year, month, day int) int64 {
	n := c.yearStart(year)
	for m := 1; m < month; m++ {
		n += int64(c.DaysInMonth(year, m))
	}
	return n + int64(day-1)
}

func (c *calendar) Date(dayNumber int64) (int, int, int) {
	// Estimate from the mean year length, then correct.
	y := int(dayNumber/366) + 1
	for c.yearStart(y+1) <= dayNumber {
		y++
	}
	for y > 1 && c.yearStart(y) > dayNumber {
		y--
	}
	rem := int(dayNumber - c.yearStart(y))
	m := 1
	for m < 12 && rem >= c.DaysInMonth(y, m) {
		rem -= c.DaysInMonth(y, m)
		m++
	}
	return y, m, rem + 1
}
