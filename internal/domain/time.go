package domain

import "fmt"

// JD is the compact ordering key: dayNumber*100 + hour.
type JD int64

// NewJD builds a JD from a calendar day number and an hour of day.
func NewJD(dayNumber int64, hour int) JD {
	return JD(dayNumber*100 + int64(hour))
}

// JDFromHours is the inverse of JD.Hours.
func JDFromHours(hours int64) JD {
	return NewJD(hours/24, int(hours%24))
}

// DayNumber returns the calendar day number.
func (j JD) DayNumber() int64 { return int64(j) / 100 }

// Hour returns the hour of day.
func (j JD) Hour() int { return int(int64(j) % 100) }

// Hours returns the time in hours since the calendar epoch. Differences in
// Hours are exact elapsed time in every supported calendar.
func (j JD) Hours() int64 { return j.DayNumber()*24 + int64(j.Hour()) }

// Stamp is a calendar timestamp at hourly resolution.
type Stamp struct {
	Year  int
	Month int
	Day   int
	Hour  int
}

// StampOf converts a JD back to a calendar stamp.
func StampOf(cal Calendar, j JD) Stamp {
	y, m, d := cal.Date(j.DayNumber())
	return Stamp{Year: y, Month: m, Day: d, Hour: j.Hour()}
}

// JD converts the stamp to its ordering key in the given calendar.
func (s Stamp) JD(cal Calendar) JD {
	return NewJD(cal.DayNumber(s.Year, s.Month, s.Day), s.Hour)
}

func (s Stamp) String() string {
	return fmt.Sprintf("%04d-%02d-%02dT%02dZ", s.Year, s.Month, s.Day, s.Hour)
}
