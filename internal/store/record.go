// Package store reads and writes the per-year text stores shared by the
// tracking stages: the centre store, the track store with its start/end
// sentinels, the discards file and the per-track index.
//
// Every record is one fixed-width line of sixteen integer columns:
//
//	year month day hour jd lat_cent lon_cent slp_raw slp_reg_mean laplacian
//	flags prob_centre track_id centre_id prev_uci next_uci
//
// A line of the wrong length or column count is malformed. Readers skip
// malformed lines with a warning and fail with ErrStoreCorrupt once they
// reach one percent of the store.
package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/couchcryptid/etc-composites/internal/domain"
)

const recordFormat = "%4d %02d %02d %02d %10d %6d %6d %11d %11d %10d %4d %3d %12d %12d %12d %12d"

// RecordWidth is the length of a record line without its newline.
const RecordWidth = 4 + 2 + 2 + 2 + 10 + 6 + 6 + 11 + 11 + 10 + 4 + 3 + 12 + 12 + 12 + 12 + 15

const columns = 16

// ErrMalformed marks a line that is not a valid record.
var ErrMalformed = errors.New("malformed record")

// Format renders c as a record line without a trailing newline. Values that
// overflow their column are rejected so every line keeps RecordWidth.
func Format(c domain.Centre) (string, error) {
	line := fmt.Sprintf(recordFormat,
		c.Year, c.Month, c.Day, c.Hour, int64(c.JD),
		c.LatCent, c.LonCent,
		c.SLP, c.RegionalMean, c.Laplacian,
		int(c.Flags), c.Prob,
		c.TrackID, c.CentreID, c.PrevID, c.NextID,
	)
	if len(line) != RecordWidth {
		return "", fmt.Errorf("centre %d at jd %d: value overflows its column", c.CentreID, c.JD)
	}
	return line, nil
}

// Parse decodes one record line. Surrounding whitespace other than the
// trailing newline or carriage return counts against the width check.
func Parse(line string) (domain.Centre, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) != RecordWidth {
		return domain.Centre{}, fmt.Errorf("%w: length %d, want %d", ErrMalformed, len(line), RecordWidth)
	}
	fields := strings.Fields(line)
	if len(fields) != columns {
		return domain.Centre{}, fmt.Errorf("%w: %d columns, want %d", ErrMalformed, len(fields), columns)
	}

	var v [columns]int64
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return domain.Centre{}, fmt.Errorf("%w: column %d: %v", ErrMalformed, i+1, err)
		}
		v[i] = n
	}

	c := domain.Centre{
		Year:         int(v[0]),
		Month:        int(v[1]),
		Day:          int(v[2]),
		Hour:         int(v[3]),
		JD:           domain.JD(v[4]),
		LatCent:      int(v[5]),
		LonCent:      int(v[6]),
		SLP:          v[7],
		RegionalMean: v[8],
		Laplacian:    v[9],
		Flags:        domain.Flags(v[10]),
		Prob:         int(v[11]),
		TrackID:      v[12],
		CentreID:     v[13],
		PrevID:       v[14],
		NextID:       v[15],
	}
	if c.Month < 1 || c.Month > 12 || c.Day < 1 || c.Day > 31 || c.Hour < 0 || c.Hour > 23 {
		return domain.Centre{}, fmt.Errorf("%w: bad timestamp %s", ErrMalformed, c.Stamp())
	}
	if c.JD.Hour() != c.Hour {
		return domain.Centre{}, fmt.Errorf("%w: jd %d disagrees with hour %d", ErrMalformed, c.JD, c.Hour)
	}
	if c.LatCent < -9000 || c.LatCent > 9000 || c.LonCent < 0 || c.LonCent >= 36000 {
		return domain.Centre{}, fmt.Errorf("%w: position (%d, %d) out of range", ErrMalformed, c.LatCent, c.LonCent)
	}
	return c, nil
}
