// Package domain models the records exchanged by the cyclone tracking stages.
//
// # Data Source
//
// Sea-level pressure arrives as per-year NetCDF files holding 6-hourly
// snapshots on a regular lon/lat grid. The centre finder scans each snapshot
// for candidate lows, the stitcher links candidates into tracks, and the
// compositor bins arbitrary fields around every track point.
//
// # Time Conventions
//
// Ordering uses a compact julian value:
//
//	JD = dayNumber*100 + hour   e.g. 72262806 = day 722628, 06Z
//
// dayNumber counts days since 0001-01-01 in the dataset's own calendar
// (standard, noleap, 360_day, ...), so consecutive snapshots are always one
// cadence apart in [JD.Hours] regardless of leap-day conventions.
//
// # Record Encoding
//
// Every numeric column is stored as a fixed-width integer so that a store
// written, read back and re-sorted is byte identical:
//
//	lat_cent, lon_cent   hundredths of a degree, lon in [0, 36000)
//	slp_raw, slp_reg     micro-hPa (1013.25 hPa -> 1013250000)
//	laplacian            micro-hPa per squared degree of latitude
//	prob_centre          percent, 100 when lap >= 2*lapp_cutoff
//
// Flags (bitwise):
//
//	1 land      centre gridpoint has land fraction >= thresh_landsea_lsm
//	2 merged    centre absorbed shallower candidates inside its contour
//	4 bridged   centre was reached across a one-step data gap
//	8 external  record came from an externally supplied track file
//	16 anomaly  snapshot had an anomalous centre count
//	32 / 64     track start / end sentinel (track store only)
//
// # ID Generation
//
// Centre ids (CSI) are year*10_000_000 + n and track ids (USI) are
// year*1_000_000 + m, with n and m counting from 1 in emission order. Both
// are unique across a multi-year run and monotone in time, without any
// coordination between concurrently processed years.
package domain
