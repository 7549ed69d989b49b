package store

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"github.com/couchcryptid/etc-composites/internal/domain"
)

// CentreWriter appends finder output to a centre store. Each step is flushed
// as a whole so an interrupted run leaves at most one partial line.
type CentreWriter struct {
	f *os.File
	w *bufio.Writer
	n int
}

// OpenCentreWriter opens path for appending, creating it if needed.
func OpenCentreWriter(path string) (*CentreWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open centre store: %w", err)
	}
	return &CentreWriter{f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one step's centres, which must already be in centre_id order.
func (cw *CentreWriter) Append(cs []domain.Centre) error {
	for _, c := range cs {
		line, err := Format(c)
		if err != nil {
			return err
		}
		if _, err := cw.w.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("append centre %d: %w", c.CentreID, err)
		}
		cw.n++
	}
	return cw.w.Flush()
}

// Written returns the number of records appended through this writer.
func (cw *CentreWriter) Written() int { return cw.n }

// Close flushes and closes the store.
func (cw *CentreWriter) Close() error {
	if err := cw.w.Flush(); err != nil {
		_ = cw.f.Close()
		return err
	}
	return cw.f.Close()
}

// Resume describes where an interrupted centre store picks up.
type Resume struct {
	Found     bool      // a store existed
	From      domain.JD // first JD that must be (re)processed; 0 means from the start
	LastID    int64     // largest kept CSI, 0 when none
	LastKept  domain.JD // last JD retained, 0 when none
	PrevCount int       // centres at LastKept
	Kept      int       // records retained
	Truncated bool      // a partial trailing line was removed
}

// RepairCentreStore makes an existing store safe to append to. A trailing
// partial line is cut, and every record of the last JD present is dropped
// because that step may be incomplete. The file is rewritten atomically.
// A missing store returns a zero Resume.
func RepairCentreStore(path string, logger *slog.Logger) (Resume, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Resume{}, nil
	}
	if err != nil {
		return Resume{}, fmt.Errorf("read centre store: %w", err)
	}

	res := Resume{Found: true}
	if n := len(raw); n > 0 && raw[n-1] != '\n' {
		cut := bytes.LastIndexByte(raw, '\n') + 1
		logger.Warn("truncating partial record", "store", path, "bytes", n-cut)
		raw = raw[:cut]
		res.Truncated = true
	}

	recs, _, err := Read(bytes.NewReader(raw), path, logger)
	if err != nil {
		return Resume{}, err
	}
	if len(recs) == 0 {
		return res, WriteFileAtomic(path, nil)
	}
	SortCentreOrder(recs)

	last := recs[len(recs)-1].JD
	kept := recs
	for len(kept) > 0 && kept[len(kept)-1].JD == last {
		kept = kept[:len(kept)-1]
	}
	res.From = last
	res.Kept = len(kept)
	if len(kept) > 0 {
		tail := kept[len(kept)-1].JD
		res.LastKept = tail
		for i := len(kept) - 1; i >= 0 && kept[i].JD == tail; i-- {
			res.PrevCount++
		}
		for _, c := range kept {
			res.LastID = max(res.LastID, c.CentreID)
		}
	}
	if err := WriteFileAtomic(path, kept); err != nil {
		return Resume{}, err
	}
	logger.Info("resuming centre store",
		"store", path, "kept", res.Kept, "dropped", len(recs)-len(kept), "from_jd", int64(res.From))
	return res, nil
}
