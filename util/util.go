// util/util.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// ReportingReader

// ReportingReader wraps an io.Reader, logging the number of bytes read and
// the read rate every Every bytes and once more when it's closed. It's
// used for media copied out of backups, which may be large.
type ReportingReader struct {
	R   io.Reader
	Msg string
	Log *Logger
	// Zero reports every 16MiB.
	Every int64

	start     time.Time
	n, nextAt int64
}

const defaultReportEvery = 16 * 1024 * 1024

func (r *ReportingReader) Read(buf []byte) (int, error) {
	if r.start.IsZero() {
		r.start = time.Now()
		if r.Every <= 0 {
			r.Every = defaultReportEvery
		}
		r.nextAt = r.Every
	}

	n, err := r.R.Read(buf)
	r.n += int64(n)
	if r.n >= r.nextAt {
		r.report("")
		for r.nextAt <= r.n {
			r.nextAt += r.Every
		}
	}
	return n, err
}

// BytesRead returns the number of bytes returned by Read so far.
func (r *ReportingReader) BytesRead() int64 {
	return r.n
}

func (r *ReportingReader) report(prefix string) {
	secs := time.Since(r.start).Seconds()
	var rate int64
	if secs > 0 {
		rate = int64(float64(r.n) / secs)
	}
	r.Log.Verbose("%s%s %s [%s/s]", prefix, r.Msg, FmtBytes(r.n), FmtBytes(rate))
}

// Close logs a final report if anything was read and closes the
// underlying reader if it's an io.Closer.
func (r *ReportingReader) Close() error {
	if !r.start.IsZero() {
		r.report("done: ")
	}
	if c, ok := r.R.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

var byteUnits = []struct {
	size int64
	name string
}{
	{1 << 40, "TiB"},
	{1 << 30, "GiB"},
	{1 << 20, "MiB"},
	{1 << 10, "kiB"},
}

// FmtBytes formats a byte count with a binary unit.
func FmtBytes(n int64) string {
	for _, u := range byteUnits {
		if n >= u.size {
			return fmt.Sprintf("%.2f %s", float64(n)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%d B", n)
}
