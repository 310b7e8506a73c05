package progress

import "io"

// Reader wraps an io.Reader and reports progress via a callback.
// The callback fires every interval bytes and once more when the stream ends,
// so the final count is always reported.
type Reader struct {
	Reader         io.Reader
	Total          int64 // -1 when unknown
	OnProgress     func(written int64, total int64)
	totalRead      int64 // cumulative total, including the starting offset
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
	done           bool
}

// NewReader returns a Reader whose count starts at offset. Resumed transfers
// pass the number of bytes they already hold.
func NewReader(r io.Reader, offset, total, interval int64, cb func(written int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		totalRead:      offset,
		reportInterval: interval,
	}
}

// Read implements io.Reader.
func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval || (pr.Total > 0 && pr.totalRead >= pr.Total) {
			pr.report()
		}
	}

	if err == io.EOF && pr.lastReport > 0 {
		pr.report()
	}

	return n, err
}

// Written returns the cumulative number of bytes read, including the starting offset.
func (pr *Reader) Written() int64 {
	return pr.totalRead
}

func (pr *Reader) report() {
	if pr.OnProgress != nil && !pr.done {
		pr.OnProgress(pr.totalRead, pr.Total)
	}

	pr.lastReport = 0

	if pr.Total > 0 && pr.totalRead >= pr.Total {
		pr.done = true
	}
}
