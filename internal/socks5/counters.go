package socks5

import "sync/atomic"

// TrafficReporter is the injected "traffic UI" capability: called after
// every accounting update with the running totals. The
// contract requires it to be non-blocking — Counters holds no lock while
// calling it (atomic counters replace the C source's mutex-protected
// pair), so relays may call it concurrently, and a slow reporter stalls
// the goroutine that performed the I/O.
type TrafficReporter func(upload, download uint64)

// Counters holds the two monotonically non-decreasing traffic totals.
// Safe for concurrent use by every active relay.
type Counters struct {
	upload   atomic.Uint64
	download atomic.Uint64
	report   TrafficReporter
}

// NewCounters builds a Counters that invokes report (if non-nil) after
// each update.
func NewCounters(report TrafficReporter) *Counters {
	return &Counters{report: report}
}

// AddUpload credits n bytes read from the client to the upload total.
func (c *Counters) AddUpload(n uint64) { c.add(n, 0) }

// AddDownload credits n bytes read from the target to the download
// total.
func (c *Counters) AddDownload(n uint64) { c.add(0, n) }

func (c *Counters) add(up, down uint64) {
	if up > 0 {
		c.upload.Add(up)
	}
	if down > 0 {
		c.download.Add(down)
	}
	if c.report != nil {
		c.report(c.upload.Load(), c.download.Load())
	}
}

// Snapshot returns the current totals.
func (c *Counters) Snapshot() (upload, download uint64) {
	return c.upload.Load(), c.download.Load()
}
