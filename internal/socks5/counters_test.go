package socks5

import "testing"

func TestCountersAccumulateAndReport(t *testing.T) {
	var lastUp, lastDown uint64
	calls := 0
	c := NewCounters(func(up, down uint64) {
		calls++
		lastUp, lastDown = up, down
	})

	c.AddUpload(10)
	c.AddDownload(3)
	c.AddUpload(5)

	up, down := c.Snapshot()
	if up != 15 || down != 3 {
		t.Fatalf("got up=%d down=%d, want up=15 down=3", up, down)
	}
	if calls != 3 {
		t.Fatalf("report called %d times, want 3", calls)
	}
	if lastUp != 15 || lastDown != 3 {
		t.Fatalf("last report saw up=%d down=%d, want up=15 down=3", lastUp, lastDown)
	}
}

func TestCountersNilReporterIsSafe(t *testing.T) {
	c := NewCounters(nil)
	c.AddUpload(1)
	c.AddDownload(1)
	up, down := c.Snapshot()
	if up != 1 || down != 1 {
		t.Fatalf("got up=%d down=%d", up, down)
	}
}
