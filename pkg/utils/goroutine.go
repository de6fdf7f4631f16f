// Package utils holds test support shared by the transport and lifecycle
// packages.
package utils

import (
	"runtime"
	"strings"
	"testing"
	"time"
)

// Reporter is the subset of testing.TB the leak detector reports through
type Reporter interface {
	Helper()
	Errorf(format string, args ...interface{})
	Logf(format string, args ...interface{})
}

// GoroutineLeakDetector compares the goroutine count before and after a
// transport's lifetime. Background pumps, heartbeat loops and HTTP servers
// must all be gone once Close returns.
type GoroutineLeakDetector struct {
	r              Reporter
	initialCount   int
	allowedGrowth  int
	pollInterval   time.Duration
	settleTimeout  time.Duration
	stabilizeDelay time.Duration
}

// NewGoroutineLeakDetector creates a detector reporting to r
func NewGoroutineLeakDetector(r Reporter) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		r:              r,
		pollInterval:   20 * time.Millisecond,
		settleTimeout:  2 * time.Second,
		stabilizeDelay: 50 * time.Millisecond,
	}
}

// Track starts a detector for t and registers the check as a cleanup
func Track(t testing.TB) *GoroutineLeakDetector {
	t.Helper()
	d := NewGoroutineLeakDetector(t)
	d.Start()
	t.Cleanup(d.Check)
	return d
}

// Start records the baseline goroutine count
func (d *GoroutineLeakDetector) Start() {
	time.Sleep(d.stabilizeDelay)
	d.initialCount = runtime.NumGoroutine()
}

// Check polls until the count is back within the allowed growth or the
// settle timeout elapses, then reports the surviving goroutines.
func (d *GoroutineLeakDetector) Check() {
	d.r.Helper()

	deadline := time.Now().Add(d.settleTimeout)
	count := runtime.NumGoroutine()
	for count-d.initialCount > d.allowedGrowth && time.Now().Before(deadline) {
		time.Sleep(d.pollInterval)
		count = runtime.NumGoroutine()
	}

	leaked := count - d.initialCount
	if leaked <= d.allowedGrowth {
		return
	}
	d.r.Errorf("goroutine leak: started with %d, ended with %d (allowed growth %d)",
		d.initialCount, count, d.allowedGrowth)
	d.r.Logf("live goroutines:\n%s", interestingStacks())
}

// SetAllowedGrowth sets how many extra goroutines are tolerated
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetSettleTimeout bounds how long Check waits for goroutines to exit
func (d *GoroutineLeakDetector) SetSettleTimeout(timeout time.Duration) *GoroutineLeakDetector {
	d.settleTimeout = timeout
	return d
}

// interestingStacks drops the runtime and testing frames nobody leaks
func interestingStacks() string {
	buf := make([]byte, 1<<20)
	buf = buf[:runtime.Stack(buf, true)]

	var keep []string
	for _, g := range strings.Split(string(buf), "\n\n") {
		if strings.Contains(g, "testing.tRunner") && !strings.Contains(g, "mcprotocol-go") {
			continue
		}
		if strings.Contains(g, "runtime.goexit") && strings.Contains(g, "created by runtime") {
			continue
		}
		keep = append(keep, g)
	}
	return strings.Join(keep, "\n\n")
}
