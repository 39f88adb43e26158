// Package probe dials a TCP endpoint with retries to check that a listener
// is accepting connections.
package probe

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Options controls Dial.
type Options struct {
	// Attempts is the number of dials before giving up. Values below 1 mean 1.
	Attempts int
	// Interval is the pause between attempts. Zero means 50ms.
	Interval time.Duration
	// Timeout bounds each individual dial. Zero means no per-dial bound.
	Timeout time.Duration
}

// Result describes a successful probe.
type Result struct {
	Address  string
	Attempts int
	Elapsed  time.Duration
}

// Dial connects to addr, retrying on failure. The returned connection is open
// and owned by the caller.
func Dial(ctx context.Context, addr string, opts Options) (net.Conn, Result, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = 50 * time.Millisecond
	}

	start := time.Now()
	dialer := &net.Dialer{Timeout: opts.Timeout}

	var lastErr error
	for i := 1; i <= opts.Attempts; i++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, Result{Address: addr, Attempts: i, Elapsed: time.Since(start)}, nil
		}
		lastErr = err

		if i == opts.Attempts {
			break
		}
		timer := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, Result{}, fmt.Errorf("dial %s failed after %d attempts: %w", addr, opts.Attempts, lastErr)
}

// Check dials addr and closes the connection immediately.
func Check(ctx context.Context, addr string, opts Options) (Result, error) {
	conn, res, err := Dial(ctx, addr, opts)
	if err != nil {
		return Result{}, err
	}
	_ = conn.Close()
	return res, nil
}
