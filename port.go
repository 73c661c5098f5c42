package workerdev

import (
	"context"
	"net"
	"strconv"
	"time"
)

const (
	portRetryInterval = 100 * time.Millisecond
	defaultPortWait   = 10 * time.Second
)

// waitForPort polls until host:port can be bound or timeout passes.
func waitForPort(ctx context.Context, host string, port int, timeout, interval time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if portFree(addr) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &PortUnavailableError{Addr: addr, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func portFree(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
