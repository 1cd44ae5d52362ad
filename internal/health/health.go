package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// CheckTCPReachable dials addr and closes the connection immediately. Used
// by cmd/tswrite as an advisory preflight check on a TCP sink address.
func CheckTCPReachable(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp %s unreachable: %w", addr, err)
	}
	return conn.Close()
}

// CheckUDPResolvable resolves addr as a udp4 address without sending
// anything. UDP has no handshake to probe, so this only catches
// configuration errors (bad host, bad port) up front.
func CheckUDPResolvable(addr string) error {
	if _, err := net.ResolveUDPAddr("udp4", addr); err != nil {
		return fmt.Errorf("udp %s unresolvable: %w", addr, err)
	}
	return nil
}

// CheckMetricsEndpoint GETs url (a writer's own /metrics, or another
// instance's under supervision) and returns nil only on HTTP 200.
func CheckMetricsEndpoint(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("metrics endpoint unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}
