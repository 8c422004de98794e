package mesh

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// NewHTTPClient returns the client used for peer-to-peer HTTP calls. Dialing
// is forced to IPv4 to match the multicast discovery addresses.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ipv4Dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ipv4Dialer.DialContext(ctx, "tcp4", addr)
			},
			MaxIdleConns:       100,
			IdleConnTimeout:    90 * time.Second,
			DisableCompression: true,
		},
	}
}

// BaseURL is the HTTP root of a peer.
func (p PeerInfo) BaseURL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(p.IPAddress, fmt.Sprint(p.Port)))
}
