package tor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// NewSocksHTTPClient builds an HTTP client that routes every connection
// through the runtime's SOCKS5 endpoint. Onion hosts only resolve inside
// the network, so the dialer must never fall back to direct dialing.
func NewSocksHTTPClient(host string, port int, timeout time.Duration) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks dialer: %w", err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks dialer lacks context support")
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return contextDialer.DialContext(ctx, network, addr)
		},
		DisableKeepAlives:     true,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
