package provider

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. The header timeout bounds the wait for upstream
// response headers independently of body streaming time.
func NewTransport(resolver *dnscache.Resolver, headerTimeout time.Duration) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// NewHTTPClient wraps the transport with an overall per-attempt deadline
// covering the full body read.
func NewHTTPClient(resolver *dnscache.Resolver, headerTimeout, bodyTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: NewTransport(resolver, headerTimeout),
		Timeout:   bodyTimeout,
	}
}
