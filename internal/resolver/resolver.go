// Package resolver turns hostnames into literal IPs, caching answers for
// their advertised TTL, and separately reports the broker's own apparent
// external IP — the baseline anonymity classification is measured against.
package resolver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/grishkovelli/arprox/internal/geoip"
)

// GeoLookup is implemented by *geoip.DB; declared as an interface so callers
// can substitute a fake in tests without linking sqlite.
type GeoLookup interface {
	Lookup(ip string) (geoip.Record, error)
}

type cacheEntry struct {
	ip        net.IP
	expiresAt time.Time
}

// Resolver wraps a DNS client with a TTL-respecting resolution cache and an
// optional GeoIP backend.
type Resolver struct {
	client     *dns.Client
	nameserver string
	geo        GeoLookup

	mu    sync.Mutex
	cache map[string]cacheEntry

	realIPOnce sync.Once
	realIP     net.IP
	realIPErr  error
	echoURL    string
	httpClient *http.Client
}

// New builds a Resolver. nameserver defaults to "8.8.8.8:53"; echoURL
// defaults to an IP-echo endpoint used by GetRealExternalIP. geo may be nil
// to skip location annotation.
func New(nameserver, echoURL string, geo GeoLookup) *Resolver {
	if nameserver == "" {
		nameserver = "8.8.8.8:53"
	}
	if echoURL == "" {
		echoURL = "https://api.ipify.org"
	}
	return &Resolver{
		client:     new(dns.Client),
		nameserver: nameserver,
		geo:        geo,
		cache:      make(map[string]cacheEntry),
		echoURL:    echoURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Resolve returns host's IPv4 address, trying the TTL cache first. If host
// is already an IP literal it is returned unchanged with no cache entry
// created.
func (r *Resolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	r.mu.Lock()
	if entry, ok := r.cache[host]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.ip, nil
	}
	r.mu.Unlock()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.nameserver)
	if err != nil {
		return nil, fmt.Errorf("resolve error: %s: %w", host, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolve error: %s: rcode %d", host, in.Rcode)
	}

	var ip net.IP
	ttl := uint32(300)
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			ip = a.A
			ttl = a.Hdr.Ttl
			break
		}
	}
	if ip == nil {
		return nil, fmt.Errorf("resolve error: %s: no A record", host)
	}

	r.mu.Lock()
	r.cache[host] = cacheEntry{ip: ip, expiresAt: time.Now().Add(time.Duration(ttl) * time.Second)}
	r.mu.Unlock()

	return ip, nil
}

// Geo returns the GeoIP record for ip, or geoip.Unknown if no GeoLookup was
// configured.
func (r *Resolver) Geo(ip string) geoip.Record {
	if r.geo == nil {
		return geoip.Unknown
	}
	rec, err := r.geo.Lookup(ip)
	if err != nil {
		return geoip.Unknown
	}
	return rec
}

// GetRealExternalIP fetches the broker's own apparent egress IP once per
// Resolver lifetime and caches it; every subsequent call returns the same
// value without another network round-trip. Required input to the
// checker's anonymity classification (a proxy is Transparent if a judge
// observes this IP passed through unmodified).
func (r *Resolver) GetRealExternalIP(ctx context.Context) (net.IP, error) {
	r.realIPOnce.Do(func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.echoURL, nil)
		if err != nil {
			r.realIPErr = err
			return
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			r.realIPErr = fmt.Errorf("resolve error: real IP lookup: %w", err)
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
		if err != nil {
			r.realIPErr = fmt.Errorf("resolve error: real IP lookup: %w", err)
			return
		}
		ip := net.ParseIP(strings.TrimSpace(string(body)))
		if ip == nil {
			r.realIPErr = fmt.Errorf("resolve error: real IP lookup returned non-IP body")
			return
		}
		r.realIP = ip
	})
	return r.realIP, r.realIPErr
}
