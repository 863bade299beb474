// Package dnsbl checks IPv4 addresses against configured DNS block-list
// zones (Spamhaus ZEN and similar), the pre-filter the checker applies
// before spending a protocol sweep on a candidate that is already known bad.
package dnsbl

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// Checker holds the configured zone suffixes and the resolver used to
// query them.
type Checker struct {
	Zones      []string
	Nameserver string // "host:port"; defaults to "8.8.8.8:53"
	client     *dns.Client
}

// New builds a Checker. If nameserver is empty, 8.8.8.8:53 is used.
func New(zones []string, nameserver string) *Checker {
	if nameserver == "" {
		nameserver = "8.8.8.8:53"
	}
	return &Checker{Zones: zones, Nameserver: nameserver, client: new(dns.Client)}
}

// IsListed reverses ip's octets and queries "<reversed>.<zone>" as an A
// record against every configured zone concurrently, returning true on the
// first zone that answers with any A record (any hit rejects the address,
// matching the broker's Open Question decision). An NXDOMAIN answer means
// "not listed". A zone whose query fails (transport error or timeout, or a
// response code other than success/NXDOMAIN such as SERVFAIL) is treated as
// "not listed" for that zone; IsListed only errors if every zone query fails.
func (c *Checker) IsListed(ctx context.Context, ip string) (bool, error) {
	if len(c.Zones) == 0 {
		return false, nil
	}
	reversed, err := reverseIPv4(ip)
	if err != nil {
		return false, err
	}

	type result struct {
		listed bool
		err    error
	}
	results := make(chan result, len(c.Zones))

	var wg sync.WaitGroup
	for _, zone := range c.Zones {
		wg.Add(1)
		go func(zone string) {
			defer wg.Done()
			listed, err := c.queryZone(ctx, reversed, zone)
			results <- result{listed, err}
		}(zone)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	failures := 0
	for r := range results {
		if r.err != nil {
			failures++
			continue
		}
		if r.listed {
			return true, nil
		}
	}
	if failures == len(c.Zones) {
		return false, fmt.Errorf("dnsbl: all %d zone queries failed", len(c.Zones))
	}
	return false, nil
}

func (c *Checker) queryZone(ctx context.Context, reversed, zone string) (bool, error) {
	fqdn := reversed + "." + zone + "."
	m := new(dns.Msg)
	m.SetQuestion(fqdn, dns.TypeA)
	m.RecursionDesired = true

	in, _, err := c.client.ExchangeContext(ctx, m, c.Nameserver)
	if err != nil {
		return false, err
	}
	if in.Rcode == dns.RcodeNameError {
		return false, nil // NXDOMAIN: not listed
	}
	if in.Rcode != dns.RcodeSuccess {
		return false, fmt.Errorf("dnsbl: %s rcode %d", zone, in.Rcode)
	}
	for _, rr := range in.Answer {
		if _, ok := rr.(*dns.A); ok {
			return true, nil
		}
	}
	return false, nil
}

// reverseIPv4 turns "1.2.3.4" into "4.3.2.1", the query-label convention
// every DNSBL zone uses.
func reverseIPv4(ip string) (string, error) {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return "", fmt.Errorf("dnsbl: %q is not an IPv4 address", ip)
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return "", fmt.Errorf("dnsbl: %q is not an IPv4 address", ip)
		}
	}
	return parts[3] + "." + parts[2] + "." + parts[1] + "." + parts[0], nil
}
