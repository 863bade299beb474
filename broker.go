package arprox

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/grishkovelli/arprox/internal/dashboard"
	"github.com/grishkovelli/arprox/internal/dnsbl"
	"github.com/grishkovelli/arprox/internal/geoip"
	"github.com/grishkovelli/arprox/internal/metrics"
	"github.com/grishkovelli/arprox/internal/resolver"
	"github.com/grishkovelli/arprox/pkg/pool"
)

// proxyEntry adapts *Proxy to pkg/pool.Entry without the pool package ever
// importing the domain types, keeping the dependency direction one-way
// (arprox -> pkg/pool).
type proxyEntry struct{ p *Proxy }

func (e proxyEntry) Addr() string      { return e.p.Addr() }
func (e proxyEntry) Schemes() []string { return e.p.Schemes() }
func (e proxyEntry) Priority() (float64, time.Duration) {
	pr := e.p.Priority()
	return pr.ErrorRate, pr.AvgRespTime
}
func (e proxyEntry) Requests() int { return e.p.Stat.requestCount() }

// brokerPool adapts *pool.Pool to the ForwarderPool interface forwarder.go
// expects, unwrapping proxyEntry back to *Proxy.
type brokerPool struct{ p *pool.Pool }

func (b brokerPool) Get(scheme string) (*Proxy, error) {
	e, err := b.p.Get(scheme)
	if err != nil {
		return nil, fmt.Errorf("%w", ErrNoProxy)
	}
	pe, ok := e.(proxyEntry)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected pool entry type", ErrConfiguration)
	}
	return pe.p, nil
}

func (b brokerPool) Remove(addr string) { b.p.Remove(addr) }

// Broker orchestrates the full lifecycle: provider discovery feeds a
// dedup/resolve stage, resolved candidates are checked, passing proxies
// enter the ranked pool, and the forwarding server (for Serve) draws from
// that pool. Mirrors proxybroker2's Broker/ProxyPool/Server triad.
type Broker struct {
	cfg *Config
	log *slog.Logger

	resolver *resolver.Resolver
	judges   *JudgeRegistry
	checker  *Checker
	dnsbl    *dnsbl.Checker
	pool     *pool.Pool
	metrics  *metrics.Collector
	dash     *dashboard.Server

	providers *ProviderRunner

	seenMu sync.Mutex
	seen   map[string]bool
}

// NewBroker wires every subsystem from cfg. requiredSchemes lists the
// schemes ("HTTP", "HTTPS") the judge registry must have at least one ready
// judge for; NewBroker returns ErrConfiguration if that fails.
func NewBroker(ctx context.Context, cfg *Config, providers []Provider, requiredSchemes []string) (*Broker, error) {
	var geoLookup resolver.GeoLookup
	if cfg.GeoIPPath != "" {
		db, err := geoip.Open(cfg.GeoIPPath)
		if err != nil {
			return nil, err
		}
		geoLookup = db
	}

	res := resolver.New(cfg.Nameserver, "", geoLookup)

	judges, err := NewJudgeRegistry(cfg.Judges, cfg.CheckTimeout)
	if err != nil {
		return nil, err
	}
	if err := judges.Warmup(ctx, requiredSchemes); err != nil {
		return nil, err
	}

	realIP, err := res.GetRealExternalIP(ctx)
	realIPStr := ""
	if err == nil {
		realIPStr = realIP.String()
	}

	var dnsblChecker *dnsbl.Checker
	if len(cfg.DNSBLZones) > 0 {
		dnsblChecker = dnsbl.New(cfg.DNSBLZones, cfg.Nameserver)
	}

	checker := NewChecker(judges, wrapDNSBL(dnsblChecker), CheckerConfig{
		Timeout: cfg.CheckTimeout,
		MaxTries: cfg.CheckMaxTries,
		Strict:  cfg.StrictMode,
		RealIP:  realIPStr,
	})

	p := pool.New(pool.Config{
		MinQueue:         cfg.PoolMinQueue,
		MaxSize:          cfg.PoolMaxSize,
		MaxImportRetries: cfg.PoolMaxImportRetries,
		MinReqProxy:      cfg.PoolMinReqProxy,
		MaxErrorRate:     cfg.PoolMaxErrorRate,
		MaxRespTime:      cfg.PoolMaxRespTime,
	})

	collector := metrics.NewCollector(metrics.Config{}, nil)
	dash := dashboard.New(cfg.DashboardAddr, collector)

	runner := NewProviderRunner(providers, ProviderRunnerConfig{
		MaxConcurrent: cfg.MaxConcurrentProviders,
		RescanEvery:   cfg.RescanEvery,
	})

	return &Broker{
		cfg:       cfg,
		log:       slog.Default().With("component", "broker"),
		resolver:  res,
		judges:    judges,
		checker:   checker,
		dnsbl:     dnsblChecker,
		pool:      p,
		metrics:   collector,
		dash:      dash,
		providers: runner,
		seen:      make(map[string]bool),
	}, nil
}

// wrapDNSBL adapts a possibly-nil *dnsbl.Checker to the nil-able
// DNSBLChecker interface Checker expects (a nil *dnsbl.Checker boxed into a
// non-nil interface would otherwise make Checker.dnsbl != nil checks lie).
func wrapDNSBL(c *dnsbl.Checker) DNSBLChecker {
	if c == nil {
		return nil
	}
	return c
}

// Grab runs discovery and checking but never forwards traffic, delivering
// at most limit proxies that pass the check to out, then closes out (the Go
// idiom for proxybroker2's null-sentinel termination). Returns ErrValue
// synchronously if limit <= 0. Returns when ctx is cancelled or limit
// proxies have been emitted. The provider runner rescans its providers
// every RescanEvery and never closes the candidate stream, so running out
// of fresh candidates does not end the call. Matches proxybroker2's
// Broker.grab / the "grab" example scenario.
func (b *Broker) Grab(ctx context.Context, out chan<- *Proxy, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w: limit must be > 0", ErrValue)
	}
	defer close(out)

	candidates := make(chan string, 256)
	go func() {
		if err := b.providers.Run(ctx, candidates); err != nil {
			b.log.Debug("provider runner stopped", "err", err)
		}
	}()

	sent := 0
	for sent < limit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-candidates:
			if !ok {
				return nil
			}
			if b.dispatchCandidate(ctx, raw, out, false) {
				sent++
			}
		}
	}
	return nil
}

// Find runs discovery, checking, and admits passing proxies into the ranked
// pool, delivering at most limit of them to out (if non-nil) before closing
// it and returning. Returns ErrValue synchronously if limit <= 0. Returns
// when ctx is cancelled or limit successes have been admitted; as with
// Grab, an exhausted provider set does not end the call.
func (b *Broker) Find(ctx context.Context, out chan<- *Proxy, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w: limit must be > 0", ErrValue)
	}
	if out != nil {
		defer close(out)
	}

	candidates := make(chan string, 256)
	go func() {
		if err := b.providers.Run(ctx, candidates); err != nil {
			b.log.Debug("provider runner stopped", "err", err)
		}
	}()

	cronSched := cron.New()
	spec := fmt.Sprintf("@every %s", b.cfg.RescanEvery)
	if _, err := cronSched.AddFunc(spec, func() {
		b.metrics.PoolDepth.WithLabelValues("total").Set(float64(b.pool.Len()))
	}); err != nil {
		return fmt.Errorf("%w: cron schedule %q: %v", ErrConfiguration, spec, err)
	}
	cronSched.Start()
	defer cronSched.Stop()

	admitted := 0
	for admitted < limit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-candidates:
			if !ok {
				return nil
			}
			if b.dispatchCandidate(ctx, raw, out, true) {
				admitted++
			}
		}
	}
	return nil
}

// Serve runs Find's pipeline atop an internal find session (capped at
// limit successes) alongside the forwarding server and the dashboard,
// blocking until ctx is cancelled. Returns ErrValue synchronously if
// limit <= 0.
func (b *Broker) Serve(ctx context.Context, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w: limit must be > 0", ErrValue)
	}

	fwd := NewServer(ServerConfig{
		Addr:          b.cfg.ForwardAddr,
		MaxTries:      b.cfg.ForwardMaxTries,
		HistoryTTL:      b.cfg.ForwardHistoryTTL,
		PreferConnect:   b.cfg.ForwardPreferConnect,
		InjectProxyInfo: true,
	}, brokerPool{p: b.pool})

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.Find(ctx, nil, limit); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fwd.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.dash.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		<-done
		return nil
	case err := <-errCh:
		return err
	}
}

// dispatchCandidate resolves, dedups, and checks one raw candidate
// ("host:port" or "host" with an implied default port), admitting it to the
// pool when admit is true and/or delivering it to out when non-nil. Returns
// true iff the candidate qualified (passed the check and, when out is
// non-nil, was successfully delivered) — the signal Grab/Find use to count
// against their limit.
func (b *Broker) dispatchCandidate(ctx context.Context, raw string, out chan<- *Proxy, admit bool) bool {
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		host, portStr = raw, "8080"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false
	}

	ip, err := b.resolver.Resolve(ctx, host)
	if err != nil {
		return false
	}
	addr := net.JoinHostPort(ip.String(), portStr)

	b.seenMu.Lock()
	if b.seen[addr] {
		b.seenMu.Unlock()
		return false
	}
	b.seen[addr] = true
	b.seenMu.Unlock()

	proxy, err := NewProxy(ip.String(), port)
	if err != nil {
		return false
	}
	geo := b.resolver.Geo(ip.String())
	proxy.Geo = GeoRecord{
		CountryCode: geo.CountryCode,
		CountryName: geo.CountryName,
		RegionCode:  geo.RegionCode,
		RegionName:  geo.RegionName,
		City:        geo.City,
	}

	if err := b.checker.Check(ctx, proxy); err != nil {
		b.log.Debug("proxy failed check", "addr", addr, "err", err)
		return false
	}

	b.dash.Broadcast("check", map[string]any{"addr": addr, "schemes": proxy.Schemes()})

	if admit {
		b.pool.Put(proxyEntry{p: proxy})
	}
	if out != nil {
		select {
		case out <- proxy:
			return true
		case <-ctx.Done():
			return false
		}
	}
	return true
}
