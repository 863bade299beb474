package arprox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Provider discovers raw candidate addresses ("host:port" strings or bare
// hostnames) from some source — a scraped web page, a static list, an API.
// Implementations do their own fetching; Provider itself only has to honor
// ctx cancellation.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Fetch returns the candidates found in one pass. Called repeatedly by
	// the ProviderRunner on its rescan interval.
	Fetch(ctx context.Context) ([]string, error)
}

// ProviderRunnerConfig bounds discovery fan-out and pacing.
type ProviderRunnerConfig struct {
	MaxConcurrent int           `default:"3"`
	RescanEvery   time.Duration `default:"180s"`
}

// ProviderRunner runs a fixed set of Providers with bounded concurrency,
// deduplicating candidates across providers and across rescans, and
// delivering each newly seen candidate once on out: a ceiling of 3
// concurrent fetches, a rescan backoff between passes, and per-provider
// failure isolation so one bad source never aborts a scan.
type ProviderRunner struct {
	providers []Provider
	cfg       ProviderRunnerConfig
	log       *slog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewProviderRunner builds a runner over providers with cfg, defaulting
// MaxConcurrent/RescanEvery if zero.
func NewProviderRunner(providers []Provider, cfg ProviderRunnerConfig) *ProviderRunner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.RescanEvery <= 0 {
		cfg.RescanEvery = 180 * time.Second
	}
	return &ProviderRunner{
		providers: providers,
		cfg:       cfg,
		log:       slog.Default().With("component", "provider"),
		seen:      make(map[string]bool),
	}
}

// Run fetches from every provider respecting MaxConcurrent, sending each
// newly seen candidate to out, then sleeps RescanEvery and repeats until ctx
// is cancelled. out is never closed by Run (the broker owns its lifetime);
// Run returns when ctx.Done() fires.
func (r *ProviderRunner) Run(ctx context.Context, out chan<- string) error {
	sem := make(chan struct{}, r.cfg.MaxConcurrent)
	ticker := time.NewTicker(r.cfg.RescanEvery)
	defer ticker.Stop()

	r.scanOnce(ctx, sem, out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.scanOnce(ctx, sem, out)
		}
	}
}

func (r *ProviderRunner) scanOnce(ctx context.Context, sem chan struct{}, out chan<- string) {
	var wg sync.WaitGroup
	for _, p := range r.providers {
		select {
		case <-ctx.Done():
			return
		default:
		}
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			candidates, err := p.Fetch(ctx)
			if err != nil {
				// Per-provider failure isolation: a single bad provider never
				// aborts the scan; it just contributes nothing this round.
				r.log.Warn("provider fetch failed", "provider", p.Name(), "err", err)
				return
			}
			r.mu.Lock()
			fresh := make([]string, 0, len(candidates))
			for _, c := range candidates {
				if !r.seen[c] {
					r.seen[c] = true
					fresh = append(fresh, c)
				}
			}
			r.mu.Unlock()

			for _, c := range fresh {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}(p)
	}
	wg.Wait()
}

// StaticProvider is a Provider over a fixed, caller-supplied list —
// sufficient for tests and simple deployments
// that feed candidates from a config file rather than scraping one.
type StaticProvider struct {
	ProviderName string
	Candidates   []string
}

func (s StaticProvider) Name() string { return s.ProviderName }

func (s StaticProvider) Fetch(ctx context.Context) ([]string, error) {
	out := make([]string, len(s.Candidates))
	copy(out, s.Candidates)
	return out, nil
}
