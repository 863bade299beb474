package arprox

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Judge is an echo-style HTTP endpoint ("what headers did you see me send")
// used to classify a proxy's anonymity level. The broker's own real external
// IP comes from the resolver's echo URL, not from a judge. Mirrors
// proxybroker2's Judge class, minus the async
// scheme bookkeeping (handled by JudgeRegistry here instead).
type Judge struct {
	URL    string
	Scheme string // "HTTP" or "HTTPS"
	host   string
	port   int

	mu     sync.RWMutex
	ready  bool
	marks  judgeMarks
}

// judgeMarks is the case-insensitive "via"/"proxy" substring counts observed
// in the judge's own response body when fetched directly (not through a
// proxy). classifyAnonymity subtracts these baseline counts from what a
// probe through a candidate proxy observes, so a judge that itself mentions
// "via" in its page copy doesn't get every proxy misclassified as Anonymous.
type judgeMarks struct {
	via   int
	proxy int
}

// Marks returns the judge's baseline via/proxy substring counts, as recorded
// at Warmup.
func (j *Judge) Marks() judgeMarks {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.marks
}

func (j *Judge) setMarks(m judgeMarks) {
	j.mu.Lock()
	j.marks = m
	j.mu.Unlock()
}

// Host returns the judge's resolved/parsed host, used as the CONNECT/SOCKS
// tunnel target.
func (j *Judge) Host() string { return j.host }

// Port returns the judge's port (80/443 unless the URL specifies otherwise).
func (j *Judge) Port() int { return j.port }

// Ready reports whether the judge responded successfully to the registry's
// startup health check for its scheme.
func (j *Judge) Ready() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.ready
}

func (j *Judge) setReady(v bool) {
	j.mu.Lock()
	j.ready = v
	j.mu.Unlock()
}

// JudgeRegistry holds the configured judges, grouped and health-checked by
// scheme at broker start. It is the Go analogue of
// proxybroker2's Judge-selection logic in server.py/checker.py, extracted
// into its own component here.
type JudgeRegistry struct {
	mu      sync.RWMutex
	byScheme map[string][]*Judge
	client   *http.Client
}

// NewJudgeRegistry builds a registry from raw judge URLs (e.g.
// "http://httpbin.org/get", "https://httpbin.org/get"). Judges are grouped
// by URL scheme.
func NewJudgeRegistry(urls []string, timeout time.Duration) (*JudgeRegistry, error) {
	r := &JudgeRegistry{
		byScheme: make(map[string][]*Judge),
		client:   &http.Client{Timeout: timeout},
	}
	for _, u := range urls {
		j, err := newJudge(u)
		if err != nil {
			return nil, err
		}
		scheme := strings.ToUpper(j.Scheme)
		r.byScheme[scheme] = append(r.byScheme[scheme], j)
	}
	return r, nil
}

func newJudge(rawURL string) (*Judge, error) {
	var scheme, hostport string
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		scheme = "HTTPS"
		hostport = strings.TrimPrefix(rawURL, "https://")
	case strings.HasPrefix(rawURL, "http://"):
		scheme = "HTTP"
		hostport = strings.TrimPrefix(rawURL, "http://")
	default:
		return nil, fmt.Errorf("%w: judge url %q missing scheme", ErrConfiguration, rawURL)
	}
	host := hostport
	if i := strings.IndexAny(hostport, "/"); i >= 0 {
		host = hostport[:i]
	}
	port := 80
	if scheme == "HTTPS" {
		port = 443
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		var p int
		if _, err := fmt.Sscanf(host[i+1:], "%d", &p); err == nil {
			port = p
		}
		host = host[:i]
	}
	return &Judge{URL: rawURL, Scheme: scheme, host: host, port: port}, nil
}

// Warmup health-checks every configured judge concurrently: a successful GET
// marks it Ready, and the response body's own case-insensitive "via"/"proxy"
// substring counts become its baseline marks, fetched directly —
// not through any proxy — so later probes through a candidate proxy have
// something to compare against. Returns ErrConfiguration if a scheme
// required by requiredSchemes ends up with zero ready judges.
func (r *JudgeRegistry) Warmup(ctx context.Context, requiredSchemes []string) error {
	r.mu.RLock()
	all := make([]*Judge, 0)
	for _, js := range r.byScheme {
		all = append(all, js...)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, j := range all {
		wg.Add(1)
		go func(j *Judge) {
			defer wg.Done()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.URL, nil)
			if err != nil {
				return
			}
			resp, err := r.client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return
			}
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			lowered := strings.ToLower(string(body))
			j.setMarks(judgeMarks{
				via:   strings.Count(lowered, "via"),
				proxy: strings.Count(lowered, "proxy"),
			})
			j.setReady(true)
		}(j)
	}
	wg.Wait()

	for _, scheme := range requiredSchemes {
		if !r.hasReady(scheme) {
			return fmt.Errorf("%w: no judge ready for scheme %s", ErrConfiguration, scheme)
		}
	}
	return nil
}

func (r *JudgeRegistry) hasReady(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, j := range r.byScheme[scheme] {
		if j.Ready() {
			return true
		}
	}
	return false
}

// Pick returns a random ready judge for scheme, or false if none are ready.
func (r *JudgeRegistry) Pick(scheme string) (*Judge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ready []*Judge
	for _, j := range r.byScheme[scheme] {
		if j.Ready() {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return nil, false
	}
	return ready[rand.Intn(len(ready))], true
}

// probeCounts is what a probe through a candidate proxy observed: the
// case-insensitive "via"/"proxy" substring counts in the judge's response,
// and whether the broker's own real external IP surfaced anywhere in it.
type probeCounts struct {
	via         int
	proxy       int
	leakedRealIP bool
}

// classifyAnonymity classifies anonymity level: Transparent if the real
// external IP leaked into the response (the proxy forwarded it verbatim, or
// didn't proxy the connection at all); otherwise Anonymous if the via/proxy
// counts exceed the judge's own baseline marks (the proxy added
// identifying headers the judge doesn't already emit unprompted); otherwise
// High.
func classifyAnonymity(c probeCounts, baseline judgeMarks) Anonymity {
	if c.leakedRealIP {
		return Transparent
	}
	if c.via > baseline.via || c.proxy > baseline.proxy {
		return Anonymous
	}
	return High
}
