package arprox

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DNSBLChecker is implemented by internal/dnsbl.Checker. Declared here as an
// interface (rather than importing internal/dnsbl directly) so the Checker
// does not depend on internal/dnsbl; broker.go imports it and hands a
// *dnsbl.Checker in through wrapDNSBL.
type DNSBLChecker interface {
	IsListed(ctx context.Context, ip string) (bool, error)
}

// CheckerConfig controls a Checker's behavior.
type CheckerConfig struct {
	Timeout       time.Duration `default:"8s"`
	MaxTries      int           `default:"3"`
	Strict        bool          // when true, a proxy must satisfy every ExpectedTypes entry, not just one
	RealIP        string        // broker's own apparent egress IP, from Resolver.GetRealExternalIP
	RequiredHTTPAnonLvl Anonymity // e.g. High, to reject Transparent/Anonymous proxies outright, whether or not Strict is set
}

// Checker runs the deterministic protocol sweep against a single Proxy:
// DNSBL pre-filter, then HTTP, CONNECT:80, CONNECT:25, SOCKS4, SOCKS5,
// HTTPS in that fixed order, recording
// every discovered protocol and, for HTTP, its anonymity class.
type Checker struct {
	judges *JudgeRegistry
	dnsbl  DNSBLChecker // nil disables the DNSBL pre-filter
	cfg    CheckerConfig
	log    *slog.Logger
}

// NewChecker builds a Checker. dnsbl may be nil to skip the block-list
// pre-filter entirely.
func NewChecker(judges *JudgeRegistry, dnsbl DNSBLChecker, cfg CheckerConfig) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 3
	}
	if cfg.RequiredHTTPAnonLvl == "" {
		cfg.RequiredHTTPAnonLvl = Transparent // accept anything by default
	}
	return &Checker{judges: judges, dnsbl: dnsbl, cfg: cfg, log: slog.Default().With("component", "checker")}
}

// Check runs the full protocol sweep against proxy, mutating it in place
// (SetType for each discovered protocol) and returning the first fatal
// error that should remove the candidate from consideration entirely
// (DNSBL hit, zero protocols discovered after the sweep, a strict-mode
// miss, or an HTTP anonymity level below RequiredHTTPAnonLvl). Per-protocol
// negotiation failures are recorded on the Proxy's stats and do not abort
// the sweep.
func (c *Checker) Check(ctx context.Context, proxy *Proxy) error {
	sessionID := uuid.NewString()
	log := c.log.With("proxy", proxy.Addr(), "session", sessionID)

	if c.dnsbl != nil {
		listed, err := c.dnsbl.IsListed(ctx, proxy.Host)
		if err != nil {
			log.Debug("dnsbl check failed, proceeding", "err", err)
		} else if listed {
			proxy.logEvent("dnsbl listed", 0, nil)
			return fmt.Errorf("%w: %s is DNSBL-listed", ErrValue, proxy.Host)
		}
	}

	protocols := AllProtocols
	if len(proxy.ExpectedTypes) > 0 {
		filtered := make([]string, 0, len(protocols))
		for _, p := range protocols {
			if proxy.ExpectedTypes[p] {
				filtered = append(filtered, p)
			}
		}
		protocols = filtered
	}

	found := 0
	for _, protoName := range protocols {
		ngtr, ok := NGTRS[protoName]
		if !ok {
			continue
		}
		if err := c.attempt(ctx, proxy, ngtr, log); err != nil {
			log.Debug("protocol negotiation failed", "protocol", protoName, "err", err)
			continue
		}
		found++
	}

	if found == 0 {
		return fmt.Errorf("%w: no protocol negotiated for %s", ErrBadResponse, proxy.Addr())
	}

	if c.cfg.Strict && len(proxy.ExpectedTypes) > 0 && found < len(protocols) {
		return fmt.Errorf("%w: strict mode requires all expected protocols", ErrValue)
	}

	if lvl, ok := proxy.Types()[ProtoHTTP]; ok {
		if anonRank(lvl) < anonRank(c.cfg.RequiredHTTPAnonLvl) {
			return fmt.Errorf("%w: anonymity level %s below required %s", ErrValue, lvl, c.cfg.RequiredHTTPAnonLvl)
		}
	}

	return nil
}

func anonRank(a Anonymity) int {
	switch a {
	case Transparent:
		return 0
	case Anonymous:
		return 1
	case High:
		return 2
	default:
		return 0
	}
}

// attempt runs MaxTries negotiation+probe cycles for one protocol, retrying
// only on recoverable error kinds.
func (c *Checker) attempt(ctx context.Context, proxy *Proxy, ngtr Negotiator, log *slog.Logger) error {
	scheme := "HTTP"
	if httpsSchemeProtos[ngtr.Name()] && !httpSchemeProtos[ngtr.Name()] {
		scheme = "HTTPS"
	}
	judge, ok := c.judges.Pick(scheme)
	if !ok {
		return fmt.Errorf("%w: no ready judge for scheme %s", ErrConfiguration, scheme)
	}

	var lastErr error
	for try := 0; try < c.cfg.MaxTries; try++ {
		start := time.Now()
		err := c.oneTry(ctx, proxy, ngtr, judge, log)
		if err == nil {
			proxy.Stat.recordLatency(time.Since(start))
			return nil
		}
		lastErr = err
		proxy.logEvent(err.Error(), time.Since(start), err)
		if !isRecoverableCheckError(err) {
			break
		}
	}
	return lastErr
}

func (c *Checker) oneTry(ctx context.Context, proxy *Proxy, ngtr Negotiator, judge *Judge, log *slog.Logger) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	proxy.SetNegotiator(ngtr.Name())
	defer proxy.SetNegotiator("")

	dialer := net.Dialer{}
	err := proxy.acquirePlain(func() (net.Conn, error) {
		conn, derr := dialer.DialContext(attemptCtx, "tcp", proxy.Addr())
		if derr != nil {
			if attemptCtx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrProxyTimeout, derr)
			}
			return nil, fmt.Errorf("%w: %v", ErrProxyConn, derr)
		}
		return conn, nil
	})
	if err != nil {
		return err
	}
	defer proxy.Close()

	if err := ngtr.Negotiate(attemptCtx, proxy, judge.Host(), judge.Port()); err != nil {
		return err
	}

	if !ngtr.CheckAnonLvl() {
		proxy.SetType(ngtr.Name(), "")
		return nil
	}

	anon, err := c.probeJudge(attemptCtx, proxy, ngtr, judge)
	if err != nil {
		return err
	}
	proxy.SetType(ngtr.Name(), anon)
	return nil
}

// probeJudge issues an HTTP GET to the judge's path through the already
// negotiated proxy connection, embedding a random 4-digit verification code
// in a custom header plus matching Referer/Cookie markers. A
// proxy that silently drops, caches, or rewrites the request won't echo
// these back, and the attempt is failed outright rather than misclassified.
// Proxies that do echo them are then classified by comparing observed
// via/proxy substring counts against the judge's own baseline.
func (c *Checker) probeJudge(ctx context.Context, proxy *Proxy, ngtr Negotiator, judge *Judge) (Anonymity, error) {
	target := judge.URL
	path := "/"
	if idx := strings.Index(strings.TrimPrefix(strings.TrimPrefix(target, "https://"), "http://"), "/"); idx >= 0 {
		rest := strings.TrimPrefix(strings.TrimPrefix(target, "https://"), "http://")
		path = rest[idx:]
	}

	reqTarget := path
	if ngtr.UseFullPath() {
		reqTarget = target
	}

	code := fmt.Sprintf("%04d", rand.Intn(10000))
	referer := fmt.Sprintf("http://%s.verify.arprox.invalid/", code)
	cookie := "arprox_verify=" + code

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nX-Arprox-Verify: %s\r\nReferer: %s\r\nCookie: %s\r\nConnection: close\r\n\r\n",
		reqTarget, judge.Host(), defaultUserAgent(), code, referer, cookie)

	w := proxy.Writer()
	if _, err := w.WriteString(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProxySend, err)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProxySend, err)
	}

	r := proxy.Reader()
	statusLine, err := proxy.readLine()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProxyRecv, err)
	}
	if statusLine == "" {
		return "", ErrProxyEmptyRecv
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: %q", ErrBadStatusLine, statusLine)
	}
	var respCode int
	if _, err := fmt.Sscanf(parts[1], "%d", &respCode); err != nil || respCode < 200 || respCode >= 400 {
		return "", fmt.Errorf("%w: judge returned %q", ErrBadStatus, statusLine)
	}

	headers, body, err := readHTTPHeadersAndBody(r)
	if err != nil {
		return "", err
	}
	combined := headers + "\n" + body

	if !strings.Contains(combined, code) {
		return "", fmt.Errorf("%w: judge did not echo verification code", ErrBadResponse)
	}
	if !strings.Contains(combined, referer) {
		return "", fmt.Errorf("%w: judge did not echo Referer marker", ErrBadResponse)
	}
	if !strings.Contains(combined, cookie) {
		return "", fmt.Errorf("%w: judge did not echo Cookie marker", ErrBadResponse)
	}

	lowered := strings.ToLower(combined)
	counts := probeCounts{
		via:   strings.Count(lowered, "via"),
		proxy: strings.Count(lowered, "proxy"),
	}
	if c.cfg.RealIP != "" && strings.Contains(combined, c.cfg.RealIP) {
		counts.leakedRealIP = true
	}

	return classifyAnonymity(counts, judge.Marks()), nil
}

func readHTTPHeadersAndBody(r *bufio.Reader) (headers string, body string, err error) {
	var hb strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return hb.String(), "", fmt.Errorf("%w: %v", ErrProxyRecv, err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		hb.WriteString(trimmed)
		hb.WriteByte('\n')
	}
	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	return hb.String(), string(buf[:n]), nil
}

func defaultUserAgent() string {
	return probeUserAgents.next()
}
