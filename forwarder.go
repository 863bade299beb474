package arprox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// connState names the stages a forwarded connection passes through, purely
// for logging/metrics; the state machine itself is the linear sequence of
// calls in Server.handle.
type connState string

const (
	stateAccepted     connState = "ACCEPTED"
	stateParsed       connState = "PARSED"
	stateProxyChosen  connState = "PROXY_CHOSEN"
	stateNegotiated   connState = "NEGOTIATED"
	stateStreaming    connState = "STREAMING"
	stateDone         connState = "DONE"
)

// protocolPriority is the deterministic protocol preference order per
// scheme, matching proxybroker2's server.py _choice_proto. For HTTP,
// preferConnect moves CONNECT:80 to the front when the server is configured
// to prefer it; HTTPS has no
// such override since CONNECT is already first.
func protocolPriority(scheme string, preferConnect bool) []string {
	switch scheme {
	case "HTTP":
		if preferConnect {
			return []string{ProtoConnect80, ProtoHTTP, ProtoSocks5, ProtoSocks4}
		}
		return []string{ProtoHTTP, ProtoConnect80, ProtoSocks5, ProtoSocks4}
	case "HTTPS":
		return []string{ProtoHTTPS, ProtoSocks5, ProtoSocks4}
	default:
		return nil
	}
}

// ForwarderPool is the subset of pkg/pool.Pool the forwarding server needs:
// Get a working proxy for a scheme, and Remove one that turned out bad.
// Declared locally (rather than importing pkg/pool's Entry-typed Pool
// directly) so the server only depends on the shape it uses.
type ForwarderPool interface {
	Get(scheme string) (*Proxy, error)
	Remove(addr string)
}

// historyEntry records one forwarded request for the TTL-bounded
// /api/history control endpoint.
type historyEntry struct {
	URL       string
	ProxyAddr string
	At        time.Time
}

// clientIP extracts the bare IP (no port) from conn's remote address, used
// to key history by requesting client rather than by URL alone — two
// clients hitting the same URL through different proxies must not shadow
// each other's history entry.
func clientIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// historyKey builds the composite (client, url) key the history cache is
// stored under.
func historyKey(ip, urlKey string) string {
	return ip + "|" + urlKey
}

// ServerConfig controls the forwarding server's accept loop and retry
// policy.
type ServerConfig struct {
	Addr            string        `default:":8080"`
	MaxTries        int           `default:"3"`
	Backlog         int           `default:"128"`
	HistoryTTL      time.Duration `default:"10m"`
	// InjectProxyInfo adds an X-Proxy-Info header naming the upstream proxy.
	// NewServer does not apply struct-tag defaults to this field, so a
	// ServerConfig that leaves it unset has injection off; Broker.Serve sets
	// it explicitly.
	InjectProxyInfo bool `default:"true"`
	// PreferConnect, when true, moves CONNECT:80 ahead of plain HTTP in the
	// protocol preference order for HTTP-scheme requests, when the chosen
	// proxy supports it.
	PreferConnect bool
}

// Server is the forwarding proxy: it accepts client connections, parses an
// HTTP request (or CONNECT), picks a working proxy from the pool for the
// requested scheme, negotiates through it, and streams bytes in both
// directions, retrying with a different proxy on recoverable failure.
// Replaces proxybroker2's async-context-manager Server with an explicit
// Start/Close/Run lifecycle.
type Server struct {
	cfg   ServerConfig
	pool  ForwarderPool
	log   *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup

	historyMu sync.Mutex
	history   map[string]historyEntry // keyed by historyKey(client IP, "url:"+request URL)
}

// NewServer builds a Server drawing working proxies from pool.
func NewServer(cfg ServerConfig, pool ForwarderPool) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 3
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 128
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = 10 * time.Minute
	}
	return &Server{
		cfg:     cfg,
		pool:    pool,
		log:     slog.Default().With("component", "forwarder"),
		history: make(map[string]historyEntry),
	}
}

// Start binds the listening socket. Call Close to release it, or use Run
// for the common start-block-close sequence.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrConfiguration, s.cfg.Addr, err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Close stops accepting new connections and waits for every in-flight
// connection handler to return.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// Run starts the server, blocks until ctx is cancelled, then closes it —
// the idiomatic replacement for Server.__aenter__/__aexit__.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Debug("accept error", "err", err)
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// handle drives one client connection through ACCEPTED -> PARSED ->
// PROXY_CHOSEN -> NEGOTIATED -> STREAMING -> DONE, or the forwarding
// server's control API if the request targets the synthetic
// "proxycontrol" host.
func (s *Server) handle(ctx context.Context, client net.Conn) {
	defer client.Close()
	log := s.log.With("remote", client.RemoteAddr().String(), "state", stateAccepted)

	reader := bufio.NewReader(client)
	req, err := http.ReadRequest(reader)
	if err != nil {
		log.Debug("failed to parse request", "err", err)
		return
	}
	log = log.With("state", stateParsed)

	if req.Host == "proxycontrol" {
		s.handleControl(client, req)
		return
	}

	scheme := "HTTP"
	if req.Method == http.MethodConnect {
		scheme = "HTTPS"
	}

	var lastErr error
	for try := 0; try < s.cfg.MaxTries; try++ {
		proxy, err := s.pool.Get(scheme)
		if err != nil {
			lastErr = err
			break
		}
		log = log.With("state", stateProxyChosen, "proxy", proxy.Addr())

		if err := s.forwardThrough(ctx, client, req, proxy, scheme, clientIP(client), log); err != nil {
			lastErr = err
			if isRecoverableForwardError(err) {
				s.pool.Remove(proxy.Addr())
				continue
			}
			break
		}
		log.Debug("stream complete", "state", stateDone)
		return
	}

	if lastErr != nil {
		log.Debug("forward failed", "state", stateDone, "err", lastErr)
		writeErrorResponse(client, http.StatusBadGateway, lastErr)
	}
}

// forwardThrough negotiates proto protocol through proxy, issues the
// client's request, streams the response back (injecting X-Proxy-Info when
// configured), and records the request in the history cache.
func (s *Server) forwardThrough(ctx context.Context, client net.Conn, req *http.Request, proxy *Proxy, scheme string, clientAddr string, log *slog.Logger) error {
	protoOrder := protocolPriority(scheme, s.cfg.PreferConnect)

	var negErr error
	chosen := ""
	for _, protoName := range protoOrder {
		if !proxy.Supports(protoName) {
			continue
		}
		dialer := net.Dialer{}
		err := proxy.acquirePlain(func() (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", proxy.Addr())
		})
		if err != nil {
			negErr = err
			continue
		}
		host := req.URL.Hostname()
		port := 80
		if scheme == "HTTPS" {
			port = 443
		}
		if req.URL.Port() != "" {
			fmt.Sscanf(req.URL.Port(), "%d", &port)
		} else if req.Method == http.MethodConnect {
			host = strings.Split(req.Host, ":")[0]
			if p := strings.Split(req.Host, ":"); len(p) == 2 {
				fmt.Sscanf(p[1], "%d", &port)
			}
		}
		// HTTPS is always tunneled via a bare CONNECT: the destination's TLS
		// bytes pass through opaquely, never terminated here. httpsNegotiator
		// performs its own TLS handshake and is only appropriate for the
		// checker validating a judge's certificate, not for live client
		// traffic.
		if protoName == ProtoHTTPS {
			if err := connectTunnel(ctx, proxy, host, port); err != nil {
				proxy.Close()
				negErr = err
				continue
			}
		} else {
			ngtr := NGTRS[protoName]
			if err := ngtr.Negotiate(ctx, proxy, host, port); err != nil {
				proxy.Close()
				negErr = err
				continue
			}
		}
		chosen = protoName
		break
	}
	if chosen == "" {
		if negErr == nil {
			negErr = fmt.Errorf("%w: no supported protocol for scheme %s", ErrNoProxy, scheme)
		}
		return negErr
	}
	defer proxy.Close()

	s.recordHistory(clientAddr, req.URL.String(), proxy.Addr())

	if req.Method == http.MethodConnect {
		if _, err := client.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
			return fmt.Errorf("%w: %v", ErrProxySend, err)
		}
		return s.streamBoth(client, proxy.Conn())
	}

	if s.cfg.InjectProxyInfo {
		req.Header.Set("X-Proxy-Info", proxy.Addr())
	}
	if err := req.Write(proxy.Writer()); err != nil {
		return fmt.Errorf("%w: %v", ErrProxySend, err)
	}
	if err := proxy.Writer().Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrProxySend, err)
	}

	resp, err := http.ReadResponse(proxy.Reader(), req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxyRecv, err)
	}
	defer resp.Body.Close()
	if s.cfg.InjectProxyInfo {
		resp.Header.Set("X-Proxy-Info", proxy.Addr())
	}
	return resp.Write(client)
}

// streamBoth copies bytes in both directions between client and upstream
// until either side closes, used for the CONNECT tunnel case.
func (s *Server) streamBoth(client net.Conn, upstream net.Conn) error {
	done := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, client)
		done <- err
	}()
	go func() {
		_, err := io.Copy(client, upstream)
		done <- err
	}()
	err := <-done
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", ErrOnStream, err)
	}
	return nil
}

func (s *Server) recordHistory(clientAddr, url, proxyAddr string) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	key := historyKey(clientAddr, "url:"+url)
	s.history[key] = historyEntry{URL: url, ProxyAddr: proxyAddr, At: time.Now()}
	s.pruneHistoryLocked()
}

func (s *Server) pruneHistoryLocked() {
	cutoff := time.Now().Add(-s.cfg.HistoryTTL)
	for k, v := range s.history {
		if v.At.Before(cutoff) {
			delete(s.history, k)
		}
	}
}

// handleControl implements the "proxycontrol" host's API: GET
// /api/remove/<host>:<port> evicts a proxy from the pool and answers 204, GET
// /api/history/url:<url> reports which proxy last handled url for the
// requesting client, as 200 + JSON, or 204 if there's no entry.
func (s *Server) handleControl(client net.Conn, req *http.Request) {
	defer client.Close()

	path := req.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/remove/"):
		addr := strings.TrimPrefix(path, "/api/remove/")
		s.pool.Remove(addr)
		writeNoContentResponse(client)
	case strings.HasPrefix(path, "/api/history/"):
		urlKey := strings.TrimPrefix(path, "/api/history/")
		key := historyKey(clientIP(client), urlKey)
		s.historyMu.Lock()
		entry, ok := s.history[key]
		s.historyMu.Unlock()
		if !ok {
			writeNoContentResponse(client)
			return
		}
		writeJSONResponse(client, entry.ProxyAddr)
	default:
		writeErrorResponse(client, http.StatusNotFound, fmt.Errorf("unknown control path %s", path))
	}
}

// corsHeaders is appended to every control API response; the dashboard's
// in-browser fetches rely on both the wildcard origin and the explicit
// credentials allowance.
const corsHeaders = "Access-Control-Allow-Origin: *\r\nAccess-Control-Allow-Credentials: true\r\n"

func writeNoContentResponse(w io.Writer) {
	resp := fmt.Sprintf("HTTP/1.1 204 No Content\r\n%s\r\n", corsHeaders)
	_, _ = w.Write([]byte(resp))
}

func writeJSONResponse(w io.Writer, proxyAddr string) {
	body := fmt.Sprintf(`{"proxy":%q}`, proxyAddr)
	resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n%s\r\n%s",
		len(body), corsHeaders, body)
	_, _ = w.Write([]byte(resp))
}

func writeErrorResponse(w io.Writer, code int, err error) {
	body := err.Error()
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\n%s\r\n%s", code, http.StatusText(code), len(body), corsHeaders, body)
	_, _ = w.Write([]byte(resp))
}
