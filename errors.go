package arprox

import "errors"

// Error taxonomy. Each kind is a distinct sentinel so callers can select
// recoverable kinds explicitly with errors.Is. Proxy.Stat.Errors counts
// errors under the stable key errKindKey derives from the sentinel.
var (
	// ErrResolve indicates a host could not be resolved, or a raw candidate
	// was otherwise malformed. Dropped at the resolver stage; never surfaces
	// to a broker consumer.
	ErrResolve = errors.New("resolve error")

	// ErrValue indicates a constructor received an out-of-range value (bad
	// port, nil host, ...).
	ErrValue = errors.New("value error")

	// ErrProxyConn indicates the TCP dial to a proxy failed (refused, reset,
	// or OS-level).
	ErrProxyConn = errors.New("proxy connection error")

	// ErrTLSHandshake indicates a failure during or after a TLS handshake to
	// the destination. Unlike ErrProxyConn, the forwarding server's retry
	// loop never treats this as recoverable: once a client's TLS channel has
	// started negotiating, that channel is already compromised and handing
	// it to a second proxy cannot recover it.
	ErrTLSHandshake = errors.New("tls handshake error")

	// ErrProxyTimeout indicates a connect or receive exceeded its deadline.
	// Latencies from timed-out attempts are never added to avg_resp_time.
	ErrProxyTimeout = errors.New("proxy timeout error")

	// ErrProxySend indicates a write to the proxy connection failed.
	ErrProxySend = errors.New("proxy send error")

	// ErrProxyRecv indicates a read from the proxy connection failed.
	ErrProxyRecv = errors.New("proxy receive error")

	// ErrProxyEmptyRecv indicates a read succeeded but returned zero bytes.
	ErrProxyEmptyRecv = errors.New("proxy empty receive error")

	// ErrBadStatus indicates a protocol status line/code did not match what
	// the negotiator expected (e.g. CONNECT returned non-200).
	ErrBadStatus = errors.New("bad status error")

	// ErrBadResponse indicates a malformed or unexpected response body/frame
	// from a proxy or judge.
	ErrBadResponse = errors.New("bad response error")

	// ErrBadStatusLine indicates the HTTP status line itself did not parse.
	ErrBadStatusLine = errors.New("bad status line error")

	// ErrNoProxy indicates the ranked pool was exhausted for a requested
	// scheme within its retry budget. Fatal for the enclosing request: the
	// forwarding server answers that client with 502 Bad Gateway and keeps
	// serving other connections; it does not shut itself down.
	ErrNoProxy = errors.New("no proxy available")

	// ErrConfiguration indicates no judge is ready for a scheme the user's
	// policy requires (returned by JudgeRegistry.Warmup, and so by
	// NewBroker), or another setup failure such as an unreadable config
	// file or a listen address that cannot be bound.
	ErrConfiguration = errors.New("configuration error")

	// ErrOnStream wraps an error that occurred while relaying bytes between
	// client and proxy in a CONNECT tunnel. It carries no other context; the
	// forwarding server's retry loop does not treat it as recoverable.
	ErrOnStream = errors.New("stream error")
)

// errKindKey maps an error to the stable string used as a Proxy statistics
// counter key. Unknown errors key off their own Error() text, matching the
// Python original's use of an error's message as the Counter key.
func errKindKey(err error) string {
	switch {
	case errors.Is(err, ErrProxyConn):
		return "ProxyConnError"
	case errors.Is(err, ErrTLSHandshake):
		return "TLSHandshakeError"
	case errors.Is(err, ErrProxyTimeout):
		return "ProxyTimeoutError"
	case errors.Is(err, ErrProxySend):
		return "ProxySendError"
	case errors.Is(err, ErrProxyRecv):
		return "ProxyRecvError"
	case errors.Is(err, ErrProxyEmptyRecv):
		return "ProxyEmptyRecvError"
	case errors.Is(err, ErrBadStatus):
		return "BadStatusError"
	case errors.Is(err, ErrBadResponse):
		return "BadResponseError"
	case errors.Is(err, ErrBadStatusLine):
		return "BadStatusLine"
	default:
		return err.Error()
	}
}

// isRecoverableCheckError reports whether err is one of the kinds the
// Checker's retry loop consumes a retry for, rather than aborting the check
// outright.
func isRecoverableCheckError(err error) bool {
	switch {
	case errors.Is(err, ErrProxyTimeout),
		errors.Is(err, ErrProxyConn),
		errors.Is(err, ErrTLSHandshake),
		errors.Is(err, ErrProxyRecv),
		errors.Is(err, ErrProxySend),
		errors.Is(err, ErrProxyEmptyRecv),
		errors.Is(err, ErrBadResponse),
		errors.Is(err, ErrBadStatus):
		return true
	default:
		return false
	}
}

// isRecoverableForwardError reports whether err is one of the kinds the
// forwarding server's per-connection retry loop treats as "try the next
// proxy" rather than a fatal abort. ErrTLSHandshake is deliberately excluded:
// once a client's TLS channel started negotiating through this proxy, it is
// already compromised and a fresh proxy cannot salvage it.
func isRecoverableForwardError(err error) bool {
	if errors.Is(err, ErrTLSHandshake) {
		return false
	}
	switch {
	case errors.Is(err, ErrProxyTimeout),
		errors.Is(err, ErrProxyConn),
		errors.Is(err, ErrProxyRecv),
		errors.Is(err, ErrProxySend),
		errors.Is(err, ErrProxyEmptyRecv),
		errors.Is(err, ErrBadStatus),
		errors.Is(err, ErrBadResponse):
		return true
	default:
		return false
	}
}
